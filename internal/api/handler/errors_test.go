package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/timmy/nutrify/internal/domain"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind domain.ErrorKind
		want int
	}{
		{domain.KindTooLarge, http.StatusRequestEntityTooLarge},
		{domain.KindUnsupportedFormat, http.StatusUnsupportedMediaType},
		{domain.KindRateLimited, http.StatusTooManyRequests},
		{domain.KindTimeout, http.StatusGatewayTimeout},
		{domain.KindTransport, http.StatusBadGateway},
		{domain.KindMalformed, http.StatusBadGateway},
		{domain.KindSchemaMismatch, http.StatusBadGateway},
		{domain.KindIncomplete, http.StatusBadGateway},
		{domain.KindProvider, http.StatusUnprocessableEntity},
		{domain.KindAuth, http.StatusInternalServerError},
		{domain.KindPersistence, http.StatusInternalServerError},
		{domain.KindCanceled, statusClientClosedRequest},
		{domain.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			wrapped := fmt.Errorf("analyze: %w", domain.Errorf(tt.kind, "boom"))
			if got := HTTPStatus(wrapped); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}

	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("untyped error status = %d", got)
	}
}

func TestNewErrorBody(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCategory  string
		wantRetryable bool
		wantMessage   string
	}{
		{"rate limited", domain.Errorf(domain.KindRateLimited, "slow down"), domain.CategoryAI, true, "slow down"},
		{"malformed", domain.Errorf(domain.KindMalformed, "no JSON"), domain.CategoryParse, true, "no JSON"},
		{"too large", domain.Errorf(domain.KindTooLarge, "image exceeds 10 bytes"), domain.CategoryValidation, false, "image exceeds 10 bytes"},
		{"auth hidden", domain.Errorf(domain.KindAuth, "api key AIza-secret invalid"), domain.CategoryAI, false, "the analysis service is not configured correctly"},
		{"internal hidden", domain.NewError(domain.KindInternal, "failed to encode image", errors.New("jpeg: bad quantization")), domain.CategoryInternal, false, "internal error"},
		{"untyped", errors.New("sql: connection reset"), "internal", false, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := NewErrorBody(tt.err)
			if body.Category != tt.wantCategory || body.Retryable != tt.wantRetryable || body.Message != tt.wantMessage {
				t.Errorf("body = %+v", body)
			}
		})
	}

	if body := NewErrorBody(domain.Errorf(domain.KindIncomplete, "missing totals")); body.Suggestion == "" {
		t.Error("parse failure without a suggestion")
	}
}
