package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/nutrify/internal/domain"
)

// RawModelOutput is the untrusted text returned by a model. Only the
// response parser turns it into typed data.
type RawModelOutput struct {
	Text         string
	Provider     string
	Model        string
	FinishReason string
}

// ModelClient performs exactly one model exchange per Invoke. It never
// retries; failures are *domain.Error values in the ai category, or
// canceled when the caller's context ends first.
type ModelClient interface {
	Invoke(ctx context.Context, req *PromptRequest, timeout time.Duration) (*RawModelOutput, error)
	Name() string
}

// ModelClientConfig selects and configures a model provider.
type ModelClientConfig struct {
	Provider        string
	Model           string
	APIKey          string
	BaseURL         string
	MaxTokens       int
	ProjectID       string
	Location        string
	CredentialsFile string
}

// NewModelClient creates the client for cfg.Provider.
// Parameters:
//   - ctx: used only while dialing providers that connect eagerly.
//   - cfg: provider selection and credentials.
//
// Returns:
//   - ModelClient: ready client.
//   - error: non-nil for an unknown provider or a failed connection.
func NewModelClient(ctx context.Context, cfg *ModelClientConfig) (ModelClient, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewVLMService(&VLMConfig{
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case "vertex":
		return NewVertexService(ctx, &VertexConfig{
			ProjectID:       cfg.ProjectID,
			Location:        cfg.Location,
			Model:           cfg.Model,
			CredentialsFile: cfg.CredentialsFile,
			MaxTokens:       cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// withCallTimeout derives the per-call context. A non-positive timeout
// leaves only the parent's deadline in force.
func withCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// contextError maps a failure that coincides with a finished context.
// It returns nil when neither context has ended.
func contextError(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return domain.NewError(domain.KindCanceled, "request canceled", parent.Err())
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout, "model call timed out", err)
	}
	return nil
}

// classifyHTTPStatus maps a non-2xx provider status to the ai taxonomy.
func classifyHTTPStatus(code int, retryAfter string, detail string, now time.Time) *domain.Error {
	msg := fmt.Sprintf("HTTP %d", code)
	if detail != "" {
		msg += ": " + detail
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.Errorf(domain.KindAuth, "%s", msg)
	case code == http.StatusTooManyRequests:
		e := domain.Errorf(domain.KindRateLimited, "%s", msg)
		e.RetryAfter = parseRetryAfter(retryAfter, now)
		return e
	case code == http.StatusRequestTimeout || code >= 500:
		return domain.Errorf(domain.KindTransport, "%s", msg)
	default:
		return domain.Errorf(domain.KindProvider, "%s", msg)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// truncate shortens provider bodies before they reach error messages.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
