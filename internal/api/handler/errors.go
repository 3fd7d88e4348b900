package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/nutrify/internal/domain"
)

// statusClientClosedRequest is the de facto status for requests the client
// abandoned; nobody reads it but it keeps access logs honest.
const statusClientClosedRequest = 499

// ErrorBody is the JSON error envelope of every endpoint.
type ErrorBody struct {
	Kind       string `json:"kind"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(err error) int {
	switch domain.KindOf(err) {
	case domain.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindTransport, domain.KindMalformed, domain.KindSchemaMismatch, domain.KindIncomplete:
		return http.StatusBadGateway
	case domain.KindProvider:
		return http.StatusUnprocessableEntity
	case domain.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorBody renders err for clients. Causes are never exposed; auth
// failures toward the provider are a server fault and are described as such.
func NewErrorBody(err error) ErrorBody {
	de, ok := domain.AsError(err)
	if !ok {
		return ErrorBody{Kind: "internal", Category: "internal", Message: "internal error"}
	}
	body := ErrorBody{
		Kind:       string(de.Kind),
		Category:   de.Category(),
		Message:    de.Message,
		Suggestion: de.Suggestion,
		// Parse failures are not retried internally, but a fresh request
		// can produce different model output.
		Retryable: de.Retryable() || de.Category() == domain.CategoryParse,
	}
	switch de.Kind {
	case domain.KindAuth:
		body.Message = "the analysis service is not configured correctly"
	case domain.KindInternal:
		body.Message = "internal error"
	case domain.KindMalformed, domain.KindSchemaMismatch, domain.KindIncomplete:
		if body.Suggestion == "" {
			body.Suggestion = "try again, ideally with a clearer photo of the meal"
		}
	}
	if body.Message == "" {
		body.Message = string(de.Kind)
	}
	return body
}

// writeError aborts the request with the mapped status and error body.
func writeError(c *gin.Context, err error) {
	if de, ok := domain.AsError(err); ok && de.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(de.RetryAfter.Seconds()+0.5)))
	}
	c.AbortWithStatusJSON(HTTPStatus(err), gin.H{"error": NewErrorBody(err)})
}

func notFound(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": ErrorBody{
		Kind:     "not_found",
		Category: "request",
		Message:  msg,
	}})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ErrorBody{
		Kind:     "invalid_request",
		Category: domain.CategoryValidation,
		Message:  msg,
	}})
}
