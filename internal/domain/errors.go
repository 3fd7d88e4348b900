package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind identifies one leaf of the analysis failure taxonomy.
type ErrorKind string

const (
	KindTooLarge          ErrorKind = "validation.too_large"
	KindUnsupportedFormat ErrorKind = "validation.unsupported_format"

	KindTimeout     ErrorKind = "ai.timeout"
	KindRateLimited ErrorKind = "ai.rate_limited"
	KindAuth        ErrorKind = "ai.auth"
	KindTransport   ErrorKind = "ai.transport"
	KindProvider    ErrorKind = "ai.provider"

	KindMalformed      ErrorKind = "parse.malformed"
	KindSchemaMismatch ErrorKind = "parse.schema_mismatch"
	KindIncomplete     ErrorKind = "parse.incomplete"

	KindPersistence ErrorKind = "persistence"
	KindCanceled    ErrorKind = "canceled"
	// KindInternal is a local fault unrelated to the input or the model.
	KindInternal ErrorKind = "internal"
)

// Error categories, the part of the kind before the dot.
const (
	CategoryValidation  = "validation"
	CategoryAI          = "ai"
	CategoryParse       = "parse"
	CategoryPersistence = "persistence"
	CategoryCanceled    = "canceled"
	CategoryInternal    = "internal"
)

// Error is the structured failure returned by every analysis component.
// It carries a machine-readable kind plus a message safe to show a user.
type Error struct {
	Kind       ErrorKind
	Message    string
	Suggestion string
	// RetryAfter is the provider's requested delay for rate-limited calls.
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is comparisons. Only the kind is compared.
var (
	ErrTooLarge          = &Error{Kind: KindTooLarge}
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrAuth              = &Error{Kind: KindAuth}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrProvider          = &Error{Kind: KindProvider}
	ErrMalformed         = &Error{Kind: KindMalformed}
	ErrSchemaMismatch    = &Error{Kind: KindSchemaMismatch}
	ErrIncomplete        = &Error{Kind: KindIncomplete}
	ErrPersistence       = &Error{Kind: KindPersistence}
	ErrCanceled          = &Error{Kind: KindCanceled}
	ErrInternal          = &Error{Kind: KindInternal}
)

// NewError creates an Error of the given kind wrapping an optional cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Errorf creates an Error with a formatted message and no cause.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = string(e.Kind) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Category returns the taxonomy branch of the error.
func (e *Error) Category() string {
	if idx := strings.IndexByte(string(e.Kind), '.'); idx != -1 {
		return string(e.Kind)[:idx]
	}
	return string(e.Kind)
}

// Retryable reports whether the pipeline may repeat the model call.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransport, KindTimeout:
		return true
	}
	return false
}

// AsError extracts the first *Error in the chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// KindOf returns the kind of err, or an empty kind for foreign errors.
func KindOf(err error) ErrorKind {
	if de, ok := AsError(err); ok {
		return de.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable analysis error.
func IsRetryable(err error) bool {
	de, ok := AsError(err)
	return ok && de.Retryable()
}
