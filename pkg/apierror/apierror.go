package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the canonical error code, used both as the external "code" field
// and as the internal tag the runner switches on.
type Kind string

const (
	KindInvalidRunOptions        Kind = "invalid_run_options"
	KindInvalidTemplate          Kind = "invalid_template"
	KindInvalidFile              Kind = "invalid_file"
	KindBadRequest               Kind = "bad_request"
	KindMaxTokensExceeded        Kind = "max_tokens_exceeded"
	KindContentModeration        Kind = "content_moderation"
	KindFailedGeneration         Kind = "failed_generation"
	KindStructuredGeneration     Kind = "structured_generation_error"
	KindReadTimeout              Kind = "read_timeout"
	KindProviderInternal         Kind = "provider_internal"
	KindRateLimit                Kind = "rate_limit"
	KindModelDoesNotSupportMode  Kind = "model_does_not_support_mode"
	KindUnpriceableRun           Kind = "unpriceable_run"
	KindInsufficientCredits      Kind = "insufficient_credits"
	KindClientDisconnect         Kind = "client_disconnect"
	KindInternal                 Kind = "internal"
	KindObjectNotFound           Kind = "object_not_found"
	KindVersionNotFound          Kind = "version_not_found"
	KindDeploymentNotFound       Kind = "deployment_not_found"
	KindAgentNotFound            Kind = "agent_not_found"
	KindRunNotFound              Kind = "run_not_found"
	KindAuthentication           Kind = "authentication_error"
	KindEntityTooLarge           Kind = "entity_too_large"
	KindConcurrentModification   Kind = "concurrent_modification"
	KindInvalidGenerationRequest Kind = "invalid_generation_request"
)

// Retry classifies how the runner may react to an error.
type Retry int

const (
	RetryNever Retry = iota
	// RetryOnce applies to generation failures that are worth a single
	// identical re-attempt before giving up.
	RetryOnce
	// RetryAlways marks transient transport and provider conditions that the
	// fallback chain consumes.
	RetryAlways
)

// Error is the canonical error carried across the run engine. It wraps an
// optional cause and carries everything needed to render the external error
// body.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	RunID   string

	// RetryAfter is an advisory delay extracted from provider rate-limit
	// responses. Zero means no advice.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retry reports the retry class of the error kind.
func (e *Error) Retry() Retry {
	switch e.Kind {
	case KindReadTimeout, KindProviderInternal, KindRateLimit:
		return RetryAlways
	case KindFailedGeneration, KindStructuredGeneration:
		return RetryOnce
	default:
		return RetryNever
	}
}

// HTTPStatus maps the error kind to the external status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRunOptions, KindInvalidTemplate, KindInvalidFile, KindBadRequest:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindObjectNotFound, KindVersionNotFound, KindDeploymentNotFound, KindAgentNotFound, KindRunNotFound:
		return http.StatusNotFound
	case KindConcurrentModification:
		return http.StatusConflict
	case KindEntityTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindInvalidGenerationRequest, KindModelDoesNotSupportMode, KindMaxTokensExceeded,
		KindContentModeration, KindUnpriceableRun, KindStructuredGeneration:
		return http.StatusUnprocessableEntity
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindReadTimeout, KindProviderInternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// WithDetail returns the error with one detail key set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter returns the error with an advisory retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the canonical kind of any error. Unrecognized errors are
// classified as internal.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInternal
}

// RetryOf returns the retry class of any error.
func RetryOf(err error) Retry {
	if ae, ok := As(err); ok {
		return ae.Retry()
	}
	return RetryNever
}

// FromAny coerces any error into an *Error, wrapping unknown errors as
// internal.
func FromAny(err error) *Error {
	if ae, ok := As(err); ok {
		return ae
	}
	return &Error{Kind: KindInternal, Message: err.Error(), cause: err}
}
