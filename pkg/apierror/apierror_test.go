package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryClasses(t *testing.T) {
	assert.Equal(t, RetryAlways, New(KindRateLimit, "").Retry())
	assert.Equal(t, RetryAlways, New(KindReadTimeout, "").Retry())
	assert.Equal(t, RetryAlways, New(KindProviderInternal, "").Retry())
	assert.Equal(t, RetryOnce, New(KindFailedGeneration, "").Retry())
	assert.Equal(t, RetryOnce, New(KindStructuredGeneration, "").Retry())
	assert.Equal(t, RetryNever, New(KindContentModeration, "").Retry())
	assert.Equal(t, RetryNever, New(KindBadRequest, "").Retry())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindBadRequest:           http.StatusBadRequest,
		KindInvalidRunOptions:    http.StatusBadRequest,
		KindAuthentication:       http.StatusUnauthorized,
		KindInsufficientCredits:  http.StatusPaymentRequired,
		KindAgentNotFound:        http.StatusNotFound,
		KindRunNotFound:          http.StatusNotFound,
		KindConcurrentModification: http.StatusConflict,
		KindEntityTooLarge:       http.StatusRequestEntityTooLarge,
		KindContentModeration:    http.StatusUnprocessableEntity,
		KindRateLimit:            http.StatusTooManyRequests,
		KindProviderInternal:     http.StatusBadGateway,
		KindInternal:             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, New(kind, "").HTTPStatus(), string(kind))
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, KindProviderInternal, "upstream failed")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "provider_internal: upstream failed", err.Error())
}

func TestAsThroughWrapping(t *testing.T) {
	inner := New(KindRateLimit, "slow down").WithRetryAfter(2 * time.Second)
	wrapped := fmt.Errorf("attempt 1: %w", inner)

	ae, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, ae.Kind)
	assert.Equal(t, 2*time.Second, ae.RetryAfter)
	assert.Equal(t, KindRateLimit, KindOf(wrapped))
	assert.Equal(t, RetryAlways, RetryOf(wrapped))
}

func TestFromAnyCoercesUnknown(t *testing.T) {
	err := FromAny(errors.New("disk full"))
	assert.Equal(t, KindInternal, err.Kind)
	assert.Equal(t, "disk full", err.Message)

	known := New(KindVersionNotFound, "gone")
	assert.Same(t, known, FromAny(known))
}

func TestWithDetail(t *testing.T) {
	err := New(KindInvalidRunOptions, "bad temperature").
		WithDetail("property", "temperature").
		WithDetail("value", 3.5)
	assert.Equal(t, "temperature", err.Details["property"])
	assert.Equal(t, 3.5, err.Details["value"])
}
