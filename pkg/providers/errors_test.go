package providers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/model"
)

func TestClassifyHTTPError(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		message string
		want    apierror.Kind
	}{
		{"rate limit", http.StatusTooManyRequests, "slow down", apierror.KindRateLimit},
		{"unauthorized", http.StatusUnauthorized, "bad key", apierror.KindAuthentication},
		{"forbidden", http.StatusForbidden, "no access", apierror.KindAuthentication},
		{"gateway timeout", http.StatusGatewayTimeout, "", apierror.KindReadTimeout},
		{"server error", http.StatusInternalServerError, "oops", apierror.KindProviderInternal},
		{"overloaded", 529, "overloaded", apierror.KindProviderInternal},
		{"not found model", http.StatusNotFound, "model does not exist", apierror.KindInvalidRunOptions},
		{"plain bad request", http.StatusBadRequest, "missing field", apierror.KindBadRequest},
		{"moderation", http.StatusBadRequest, "your request was flagged", apierror.KindContentModeration},
		{"bad image", http.StatusBadRequest, "invalid image payload", apierror.KindInvalidFile},
		{"context length", http.StatusBadRequest, "maximum context length exceeded", apierror.KindMaxTokensExceeded},
		{"unsupported mode", http.StatusUnprocessableEntity, "model does not support images", apierror.KindModelDoesNotSupportMode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyHTTPError(model.ProviderOpenAI, tc.status, tc.message, nil)
			assert.Equal(t, tc.want, apierror.KindOf(err))
			// the provider name prefixes the message
			assert.Contains(t, err.Error(), "openai: ")
		})
	}
}

func TestClassifyHTTPErrorRetryAfter(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "7")

	err := classifyHTTPError(model.ProviderAnthropic, http.StatusTooManyRequests, "slow down", headers)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, ae.RetryAfter)
}

func TestRetryAfterFromHeaders(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfterFromHeaders(nil))

	h := http.Header{}
	assert.Equal(t, time.Duration(0), retryAfterFromHeaders(h))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, retryAfterFromHeaders(h))

	h.Set("Retry-After", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	after := retryAfterFromHeaders(h)
	assert.Greater(t, after, 30*time.Second)

	h.Set("Retry-After", "garbage")
	assert.Equal(t, time.Duration(0), retryAfterFromHeaders(h))
}

func TestIsModerationRefusal(t *testing.T) {
	assert.True(t, IsModerationRefusal("I apologize, but I cannot help with that inappropriate request."))
	assert.True(t, IsModerationRefusal("I can't do this, the content is offensive."))

	assert.False(t, IsModerationRefusal("Here is the answer you asked for."))
	assert.False(t, IsModerationRefusal("I apologize for the delay."))
	// long texts are never treated as refusals
	long := "I apologize, this is inappropriate. " + string(make([]byte, 700))
	assert.False(t, IsModerationRefusal(long))
}
