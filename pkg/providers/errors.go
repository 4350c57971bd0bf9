package providers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/model"
)

// classifyHTTPError maps a provider's non-2xx status and message to the
// canonical taxonomy. Adapters call it after extracting the provider's own
// error message from the body.
func classifyHTTPError(provider model.Provider, statusCode int, message string, headers http.Header) error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(statusCode)
	}
	prefixed := string(provider) + ": " + message

	switch {
	case statusCode == http.StatusTooManyRequests:
		err := apierror.New(apierror.KindRateLimit, prefixed)
		if after := retryAfterFromHeaders(headers); after > 0 {
			err = err.WithRetryAfter(after)
		}
		return err
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return apierror.New(apierror.KindAuthentication, prefixed)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return apierror.New(apierror.KindReadTimeout, prefixed)
	case statusCode >= 500:
		return apierror.New(apierror.KindProviderInternal, prefixed)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return classifyBadRequest(prefixed, message)
	case statusCode == http.StatusNotFound:
		return apierror.New(apierror.KindInvalidRunOptions, prefixed)
	default:
		return apierror.New(apierror.KindBadRequest, prefixed)
	}
}

// classifyBadRequest inspects 4xx messages for known refusal shapes.
func classifyBadRequest(prefixed, message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "content_policy") ||
		strings.Contains(lower, "content management policy") ||
		strings.Contains(lower, "flagged"):
		return apierror.New(apierror.KindContentModeration, prefixed)
	case strings.Contains(lower, "image") &&
		(strings.Contains(lower, "invalid") || strings.Contains(lower, "could not process") ||
			strings.Contains(lower, "unsupported")):
		return apierror.New(apierror.KindInvalidFile, prefixed)
	case strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context_length") ||
		strings.Contains(lower, "maximum context"):
		return apierror.New(apierror.KindMaxTokensExceeded, prefixed)
	case strings.Contains(lower, "does not support"):
		return apierror.New(apierror.KindModelDoesNotSupportMode, prefixed)
	default:
		return apierror.New(apierror.KindBadRequest, prefixed)
	}
}

// IsModerationRefusal detects the apology-shaped refusal some providers
// return with a 200 instead of an error status.
func IsModerationRefusal(text string) bool {
	if len(text) > 600 {
		return false
	}
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "apologize") && !strings.Contains(lower, "apologise") &&
		!strings.Contains(lower, "i cannot") && !strings.Contains(lower, "i can't") {
		return false
	}
	return strings.Contains(lower, "inappropriate") || strings.Contains(lower, "offensive")
}

func retryAfterFromHeaders(headers http.Header) time.Duration {
	if headers == nil {
		return 0
	}
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
