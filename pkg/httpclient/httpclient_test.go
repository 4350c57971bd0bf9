package httpclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryStrategy(t *testing.T) {
	assert.Equal(t, SmartRetry, DefaultRetryStrategy(http.StatusTooManyRequests))
	assert.Equal(t, SmartRetry, DefaultRetryStrategy(http.StatusServiceUnavailable))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusInternalServerError))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusBadGateway))
	assert.Equal(t, NoRetry, DefaultRetryStrategy(http.StatusNotFound))
	assert.Equal(t, NoRetry, DefaultRetryStrategy(http.StatusBadRequest))
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond), WithMaxRetries(2))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond), WithMaxRetries(3))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDoReturnsLastResponseWhenExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond), WithMaxRetries(1))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDoReplaysRequestBody(t *testing.T) {
	var hits atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		bodies = append(bodies, string(buf[:n]))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond), WithMaxRetries(2))
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
}

func TestSmartRetryHonorsRetryAfter(t *testing.T) {
	c := New(WithBaseDelay(time.Millisecond))

	delay := c.delayFor(SmartRetry, 0, RateLimitInfo{RetryAfter: 5 * time.Second})
	assert.Equal(t, 5*time.Second, delay)

	// past reset times fall through to exponential backoff
	delay = c.delayFor(SmartRetry, 0, RateLimitInfo{ResetTime: time.Now().Add(-time.Minute).Unix()})
	assert.Greater(t, delay, time.Duration(0))
	assert.Less(t, delay, 100*time.Millisecond)
}

func TestConservativeRetryGivesUpAfterTwo(t *testing.T) {
	c := New(WithBaseDelay(time.Millisecond))
	assert.Equal(t, time.Millisecond, c.delayFor(ConservativeRetry, 0, RateLimitInfo{}))
	assert.Equal(t, 2*time.Millisecond, c.delayFor(ConservativeRetry, 1, RateLimitInfo{}))
	assert.Equal(t, time.Duration(0), c.delayFor(ConservativeRetry, 2, RateLimitInfo{}))
}

func TestParseOpenAIHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	h.Set("x-ratelimit-reset-tokens", "1700000000")
	h.Set("x-ratelimit-remaining-requests", "99")
	h.Set("x-ratelimit-remaining-tokens", "5000")

	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 12*time.Second, info.RetryAfter)
	assert.Equal(t, int64(1700000000), info.ResetTime)
	assert.Equal(t, 99, info.RequestsRemaining)
	assert.Equal(t, 5000, info.TokensRemaining)

	assert.Equal(t, RateLimitInfo{}, ParseOpenAIHeaders(http.Header{}))
}

func TestParseAnthropicHeaders(t *testing.T) {
	reset := time.Now().Add(time.Minute).UTC().Truncate(time.Second)

	h := http.Header{}
	h.Set("retry-after", "3")
	h.Set("anthropic-ratelimit-input-tokens-reset", reset.Format(time.RFC3339))
	h.Set("anthropic-ratelimit-requests-remaining", "10")
	h.Set("anthropic-ratelimit-input-tokens-remaining", "2000")
	h.Set("anthropic-ratelimit-output-tokens-remaining", "400")

	info := ParseAnthropicHeaders(h)
	assert.Equal(t, 3*time.Second, info.RetryAfter)
	assert.Equal(t, reset.Unix(), info.ResetTime)
	assert.Equal(t, 10, info.RequestsRemaining)
	assert.Equal(t, 2000, info.InputTokensRemaining)
	assert.Equal(t, 400, info.OutputTokensRemaining)
}

func TestParseGoogleHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "8")
	assert.Equal(t, 8*time.Second, ParseGoogleHeaders(h).RetryAfter)
	assert.Equal(t, RateLimitInfo{}, ParseGoogleHeaders(http.Header{}))
}
