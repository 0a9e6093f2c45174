package httpclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	client := New()
	assert.Equal(t, 3, client.maxRetries)
	assert.Equal(t, 2*time.Second, client.baseDelay)
	assert.NotNil(t, client.strategyFunc)
}

func TestNewWithOptions(t *testing.T) {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	client := New(
		WithHTTPClient(httpClient),
		WithMaxRetries(1),
		WithBaseDelay(10*time.Millisecond),
		WithMaxDelay(50*time.Millisecond),
		WithJitter(false),
	)

	assert.Same(t, httpClient, client.client)
	assert.Equal(t, 1, client.maxRetries)
	assert.Equal(t, 10*time.Millisecond, client.baseDelay)
	assert.False(t, client.jitter)
}

func TestDoSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(WithMaxRetries(0))
	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoRetriesRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(WithMaxRetries(2), WithBaseDelay(time.Millisecond), WithJitter(false))
	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 2, attempts)
}

func TestDoNoRetryOnClientError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDoExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(WithMaxRetries(1), WithBaseDelay(time.Millisecond), WithJitter(false))
	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, http.StatusTooManyRequests, retryErr.StatusCode)
	assert.True(t, retryErr.IsRetryable())
}

func TestWithRetryableStatusCodes(t *testing.T) {
	client := New(WithRetryableStatusCodes([]int{429, 503}))

	assert.Equal(t, SmartRetry, client.strategyFunc(429))
	assert.Equal(t, SmartRetry, client.strategyFunc(503))
	assert.Equal(t, NoRetry, client.strategyFunc(500))
	assert.Equal(t, NoRetry, client.strategyFunc(401))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, ParseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-5"))

	// HTTP-date in the future yields a positive duration.
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 60*time.Second)

	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), ParseRetryAfter(past))
}

func TestParseOpenAIHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "12")
	headers.Set("x-ratelimit-remaining-requests", "99")
	headers.Set("x-ratelimit-remaining-tokens", "4000")

	info := ParseOpenAIHeaders(headers)
	assert.Equal(t, 12*time.Second, info.RetryAfter)
	assert.Equal(t, 99, info.RequestsRemaining)
	assert.Equal(t, 4000, info.TokensRemaining)
}

func TestParseAnthropicHeaders(t *testing.T) {
	reset := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	headers := http.Header{}
	headers.Set("retry-after", "7")
	headers.Set("anthropic-ratelimit-requests-reset", reset)
	headers.Set("anthropic-ratelimit-requests-remaining", "5")

	info := ParseAnthropicHeaders(headers)
	assert.Equal(t, 7*time.Second, info.RetryAfter)
	assert.NotZero(t, info.ResetTime)
	assert.Equal(t, 5, info.RequestsRemaining)
}

func TestParseRateLimitHeadersDispatch(t *testing.T) {
	anthropic := http.Header{}
	anthropic.Set("anthropic-ratelimit-requests-remaining", "5")
	anthropic.Set("retry-after", "7")
	assert.Equal(t, 5, ParseRateLimitHeaders(anthropic).RequestsRemaining)

	openai := http.Header{}
	openai.Set("x-ratelimit-remaining-tokens", "4000")
	assert.Equal(t, 4000, ParseRateLimitHeaders(openai).TokensRemaining)

	generic := http.Header{}
	generic.Set("Retry-After", "9")
	assert.Equal(t, 9*time.Second, ParseRateLimitHeaders(generic).RetryAfter)

	assert.Zero(t, ParseRateLimitHeaders(http.Header{}).RetryAfter)
}

func TestHeaderParserDrivesBackoff(t *testing.T) {
	client := New(
		WithHeaderParser(ParseRateLimitHeaders),
		WithBaseDelay(time.Millisecond),
		WithMaxDelay(time.Minute),
		WithJitter(false),
	)

	headers := http.Header{}
	headers.Set("Retry-After", "42")
	info := client.headerParser(headers)

	// The server hint wins over the exponential schedule.
	assert.Equal(t, 42*time.Second, client.calculateDelay(SmartRetry, 0, info))
	assert.Equal(t, time.Millisecond, client.calculateDelay(SmartRetry, 0, RateLimitInfo{}))
}

func TestSSEScanner(t *testing.T) {
	stream := strings.Join([]string{
		"event: message",
		"data: {\"text\":\"hello\"}",
		"id: 1",
		"",
		": keep-alive comment",
		"data: line one",
		"data: line two",
		"",
		"data: [DONE]",
		"",
	}, "\n")

	scanner := NewSSEScanner(strings.NewReader(stream))

	require.True(t, scanner.Next())
	ev := scanner.Event()
	assert.Equal(t, "message", ev.Event)
	assert.Equal(t, `{"text":"hello"}`, ev.Data)
	assert.Equal(t, "1", ev.ID)
	assert.False(t, ev.IsDone())

	require.True(t, scanner.Next())
	assert.Equal(t, "line one\nline two", scanner.Event().Data)

	require.True(t, scanner.Next())
	assert.True(t, scanner.Event().IsDone())

	assert.False(t, scanner.Next())
	assert.NoError(t, scanner.Err())
}

func TestSSEScannerEOFWithoutBlankLine(t *testing.T) {
	scanner := NewSSEScanner(strings.NewReader("data: tail"))
	require.True(t, scanner.Next())
	assert.Equal(t, "tail", scanner.Event().Data)
	assert.False(t, scanner.Next())
}
