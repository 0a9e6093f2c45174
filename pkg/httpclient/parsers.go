package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfter interprets a Retry-After header value, which is either a
// number of seconds or an HTTP-date.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// ParseRateLimitHeaders dispatches on the provider's header dialect. The
// dialects use disjoint header names, so probing is unambiguous; anything
// unrecognized falls back to the bare Retry-After reading.
func ParseRateLimitHeaders(headers http.Header) RateLimitInfo {
	if headers.Get("anthropic-ratelimit-requests-remaining") != "" ||
		headers.Get("anthropic-ratelimit-requests-reset") != "" ||
		headers.Get("anthropic-ratelimit-input-tokens-reset") != "" {
		return ParseAnthropicHeaders(headers)
	}
	if headers.Get("x-ratelimit-remaining-requests") != "" ||
		headers.Get("x-ratelimit-remaining-tokens") != "" ||
		headers.Get("x-ratelimit-reset-requests") != "" {
		return ParseOpenAIHeaders(headers)
	}
	return ParseGeminiHeaders(headers)
}

// ParseAnthropicHeaders extracts rate limit info from Anthropic API headers.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter: ParseRetryAfter(headers.Get("retry-after")),
	}

	// Reset time headers (RFC3339 format)
	resetHeaders := []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	}
	for _, header := range resetHeaders {
		if resetStr := headers.Get(header); resetStr != "" {
			if resetTime, err := time.Parse(time.RFC3339, resetStr); err == nil {
				info.ResetTime = resetTime.Unix()
				break
			}
		}
	}

	if remaining := headers.Get("anthropic-ratelimit-requests-remaining"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.RequestsRemaining)
	}
	if remaining := headers.Get("anthropic-ratelimit-input-tokens-remaining"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.InputTokensRemaining)
	}
	if remaining := headers.Get("anthropic-ratelimit-output-tokens-remaining"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.OutputTokensRemaining)
	}

	return info
}

// ParseOpenAIHeaders extracts rate limit info from OpenAI API headers.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter: ParseRetryAfter(headers.Get("Retry-After")),
	}

	resetHeaders := []string{
		"x-ratelimit-reset-tokens",
		"x-ratelimit-reset-requests",
	}
	for _, header := range resetHeaders {
		if resetStr := headers.Get(header); resetStr != "" {
			if resetTime, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
				info.ResetTime = resetTime
				break
			}
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.RequestsRemaining)
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.TokensRemaining)
	}

	return info
}

// ParseGeminiHeaders extracts rate limit info from Google Gemini API headers.
func ParseGeminiHeaders(headers http.Header) RateLimitInfo {
	return RateLimitInfo{
		RetryAfter: ParseRetryAfter(headers.Get("Retry-After")),
	}
}
