package llms

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/httpclient"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// MapOpenAIFinishReason maps an OpenAI finish_reason onto the unified
// termination reason. Unknown values get low confidence; known values are
// authoritative.
func MapOpenAIFinishReason(reason string) (protocol.TerminationReason, protocol.Confidence) {
	switch reason {
	case "stop":
		return protocol.TerminationNaturalCompletion, protocol.ConfidenceHigh
	case "length":
		return protocol.TerminationTokenLimit, protocol.ConfidenceHigh
	case "content_filter":
		return protocol.TerminationContentFiltered, protocol.ConfidenceHigh
	case "function_call", "tool_calls":
		return protocol.TerminationNaturalCompletion, protocol.ConfidenceHigh
	default:
		return protocol.TerminationUnknown, protocol.ConfidenceLow
	}
}

// MapAnthropicStopReason maps an Anthropic stop_reason. Unknown values
// get medium confidence.
func MapAnthropicStopReason(reason string) (protocol.TerminationReason, protocol.Confidence) {
	switch reason {
	case "end_turn":
		return protocol.TerminationNaturalCompletion, protocol.ConfidenceHigh
	case "max_tokens":
		return protocol.TerminationTokenLimit, protocol.ConfidenceHigh
	case "stop_sequence":
		return protocol.TerminationStopSequence, protocol.ConfidenceHigh
	case "tool_use":
		return protocol.TerminationNaturalCompletion, protocol.ConfidenceHigh
	default:
		return protocol.TerminationUnknown, protocol.ConfidenceMedium
	}
}

// MapGeminiFinishReason maps a Gemini finishReason. Unknown values get
// medium confidence.
func MapGeminiFinishReason(reason string) (protocol.TerminationReason, protocol.Confidence) {
	switch reason {
	case "STOP":
		return protocol.TerminationNaturalCompletion, protocol.ConfidenceHigh
	case "MAX_TOKENS":
		return protocol.TerminationTokenLimit, protocol.ConfidenceHigh
	case "SAFETY":
		return protocol.TerminationContentFiltered, protocol.ConfidenceHigh
	default:
		return protocol.TerminationUnknown, protocol.ConfidenceMedium
	}
}

type reasonMapper func(string) (protocol.TerminationReason, protocol.Confidence)

// terminationFields lists the provider completion fields in inspection
// order together with their mapping tables.
var terminationFields = []struct {
	field  string
	mapper reasonMapper
}{
	{"finish_reason", MapOpenAIFinishReason},
	{"stop_reason", MapAnthropicStopReason},
	{"finishReason", MapGeminiFinishReason},
}

// DefaultDetectTermination is the shared fallback for plugins without a
// bespoke detector. It inspects the sample's metadata for known provider
// completion fields, then falls back to the finished flag.
func DefaultDetectTermination(sample TerminationSample, _ *ConversationContext) protocol.TerminationSignal {
	metadata, finished := sampleMetadata(sample)

	for _, tf := range terminationFields {
		value, ok := metadataString(metadata, tf.field)
		if !ok || value == "" {
			continue
		}
		reason, confidence := tf.mapper(value)
		return protocol.TerminationSignal{
			ShouldTerminate: true,
			Reason:          reason,
			Confidence:      confidence,
			ProviderSpecific: protocol.ProviderTermination{
				OriginalField: tf.field,
				OriginalValue: value,
			},
		}
	}

	if done, ok := metadataBool(metadata, "done"); ok && done {
		return finishedSignal("metadata.done", protocol.ConfidenceHigh)
	}
	if fin, ok := metadataBool(metadata, "finished"); ok && fin {
		return finishedSignal("metadata.finished", protocol.ConfidenceHigh)
	}

	if finished {
		return finishedSignal("finished", protocol.ConfidenceLow)
	}

	return protocol.TerminationSignal{
		ShouldTerminate: false,
		Reason:          protocol.TerminationUnknown,
		Confidence:      protocol.ConfidenceLow,
		ProviderSpecific: protocol.ProviderTermination{
			OriginalField: "finished",
			OriginalValue: "false",
		},
	}
}

func finishedSignal(field string, confidence protocol.Confidence) protocol.TerminationSignal {
	return protocol.TerminationSignal{
		ShouldTerminate: true,
		Reason:          protocol.TerminationNaturalCompletion,
		Confidence:      confidence,
		ProviderSpecific: protocol.ProviderTermination{
			OriginalField: field,
			OriginalValue: "true",
		},
	}
}

func sampleMetadata(sample TerminationSample) (map[string]interface{}, bool) {
	if sample.Delta != nil {
		return sample.Delta.Metadata, sample.Delta.Finished
	}
	if sample.Response != nil {
		return sample.Response.Metadata, true
	}
	return nil, false
}

func metadataString(metadata map[string]interface{}, key string) (string, bool) {
	if metadata == nil {
		return "", false
	}
	value, ok := metadata[key]
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

func metadataBool(metadata map[string]interface{}, key string) (bool, bool) {
	if metadata == nil {
		return false, false
	}
	value, ok := metadata[key]
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// providerErrorBody covers the error envelopes of all three wire formats:
// {"error": {"message": ...}}, {"error": "..."} and {"message": "..."}.
type providerErrorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

type providerErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ExtractErrorMessage walks body.error.message, body.error, body.message
// in that order and falls back to the raw body.
func ExtractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var envelope providerErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		return strings.TrimSpace(string(body))
	}

	if len(envelope.Error) > 0 {
		var detail providerErrorDetail
		if err := json.Unmarshal(envelope.Error, &detail); err == nil && detail.Message != "" {
			return detail.Message
		}
		var plain string
		if err := json.Unmarshal(envelope.Error, &plain); err == nil && plain != "" {
			return plain
		}
	}
	if envelope.Message != "" {
		return envelope.Message
	}

	return strings.TrimSpace(string(body))
}

// DefaultNormalizeError classifies a provider HTTP failure into the error
// taxonomy. Messages pass through sanitization on construction, so raw
// provider bodies are safe to embed.
func DefaultNormalizeError(status int, body []byte, providerID string, headers http.Header) *errs.BridgeError {
	message := ExtractErrorMessage(body)
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized:
		return errs.New(errs.CodeAuth, fmt.Sprintf("authentication failed: %s", message)).
			With("provider", providerID).
			With("status", status)

	case status == http.StatusForbidden:
		return errs.New(errs.CodeProvider, fmt.Sprintf("access forbidden: %s", message)).
			With("provider", providerID).
			With("status", status)

	case status == http.StatusTooManyRequests:
		bridgeErr := errs.New(errs.CodeRateLimit, fmt.Sprintf("rate limited: %s", message)).
			With("provider", providerID).
			With("status", status)
		if headers != nil {
			if retryAfter := httpclient.ParseRetryAfter(headers.Get("Retry-After")); retryAfter > 0 {
				bridgeErr = bridgeErr.WithRetryAfter(retryAfter)
			}
		}
		return bridgeErr

	case status == http.StatusInternalServerError ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout:
		return errs.New(errs.CodeProvider, fmt.Sprintf("provider server error (%d): %s", status, message)).
			With("provider", providerID).
			With("status", status)

	default:
		return errs.New(errs.CodeProvider, fmt.Sprintf("provider error (%d): %s", status, message)).
			With("provider", providerID).
			With("status", status)
	}
}
