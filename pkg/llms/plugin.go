// Package llms contains the provider plugin layer: translation between the
// unified request/response model and provider wire formats, streaming
// parsers, termination detection, and provider/model registries.
package llms

import (
	"context"
	"io"
	"net/http"

	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// HTTPRequest is the provider-bound wire request produced by a plugin's
// TranslateRequest. The transport owns execution and cancellation.
type HTTPRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// StreamEvent is one element of a streaming parse. Exactly one of Delta
// and Err is set; an Err event terminates the stream.
type StreamEvent struct {
	Delta *protocol.StreamDelta
	Err   error
}

// TerminationSample is the input to termination detection: either a
// streaming delta or a full response, never both.
type TerminationSample struct {
	Delta    *protocol.StreamDelta
	Response *protocol.UnifiedResponse
}

// ConversationContext carries multi-turn state into plugin decisions.
// StreamingState is the streaming machine's current state name.
type ConversationContext struct {
	History              []protocol.Message
	Iteration            int
	TotalIterations      int
	StartTime            int64
	LastIterationTime    int64
	StreamingState       string
	ToolExecutionHistory []protocol.ToolCall
}

// ModelCapabilities gates request translation: capability-disallowed
// options must be omitted from the wire request.
type ModelCapabilities struct {
	Streaming             bool     `yaml:"streaming" json:"streaming" mapstructure:"streaming"`
	ToolCalls             bool     `yaml:"tool_calls" json:"toolCalls" mapstructure:"tool_calls"`
	Images                bool     `yaml:"images" json:"images" mapstructure:"images"`
	Documents             bool     `yaml:"documents" json:"documents" mapstructure:"documents"`
	Temperature           bool     `yaml:"temperature" json:"temperature" mapstructure:"temperature"`
	MaxTokens             int      `yaml:"max_tokens" json:"maxTokens" mapstructure:"max_tokens"`
	ContextLength         int      `yaml:"context_length,omitempty" json:"contextLength,omitempty" mapstructure:"context_length"`
	SupportedContentTypes []string `yaml:"supported_content_types,omitempty" json:"supportedContentTypes,omitempty" mapstructure:"supported_content_types"`
}

// ModelInfo is one model registry entry. Metadata carries the
// "providerPlugin" binding ("<id>-<version>") used for routing.
type ModelInfo struct {
	ID           string            `yaml:"id" json:"id" mapstructure:"id"`
	Name         string            `yaml:"name" json:"name" mapstructure:"name"`
	ProviderID   string            `yaml:"provider_id" json:"providerId" mapstructure:"provider_id"`
	Capabilities ModelCapabilities `yaml:"capabilities" json:"capabilities" mapstructure:"capabilities"`
	Metadata     map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty" mapstructure:"metadata"`
}

// PluginBinding returns the routing key stored under metadata.providerPlugin.
func (m *ModelInfo) PluginBinding() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata["providerPlugin"]
}

// ProviderPlugin adapts one provider wire format to the unified model.
// All operations are pure with respect to plugin state except Initialize,
// which must complete before any translation.
type ProviderPlugin interface {
	ID() string
	Name() string
	Version() string

	// Initialize is one-shot; the client guarantees exactly one call per
	// (plugin id, provider-config key).
	Initialize(cfg config.ProviderConfig) error

	// TranslateRequest maps a unified request onto the provider wire
	// format. Capability-gated options are dropped when caps disallows
	// them.
	TranslateRequest(req *protocol.ChatRequest, caps *ModelCapabilities, convCtx *ConversationContext) (*HTTPRequest, error)

	// ParseResponse consumes a full non-streaming body and validates it
	// against the provider schema.
	ParseResponse(resp *http.Response) (*protocol.UnifiedResponse, error)

	// ParseStream lazily decodes a streaming body into deltas. The
	// channel closes at end of stream; cancellation of ctx stops the
	// producer.
	ParseStream(ctx context.Context, body io.Reader) <-chan StreamEvent

	// IsTerminal must agree with DetectTermination(...).ShouldTerminate.
	IsTerminal(sample TerminationSample, convCtx *ConversationContext) bool

	// DetectTermination maps provider completion fields onto the unified
	// signal. Never returns an error; malformed input yields a low
	// confidence unknown signal.
	DetectTermination(sample TerminationSample, convCtx *ConversationContext) protocol.TerminationSignal

	// NormalizeError classifies a provider failure into the error
	// taxonomy with secrets stripped. Must not panic.
	NormalizeError(status int, body []byte, headers http.Header) *errs.BridgeError
}

// TokenEstimator is an optional plugin capability.
type TokenEstimator interface {
	EstimateTokenUsage(messages []protocol.Message, caps *ModelCapabilities) int
}

// CacheMarker is an optional plugin capability for providers with prompt
// caching (Anthropic-style cache_control).
type CacheMarker interface {
	SupportsCaching() bool
	CacheHeaders() map[string]string
}

// Transport executes provider wire requests. Fetch performs a full
// exchange; Stream returns the response with its body left open for
// incremental SSE consumption.
type Transport interface {
	Fetch(ctx context.Context, req *HTTPRequest) (*http.Response, error)
	Stream(ctx context.Context, req *HTTPRequest) (*http.Response, error)
}
