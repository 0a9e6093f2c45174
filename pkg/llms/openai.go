package llms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/httpclient"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

const (
	openAIPluginID      = "openai"
	openAIPluginVersion = "1.0.0"
	openAIDefaultHost   = "https://api.openai.com/v1"

	maxInlineImageBytes = 20 * 1024 * 1024
)

// openAIOptions is the provider-config surface for the OpenAI plugin.
type openAIOptions struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Org     string `mapstructure:"organization"`
}

// OpenAIPlugin speaks the Chat Completions wire format.
type OpenAIPlugin struct {
	opts openAIOptions
}

func NewOpenAIPlugin() *OpenAIPlugin {
	return &OpenAIPlugin{}
}

func (p *OpenAIPlugin) ID() string      { return openAIPluginID }
func (p *OpenAIPlugin) Name() string    { return "OpenAI Chat Completions" }
func (p *OpenAIPlugin) Version() string { return openAIPluginVersion }

func (p *OpenAIPlugin) Initialize(cfg config.ProviderConfig) error {
	if err := config.DecodeProviderConfig(cfg, &p.opts); err != nil {
		return err
	}
	if p.opts.APIKey == "" {
		p.opts.APIKey = config.ProviderAPIKeyFromEnv(openAIPluginID)
	}
	if p.opts.BaseURL == "" {
		p.opts.BaseURL = openAIDefaultHost
	}
	return nil
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"` // string or []openAIContentPart
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openAIChoice       `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *providerErrorDetail `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIRespMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIRespMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIStreamResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *providerErrorDetail `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

func (p *OpenAIPlugin) TranslateRequest(req *protocol.ChatRequest, caps *ModelCapabilities, _ *ConversationContext) (*HTTPRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errs.New(errs.CodeValidation, "request must carry at least one message")
	}

	wire := openAIRequest{
		Model:    BareModelID(req.Model),
		Messages: p.translateMessages(req.Messages, caps),
		Stream:   req.Stream,
	}

	if req.Temperature != nil && (caps == nil || caps.Temperature) {
		wire.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if caps != nil && caps.MaxTokens > 0 && maxTokens > caps.MaxTokens {
			maxTokens = caps.MaxTokens
		}
		wire.MaxTokens = &maxTokens
	}

	if len(req.Tools) > 0 {
		wire.Tools = make([]openAITool, len(req.Tools))
		for i, tool := range req.Tools {
			wire.Tools[i] = openAITool{
				Type: "function",
				Function: openAIToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			}
		}
		wire.ToolChoice = "auto"
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "failed to marshal request", err)
	}

	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if p.opts.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.opts.APIKey
	}
	if p.opts.Org != "" {
		headers["OpenAI-Organization"] = p.opts.Org
	}
	if req.Stream {
		headers["Accept"] = "text/event-stream"
	}

	return &HTTPRequest{
		URL:     p.opts.BaseURL + "/chat/completions",
		Method:  http.MethodPost,
		Headers: headers,
		Body:    body,
	}, nil
}

func (p *OpenAIPlugin) translateMessages(messages []protocol.Message, caps *ModelCapabilities) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == protocol.RoleTool {
			out = append(out, openAIMessage{
				Role:       "tool",
				Content:    protocol.ExtractText(msg),
				ToolCallID: protocol.ToolCallIDFromMessage(msg),
			})
			continue
		}

		var parts []openAIContentPart
		for _, part := range msg.Content {
			switch part.Type {
			case protocol.ContentPartTypeText:
				parts = append(parts, openAIContentPart{Type: "text", Text: part.Text})
			case protocol.ContentPartTypeCode:
				parts = append(parts, openAIContentPart{Type: "text", Text: part.Text})
			case protocol.ContentPartTypeImage:
				if caps != nil && !caps.Images {
					continue
				}
				if url := imageDataURL(part); url != "" {
					parts = append(parts, openAIContentPart{
						Type:     "image_url",
						ImageURL: &openAIImageURL{URL: url},
					})
				}
			}
		}
		if parts == nil {
			parts = []openAIContentPart{}
		}

		wireMsg := openAIMessage{
			Role:    string(msg.Role),
			Content: parts,
		}

		if calls := protocol.ToolCallsFromMessage(msg); len(calls) > 0 {
			wireMsg.ToolCalls = make([]openAIToolCall, len(calls))
			for i, call := range calls {
				args, _ := json.Marshal(call.Parameters)
				wireMsg.ToolCalls[i] = openAIToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				}
			}
		}

		out = append(out, wireMsg)
	}

	return out
}

func imageDataURL(part protocol.ContentPart) string {
	if part.URL != "" {
		return part.URL
	}
	if len(part.Data) == 0 || len(part.Data) > maxInlineImageBytes {
		return ""
	}
	mime := part.MimeType
	if mime == "" {
		mime = "image/png"
	}
	if !strings.HasPrefix(mime, "image/") {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(part.Data))
}

func (p *OpenAIPlugin) ParseResponse(resp *http.Response) (*protocol.UnifiedResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.NormalizeError(resp.StatusCode, body, resp.Header)
	}

	var wire openAIResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "malformed provider response", err)
	}
	if wire.Error != nil {
		return nil, errs.New(errs.CodeProvider, wire.Error.Message).
			With("provider", openAIPluginID).
			With("error_type", wire.Error.Type)
	}
	if len(wire.Choices) == 0 {
		return nil, errs.New(errs.CodeValidation, "provider response carries no choices").
			With("provider", openAIPluginID)
	}

	choice := wire.Choices[0]
	message := protocol.Message{Role: protocol.RoleAssistant}
	if choice.Message.Content != "" {
		message.Content = append(message.Content, protocol.ContentPart{
			Type: protocol.ContentPartTypeText,
			Text: choice.Message.Content,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := parseOpenAIToolCall(tc)
		if err != nil {
			return nil, err
		}
		message.Content = append(message.Content, protocol.ContentPart{
			Type:    protocol.ContentPartTypeToolUse,
			ToolUse: call,
		})
	}

	unified := &protocol.UnifiedResponse{
		Message: message,
		Model:   wire.Model,
		Metadata: map[string]interface{}{
			"finish_reason": choice.FinishReason,
		},
	}
	if wire.Usage != nil {
		unified.Usage = &protocol.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}

	return unified, nil
}

func parseOpenAIToolCall(tc openAIToolCall) (*protocol.ToolCall, error) {
	var params map[string]interface{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &params); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, "failed to parse tool call arguments", err).
				With("tool", tc.Function.Name)
		}
	}
	return &protocol.ToolCall{
		ID:         tc.ID,
		Name:       tc.Function.Name,
		Parameters: params,
	}, nil
}

// ParseStream decodes an SSE body into stream deltas. Tool call fragments
// are accumulated across chunks and attached to the finished delta, so
// downstream consumers always see complete calls.
func (p *OpenAIPlugin) ParseStream(ctx context.Context, body io.Reader) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		scanner := httpclient.NewSSEScanner(body)
		streamID := ""
		finishedEmitted := false
		var pendingCalls []openAIToolCall

		for scanner.Next() {
			if ctx.Err() != nil {
				return
			}

			event := scanner.Event()
			if event.IsDone() {
				break
			}

			var chunk openAIStreamResponse
			if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
				slog.Debug("skipping malformed stream event", "provider", openAIPluginID, "error", err)
				continue
			}

			if chunk.Error != nil {
				emit(ctx, out, StreamEvent{Err: errs.New(errs.CodeProvider, chunk.Error.Message).
					With("provider", openAIPluginID).
					With("error_type", chunk.Error.Type)})
				return
			}

			if streamID == "" {
				streamID = chunk.ID
				if streamID == "" {
					streamID = uuid.NewString()
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			accumulateToolCallFragments(&pendingCalls, choice.Delta.ToolCalls)

			if choice.FinishReason != "" {
				delta, err := p.finishedDelta(streamID, choice, pendingCalls, chunk.Usage)
				if err != nil {
					emit(ctx, out, StreamEvent{Err: err})
					return
				}
				if !emit(ctx, out, StreamEvent{Delta: delta}) {
					return
				}
				finishedEmitted = true
				continue
			}

			if choice.Delta.Content == "" {
				continue
			}

			delta := &protocol.StreamDelta{
				ID: streamID,
				Delta: protocol.Message{
					Role: protocol.RoleAssistant,
					Content: []protocol.ContentPart{
						{Type: protocol.ContentPartTypeText, Text: choice.Delta.Content},
					},
				},
			}
			if !emit(ctx, out, StreamEvent{Delta: delta}) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, out, StreamEvent{Err: errs.Wrap(errs.CodeStreaming, "stream read failed", err).
				With("provider", openAIPluginID)})
			return
		}

		// Aborted streams may end without a finish_reason; synthesize the
		// terminal delta so consumers still observe exactly one.
		if !finishedEmitted && streamID != "" {
			emit(ctx, out, StreamEvent{Delta: &protocol.StreamDelta{
				ID:       streamID,
				Delta:    protocol.Message{Role: protocol.RoleAssistant},
				Finished: true,
				Metadata: map[string]interface{}{"finished": true},
			}})
		}
	}()

	return out
}

func (p *OpenAIPlugin) finishedDelta(streamID string, choice openAIStreamChoice, pending []openAIToolCall, usage *openAIUsage) (*protocol.StreamDelta, error) {
	message := protocol.Message{Role: protocol.RoleAssistant}
	if choice.Delta.Content != "" {
		message.Content = append(message.Content, protocol.ContentPart{
			Type: protocol.ContentPartTypeText,
			Text: choice.Delta.Content,
		})
	}
	for _, tc := range pending {
		call, err := parseOpenAIToolCall(tc)
		if err != nil {
			return nil, err
		}
		message.Content = append(message.Content, protocol.ContentPart{
			Type:    protocol.ContentPartTypeToolUse,
			ToolUse: call,
		})
	}

	delta := &protocol.StreamDelta{
		ID:       streamID,
		Delta:    message,
		Finished: true,
		Metadata: map[string]interface{}{"finish_reason": choice.FinishReason},
	}
	if usage != nil {
		delta.Usage = &protocol.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	return delta, nil
}

// accumulateToolCallFragments merges streamed tool call fragments: a
// fragment with an ID starts a new call, ID-less fragments extend the
// arguments of the last call.
func accumulateToolCallFragments(pending *[]openAIToolCall, fragments []openAIToolCall) {
	for _, fragment := range fragments {
		if fragment.ID != "" {
			*pending = append(*pending, fragment)
			continue
		}
		if n := len(*pending); n > 0 {
			(*pending)[n-1].Function.Arguments += fragment.Function.Arguments
		}
	}
}

func (p *OpenAIPlugin) IsTerminal(sample TerminationSample, convCtx *ConversationContext) bool {
	return p.DetectTermination(sample, convCtx).ShouldTerminate
}

func (p *OpenAIPlugin) DetectTermination(sample TerminationSample, convCtx *ConversationContext) protocol.TerminationSignal {
	return DefaultDetectTermination(sample, convCtx)
}

func (p *OpenAIPlugin) NormalizeError(status int, body []byte, headers http.Header) *errs.BridgeError {
	return DefaultNormalizeError(status, body, openAIPluginID, headers)
}

// EstimateTokenUsage implements the optional TokenEstimator capability.
func (p *OpenAIPlugin) EstimateTokenUsage(messages []protocol.Message, caps *ModelCapabilities) int {
	return EstimateTokenUsage(messages, caps, 0, 0)
}

// emit sends an event unless the consumer has gone away.
func emit(ctx context.Context, out chan<- StreamEvent, event StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// BareModelID strips the provider qualifier from a model identifier
// ("openai:gpt-4o" becomes "gpt-4o").
func BareModelID(model string) string {
	if _, bare, found := strings.Cut(model, ":"); found {
		return bare
	}
	return model
}
