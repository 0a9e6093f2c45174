package llms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/httpclient"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

const (
	anthropicPluginID      = "anthropic"
	anthropicPluginVersion = "1.0.0"
	anthropicDefaultHost   = "https://api.anthropic.com"
	anthropicAPIVersion    = "2023-06-01"

	// Anthropic requires max_tokens on every request.
	anthropicDefaultMaxTokens = 4096
)

type anthropicOptions struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Version string `mapstructure:"version"`
}

// AnthropicPlugin speaks the Messages API wire format.
type AnthropicPlugin struct {
	opts anthropicOptions
}

func NewAnthropicPlugin() *AnthropicPlugin {
	return &AnthropicPlugin{}
}

func (p *AnthropicPlugin) ID() string      { return anthropicPluginID }
func (p *AnthropicPlugin) Name() string    { return "Anthropic Messages" }
func (p *AnthropicPlugin) Version() string { return anthropicPluginVersion }

func (p *AnthropicPlugin) Initialize(cfg config.ProviderConfig) error {
	if err := config.DecodeProviderConfig(cfg, &p.opts); err != nil {
		return err
	}
	if p.opts.APIKey == "" {
		p.opts.APIKey = config.ProviderAPIKeyFromEnv(anthropicPluginID)
	}
	if p.opts.BaseURL == "" {
		p.opts.BaseURL = anthropicDefaultHost
	}
	if p.opts.Version == "" {
		p.opts.Version = anthropicAPIVersion
	}
	return nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicContentPart `json:"content"`
}

type anthropicContentPart struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use (assistant side)
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result (user side)
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                 `json:"id"`
	Model      string                 `json:"model"`
	Content    []anthropicContentPart `json:"content"`
	StopReason string                 `json:"stop_reason"`
	Usage      *anthropicUsage        `json:"usage,omitempty"`
	Error      *providerErrorDetail   `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Streaming event envelopes (content_block_delta, message_delta, ...).
type anthropicStreamEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	Message      *anthropicResponse    `json:"message,omitempty"`
	ContentBlock *anthropicContentPart `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta `json:"delta,omitempty"`
	Usage        *anthropicUsage       `json:"usage,omitempty"`
	Error        *providerErrorDetail  `json:"error,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (p *AnthropicPlugin) TranslateRequest(req *protocol.ChatRequest, caps *ModelCapabilities, _ *ConversationContext) (*HTTPRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errs.New(errs.CodeValidation, "request must carry at least one message")
	}

	system, messages := p.translateMessages(req.Messages, caps)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	if caps != nil && caps.MaxTokens > 0 && maxTokens > caps.MaxTokens {
		maxTokens = caps.MaxTokens
	}

	wire := anthropicRequest{
		Model:     BareModelID(req.Model),
		Messages:  messages,
		System:    system,
		MaxTokens: maxTokens,
		Stream:    req.Stream,
	}

	if req.Temperature != nil && (caps == nil || caps.Temperature) {
		wire.Temperature = req.Temperature
	}

	if len(req.Tools) > 0 {
		wire.Tools = make([]anthropicTool, len(req.Tools))
		for i, tool := range req.Tools {
			wire.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			}
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "failed to marshal request", err)
	}

	headers := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": p.opts.Version,
	}
	if p.opts.APIKey != "" {
		headers["x-api-key"] = p.opts.APIKey
	}
	if req.Stream {
		headers["Accept"] = "text/event-stream"
	}

	return &HTTPRequest{
		URL:     p.opts.BaseURL + "/v1/messages",
		Method:  http.MethodPost,
		Headers: headers,
		Body:    body,
	}, nil
}

// translateMessages splits out system prompts (the Messages API takes them
// as a top-level field) and maps tool-role messages onto tool_result
// blocks inside user messages.
func (p *AnthropicPlugin) translateMessages(messages []protocol.Message, caps *ModelCapabilities) (string, []anthropicMessage) {
	system := ""
	out := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += protocol.ExtractText(msg)

		case protocol.RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContentPart{{
					Type:      "tool_result",
					ToolUseID: protocol.ToolCallIDFromMessage(msg),
					Content:   protocol.ExtractText(msg),
				}},
			})

		default:
			parts := p.translateParts(msg, caps)
			if len(parts) == 0 {
				continue
			}
			role := "user"
			if msg.Role == protocol.RoleAssistant {
				role = "assistant"
			}
			out = append(out, anthropicMessage{Role: role, Content: parts})
		}
	}

	return system, out
}

func (p *AnthropicPlugin) translateParts(msg protocol.Message, caps *ModelCapabilities) []anthropicContentPart {
	var parts []anthropicContentPart

	for _, part := range msg.Content {
		switch part.Type {
		case protocol.ContentPartTypeText, protocol.ContentPartTypeCode:
			parts = append(parts, anthropicContentPart{Type: "text", Text: part.Text})

		case protocol.ContentPartTypeImage:
			if caps != nil && !caps.Images {
				continue
			}
			if source := anthropicImageSourceOf(part); source != nil {
				parts = append(parts, anthropicContentPart{Type: "image", Source: source})
			}

		case protocol.ContentPartTypeDocument:
			if caps != nil && !caps.Documents {
				continue
			}
			if len(part.Data) > 0 {
				parts = append(parts, anthropicContentPart{
					Type: "document",
					Source: &anthropicImageSource{
						Type:      "base64",
						MediaType: part.MimeType,
						Data:      base64.StdEncoding.EncodeToString(part.Data),
					},
				})
			}

		case protocol.ContentPartTypeToolUse:
			if part.ToolUse != nil {
				parts = append(parts, anthropicContentPart{
					Type:  "tool_use",
					ID:    part.ToolUse.ID,
					Name:  part.ToolUse.Name,
					Input: part.ToolUse.Parameters,
				})
			}
		}
	}

	// Tool calls may also ride in metadata.
	for _, call := range protocol.ToolCallsFromMessage(msg) {
		if hasToolUsePart(parts, call.ID) {
			continue
		}
		parts = append(parts, anthropicContentPart{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Parameters,
		})
	}

	return parts
}

func hasToolUsePart(parts []anthropicContentPart, id string) bool {
	for _, part := range parts {
		if part.Type == "tool_use" && part.ID == id {
			return true
		}
	}
	return false
}

func anthropicImageSourceOf(part protocol.ContentPart) *anthropicImageSource {
	if part.URL != "" {
		return &anthropicImageSource{Type: "url", URL: part.URL}
	}
	if len(part.Data) == 0 || len(part.Data) > maxInlineImageBytes {
		return nil
	}
	mime := part.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return &anthropicImageSource{
		Type:      "base64",
		MediaType: mime,
		Data:      base64.StdEncoding.EncodeToString(part.Data),
	}
}

func (p *AnthropicPlugin) ParseResponse(resp *http.Response) (*protocol.UnifiedResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.NormalizeError(resp.StatusCode, body, resp.Header)
	}

	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "malformed provider response", err)
	}
	if wire.Error != nil {
		return nil, errs.New(errs.CodeProvider, wire.Error.Message).
			With("provider", anthropicPluginID).
			With("error_type", wire.Error.Type)
	}
	if len(wire.Content) == 0 && wire.StopReason == "" {
		return nil, errs.New(errs.CodeValidation, "provider response carries no content").
			With("provider", anthropicPluginID)
	}

	message := protocol.Message{Role: protocol.RoleAssistant}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			message.Content = append(message.Content, protocol.ContentPart{
				Type: protocol.ContentPartTypeText,
				Text: block.Text,
			})
		case "tool_use":
			message.Content = append(message.Content, protocol.ContentPart{
				Type: protocol.ContentPartTypeToolUse,
				ToolUse: &protocol.ToolCall{
					ID:         block.ID,
					Name:       block.Name,
					Parameters: block.Input,
				},
			})
		}
	}

	unified := &protocol.UnifiedResponse{
		Message: message,
		Model:   wire.Model,
		Metadata: map[string]interface{}{
			"stop_reason": wire.StopReason,
		},
	}
	if wire.Usage != nil {
		unified.Usage = &protocol.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}

	return unified, nil
}

// ParseStream decodes the Messages streaming protocol. tool_use blocks
// arrive as a content_block_start followed by input_json_delta fragments;
// they are assembled and attached to the finished delta.
func (p *AnthropicPlugin) ParseStream(ctx context.Context, body io.Reader) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		scanner := httpclient.NewSSEScanner(body)
		streamID := uuid.NewString()
		finishedEmitted := false
		var usage *protocol.Usage

		type pendingTool struct {
			id   string
			name string
			json string
		}
		pendingBlocks := make(map[int]*pendingTool)
		var blockOrder []int

		for scanner.Next() {
			if ctx.Err() != nil {
				return
			}

			event := scanner.Event()
			var chunk anthropicStreamEvent
			if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
				slog.Debug("skipping malformed stream event", "provider", anthropicPluginID, "error", err)
				continue
			}

			switch chunk.Type {
			case "error":
				if chunk.Error != nil {
					emit(ctx, out, StreamEvent{Err: errs.New(errs.CodeProvider, chunk.Error.Message).
						With("provider", anthropicPluginID).
						With("error_type", chunk.Error.Type)})
					return
				}

			case "message_start":
				if chunk.Message != nil && chunk.Message.ID != "" {
					streamID = chunk.Message.ID
				}
				if chunk.Message != nil && chunk.Message.Usage != nil {
					usage = &protocol.Usage{PromptTokens: chunk.Message.Usage.InputTokens}
				}

			case "content_block_start":
				if chunk.ContentBlock != nil && chunk.ContentBlock.Type == "tool_use" {
					pendingBlocks[chunk.Index] = &pendingTool{
						id:   chunk.ContentBlock.ID,
						name: chunk.ContentBlock.Name,
					}
					blockOrder = append(blockOrder, chunk.Index)
				}

			case "content_block_delta":
				if chunk.Delta == nil {
					continue
				}
				if chunk.Delta.Type == "input_json_delta" {
					if block, ok := pendingBlocks[chunk.Index]; ok {
						block.json += chunk.Delta.PartialJSON
					}
					continue
				}
				if chunk.Delta.Text == "" {
					continue
				}
				delta := &protocol.StreamDelta{
					ID: streamID,
					Delta: protocol.Message{
						Role: protocol.RoleAssistant,
						Content: []protocol.ContentPart{
							{Type: protocol.ContentPartTypeText, Text: chunk.Delta.Text},
						},
					},
				}
				if !emit(ctx, out, StreamEvent{Delta: delta}) {
					return
				}

			case "message_delta":
				if chunk.Usage != nil {
					if usage == nil {
						usage = &protocol.Usage{}
					}
					usage.CompletionTokens = chunk.Usage.OutputTokens
					usage.TotalTokens = usage.PromptTokens + chunk.Usage.OutputTokens
				}
				if chunk.Delta == nil || chunk.Delta.StopReason == "" {
					continue
				}

				message := protocol.Message{Role: protocol.RoleAssistant}
				for _, index := range blockOrder {
					block := pendingBlocks[index]
					var params map[string]interface{}
					if block.json != "" {
						if err := json.Unmarshal([]byte(block.json), &params); err != nil {
							emit(ctx, out, StreamEvent{Err: errs.Wrap(errs.CodeValidation,
								"failed to parse tool call arguments", err).With("tool", block.name)})
							return
						}
					}
					message.Content = append(message.Content, protocol.ContentPart{
						Type: protocol.ContentPartTypeToolUse,
						ToolUse: &protocol.ToolCall{
							ID:         block.id,
							Name:       block.name,
							Parameters: params,
						},
					})
				}

				delta := &protocol.StreamDelta{
					ID:       streamID,
					Delta:    message,
					Finished: true,
					Usage:    usage,
					Metadata: map[string]interface{}{"stop_reason": chunk.Delta.StopReason},
				}
				if !emit(ctx, out, StreamEvent{Delta: delta}) {
					return
				}
				finishedEmitted = true

			case "message_stop":
				// Terminal marker; the finished delta was already emitted
				// on message_delta.
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, out, StreamEvent{Err: errs.Wrap(errs.CodeStreaming, "stream read failed", err).
				With("provider", anthropicPluginID)})
			return
		}

		if !finishedEmitted {
			emit(ctx, out, StreamEvent{Delta: &protocol.StreamDelta{
				ID:       streamID,
				Delta:    protocol.Message{Role: protocol.RoleAssistant},
				Finished: true,
				Usage:    usage,
				Metadata: map[string]interface{}{"finished": true},
			}})
		}
	}()

	return out
}

func (p *AnthropicPlugin) IsTerminal(sample TerminationSample, convCtx *ConversationContext) bool {
	return p.DetectTermination(sample, convCtx).ShouldTerminate
}

func (p *AnthropicPlugin) DetectTermination(sample TerminationSample, convCtx *ConversationContext) protocol.TerminationSignal {
	return DefaultDetectTermination(sample, convCtx)
}

func (p *AnthropicPlugin) NormalizeError(status int, body []byte, headers http.Header) *errs.BridgeError {
	return DefaultNormalizeError(status, body, anthropicPluginID, headers)
}

// SupportsCaching implements the optional CacheMarker capability: the
// Messages API supports prompt caching via the beta header.
func (p *AnthropicPlugin) SupportsCaching() bool { return true }

func (p *AnthropicPlugin) CacheHeaders() map[string]string {
	return map[string]string{"anthropic-beta": "prompt-caching-2024-07-31"}
}
