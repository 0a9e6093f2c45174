package llms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
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
	geminiPluginID      = "gemini"
	geminiPluginVersion = "1.0.0"
	geminiDefaultHost   = "https://generativelanguage.googleapis.com/v1beta"
)

type geminiOptions struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// GeminiPlugin speaks the generateContent wire format.
type GeminiPlugin struct {
	opts geminiOptions
}

func NewGeminiPlugin() *GeminiPlugin {
	return &GeminiPlugin{}
}

func (p *GeminiPlugin) ID() string      { return geminiPluginID }
func (p *GeminiPlugin) Name() string    { return "Google Gemini" }
func (p *GeminiPlugin) Version() string { return geminiPluginVersion }

func (p *GeminiPlugin) Initialize(cfg config.ProviderConfig) error {
	if err := config.DecodeProviderConfig(cfg, &p.opts); err != nil {
		return err
	}
	if p.opts.APIKey == "" {
		p.opts.APIKey = config.ProviderAPIKeyFromEnv(geminiPluginID)
	}
	if p.opts.BaseURL == "" {
		p.opts.BaseURL = geminiDefaultHost
	}
	return nil
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecls `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiToolDecls struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsage         `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	Error         *providerErrorDetail `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (p *GeminiPlugin) TranslateRequest(req *protocol.ChatRequest, caps *ModelCapabilities, _ *ConversationContext) (*HTTPRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errs.New(errs.CodeValidation, "request must carry at least one message")
	}

	system, contents := p.translateMessages(req.Messages, caps)

	wire := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
	}

	genConfig := &geminiGenConfig{}
	if req.Temperature != nil && (caps == nil || caps.Temperature) {
		genConfig.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		genConfig.MaxOutputTokens = req.MaxTokens
		if caps != nil && caps.MaxTokens > 0 && genConfig.MaxOutputTokens > caps.MaxTokens {
			genConfig.MaxOutputTokens = caps.MaxTokens
		}
	}
	if genConfig.Temperature != nil || genConfig.MaxOutputTokens > 0 {
		wire.GenerationConfig = genConfig
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, len(req.Tools))
		for i, tool := range req.Tools {
			decls[i] = geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			}
		}
		wire.Tools = []geminiToolDecls{{FunctionDeclarations: decls}}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "failed to marshal request", err)
	}

	method := "generateContent"
	query := ""
	if req.Stream {
		method = "streamGenerateContent"
		query = "&alt=sse"
	}
	url := fmt.Sprintf("%s/models/%s:%s?key=%s%s",
		p.opts.BaseURL, BareModelID(req.Model), method, p.opts.APIKey, query)

	return &HTTPRequest{
		URL:    url,
		Method: http.MethodPost,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: body,
	}, nil
}

func (p *GeminiPlugin) translateMessages(messages []protocol.Message, caps *ModelCapabilities) (*geminiContent, []geminiContent) {
	var system *geminiContent
	out := make([]geminiContent, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if system == nil {
				system = &geminiContent{}
			}
			system.Parts = append(system.Parts, geminiPart{Text: protocol.ExtractText(msg)})

		case protocol.RoleTool:
			name := toolNameFromMetadata(msg)
			out = append(out, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name: name,
						Response: map[string]interface{}{
							"content": protocol.ExtractText(msg),
						},
					},
				}},
			})

		default:
			parts := p.translateParts(msg, caps)
			if len(parts) == 0 {
				continue
			}
			role := "user"
			if msg.Role == protocol.RoleAssistant {
				role = "model"
			}
			out = append(out, geminiContent{Role: role, Parts: parts})
		}
	}

	return system, out
}

// toolNameFromMetadata recovers the function name a tool result answers.
// Gemini pairs results by name rather than call id.
func toolNameFromMetadata(msg protocol.Message) string {
	if msg.Metadata != nil {
		if name, ok := msg.Metadata["tool_name"].(string); ok && name != "" {
			return name
		}
	}
	return protocol.ToolCallIDFromMessage(msg)
}

func (p *GeminiPlugin) translateParts(msg protocol.Message, caps *ModelCapabilities) []geminiPart {
	var parts []geminiPart

	for _, part := range msg.Content {
		switch part.Type {
		case protocol.ContentPartTypeText, protocol.ContentPartTypeCode:
			parts = append(parts, geminiPart{Text: part.Text})

		case protocol.ContentPartTypeImage, protocol.ContentPartTypeDocument:
			if caps != nil && part.Type == protocol.ContentPartTypeImage && !caps.Images {
				continue
			}
			if caps != nil && part.Type == protocol.ContentPartTypeDocument && !caps.Documents {
				continue
			}
			if len(part.Data) == 0 || len(part.Data) > maxInlineImageBytes {
				continue
			}
			mime := part.MimeType
			if mime == "" {
				mime = "image/png"
			}
			parts = append(parts, geminiPart{
				InlineData: &geminiInlineData{
					MimeType: mime,
					Data:     base64.StdEncoding.EncodeToString(part.Data),
				},
			})

		case protocol.ContentPartTypeToolUse:
			if part.ToolUse != nil {
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{
						Name: part.ToolUse.Name,
						Args: part.ToolUse.Parameters,
					},
				})
			}
		}
	}

	for _, call := range protocol.ToolCallsFromMessage(msg) {
		if hasFunctionCallPart(parts, call.Name) {
			continue
		}
		parts = append(parts, geminiPart{
			FunctionCall: &geminiFunctionCall{Name: call.Name, Args: call.Parameters},
		})
	}

	return parts
}

func hasFunctionCallPart(parts []geminiPart, name string) bool {
	for _, part := range parts {
		if part.FunctionCall != nil && part.FunctionCall.Name == name {
			return true
		}
	}
	return false
}

func (p *GeminiPlugin) ParseResponse(resp *http.Response) (*protocol.UnifiedResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.NormalizeError(resp.StatusCode, body, resp.Header)
	}

	var wire geminiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "malformed provider response", err)
	}
	if wire.Error != nil {
		return nil, errs.New(errs.CodeProvider, wire.Error.Message).
			With("provider", geminiPluginID)
	}
	if len(wire.Candidates) == 0 {
		return nil, errs.New(errs.CodeValidation, "provider response carries no candidates").
			With("provider", geminiPluginID)
	}

	candidate := wire.Candidates[0]
	message := p.candidateToMessage(candidate)

	unified := &protocol.UnifiedResponse{
		Message: message,
		Model:   wire.ModelVersion,
		Metadata: map[string]interface{}{
			"finishReason": candidate.FinishReason,
		},
	}
	if wire.UsageMetadata != nil {
		unified.Usage = &protocol.Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}

	return unified, nil
}

func (p *GeminiPlugin) candidateToMessage(candidate geminiCandidate) protocol.Message {
	message := protocol.Message{Role: protocol.RoleAssistant}
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			message.Content = append(message.Content, protocol.ContentPart{
				Type: protocol.ContentPartTypeText,
				Text: part.Text,
			})
		}
		if part.FunctionCall != nil {
			message.Content = append(message.Content, protocol.ContentPart{
				Type: protocol.ContentPartTypeToolUse,
				ToolUse: &protocol.ToolCall{
					// Gemini does not assign call ids; synthesize one so
					// result pairing stays uniform.
					ID:         "call-" + uuid.NewString(),
					Name:       part.FunctionCall.Name,
					Parameters: part.FunctionCall.Args,
				},
			})
		}
	}
	return message
}

// ParseStream decodes streamGenerateContent SSE chunks. Each chunk is a
// full geminiResponse fragment; the last one carries finishReason.
func (p *GeminiPlugin) ParseStream(ctx context.Context, body io.Reader) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		scanner := httpclient.NewSSEScanner(body)
		streamID := uuid.NewString()
		finishedEmitted := false

		for scanner.Next() {
			if ctx.Err() != nil {
				return
			}

			var chunk geminiResponse
			if err := json.Unmarshal([]byte(scanner.Event().Data), &chunk); err != nil {
				slog.Debug("skipping malformed stream event", "provider", geminiPluginID, "error", err)
				continue
			}

			if chunk.Error != nil {
				emit(ctx, out, StreamEvent{Err: errs.New(errs.CodeProvider, chunk.Error.Message).
					With("provider", geminiPluginID)})
				return
			}
			if len(chunk.Candidates) == 0 {
				continue
			}

			candidate := chunk.Candidates[0]
			message := p.candidateToMessage(candidate)

			delta := &protocol.StreamDelta{
				ID:    streamID,
				Delta: message,
			}
			if candidate.FinishReason != "" {
				delta.Finished = true
				delta.Metadata = map[string]interface{}{"finishReason": candidate.FinishReason}
				if chunk.UsageMetadata != nil {
					delta.Usage = &protocol.Usage{
						PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
						CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
					}
				}
				finishedEmitted = true
			} else if len(message.Content) == 0 {
				continue
			}

			if !emit(ctx, out, StreamEvent{Delta: delta}) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, out, StreamEvent{Err: errs.Wrap(errs.CodeStreaming, "stream read failed", err).
				With("provider", geminiPluginID)})
			return
		}

		if !finishedEmitted {
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

func (p *GeminiPlugin) IsTerminal(sample TerminationSample, convCtx *ConversationContext) bool {
	return p.DetectTermination(sample, convCtx).ShouldTerminate
}

func (p *GeminiPlugin) DetectTermination(sample TerminationSample, convCtx *ConversationContext) protocol.TerminationSignal {
	return DefaultDetectTermination(sample, convCtx)
}

func (p *GeminiPlugin) NormalizeError(status int, body []byte, headers http.Header) *errs.BridgeError {
	return DefaultNormalizeError(status, body, geminiPluginID, headers)
}
