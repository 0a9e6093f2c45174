package agent

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/llms"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// stubPlugin is a scripted provider plugin for loop and analyzer tests.
type stubPlugin struct {
	responses     []*protocol.UnifiedResponse
	streams       [][]llms.StreamEvent
	callCount     int
	requests      []*protocol.ChatRequest
	panicOnDetect bool
}

func (p *stubPlugin) ID() string      { return "stub" }
func (p *stubPlugin) Name() string    { return "Stub Provider" }
func (p *stubPlugin) Version() string { return "1.0.0" }

func (p *stubPlugin) Initialize(config.ProviderConfig) error { return nil }

func (p *stubPlugin) TranslateRequest(req *protocol.ChatRequest, _ *llms.ModelCapabilities, _ *llms.ConversationContext) (*llms.HTTPRequest, error) {
	clone := *req
	clone.Messages = append([]protocol.Message(nil), req.Messages...)
	p.requests = append(p.requests, &clone)
	return &llms.HTTPRequest{URL: "http://stub.local/v1/chat", Method: http.MethodPost}, nil
}

func (p *stubPlugin) ParseResponse(*http.Response) (*protocol.UnifiedResponse, error) {
	if p.callCount >= len(p.responses) {
		return nil, errs.New(errs.CodeProvider, "no scripted response left")
	}
	resp := p.responses[p.callCount]
	p.callCount++
	return resp, nil
}

func (p *stubPlugin) ParseStream(ctx context.Context, _ io.Reader) <-chan llms.StreamEvent {
	var events []llms.StreamEvent
	if p.callCount < len(p.streams) {
		events = p.streams[p.callCount]
		p.callCount++
	}
	out := make(chan llms.StreamEvent, len(events))
	for _, event := range events {
		out <- event
	}
	close(out)
	return out
}

func (p *stubPlugin) IsTerminal(sample llms.TerminationSample, convCtx *llms.ConversationContext) bool {
	return p.DetectTermination(sample, convCtx).ShouldTerminate
}

func (p *stubPlugin) DetectTermination(sample llms.TerminationSample, convCtx *llms.ConversationContext) protocol.TerminationSignal {
	if p.panicOnDetect {
		panic("scripted panic")
	}
	return llms.DefaultDetectTermination(sample, convCtx)
}

func (p *stubPlugin) NormalizeError(status int, body []byte, headers http.Header) *errs.BridgeError {
	return llms.DefaultNormalizeError(status, body, "stub", headers)
}

func assistantWithReason(text, finishReason string) *protocol.UnifiedResponse {
	return &protocol.UnifiedResponse{
		Message:  protocol.NewTextMessage(protocol.RoleAssistant, text),
		Model:    "stub-model",
		Metadata: map[string]interface{}{"finish_reason": finishReason},
	}
}

func assistantWithToolCall(text string, call protocol.ToolCall) *protocol.UnifiedResponse {
	msg := protocol.NewTextMessage(protocol.RoleAssistant, text)
	msg.Content = append(msg.Content, protocol.ContentPart{
		Type:    protocol.ContentPartTypeToolUse,
		ToolUse: &call,
	})
	return &protocol.UnifiedResponse{
		Message:  msg,
		Model:    "stub-model",
		Metadata: map[string]interface{}{"finish_reason": "tool_calls"},
	}
}

func TestAnalyzeEmptyMessages(t *testing.T) {
	signal := AnalyzeConversationTermination(nil, nil, &stubPlugin{})

	assert.False(t, signal.ShouldTerminate)
	assert.Equal(t, protocol.TerminationUnknown, signal.Reason)
	assert.Equal(t, protocol.ConfidenceLow, signal.Confidence)
	assert.Equal(t, "message_count", signal.ProviderSpecific.OriginalField)
	assert.Equal(t, "0", signal.ProviderSpecific.OriginalValue)
	assert.Equal(t, "No messages to analyze for termination", signal.Message)
}

func TestAnalyzeNoAssistantMessages(t *testing.T) {
	messages := []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "hi")}
	signal := AnalyzeConversationTermination(messages, nil, &stubPlugin{})

	assert.False(t, signal.ShouldTerminate)
	assert.Equal(t, "assistant_message_count", signal.ProviderSpecific.OriginalField)
}

func TestAnalyzeUsesLastResponseMetadata(t *testing.T) {
	state := NewState(nil, 10)
	state.LastResponse = assistantWithReason("done", "stop")
	messages := []protocol.Message{
		protocol.NewTextMessage(protocol.RoleUser, "hi"),
		state.LastResponse.Message,
	}

	signal := AnalyzeConversationTermination(messages, state, &stubPlugin{})
	require.True(t, signal.ShouldTerminate)
	assert.Equal(t, protocol.TerminationNaturalCompletion, signal.Reason)
	assert.Equal(t, "finish_reason", signal.ProviderSpecific.OriginalField)
	assert.Equal(t, "stop", signal.ProviderSpecific.OriginalValue)
}

func TestAnalyzeFallsBackToMessageMetadata(t *testing.T) {
	assistant := protocol.NewTextMessage(protocol.RoleAssistant, "capped")
	assistant.Metadata = map[string]interface{}{"stop_reason": "max_tokens"}
	messages := []protocol.Message{assistant}

	signal := AnalyzeConversationTermination(messages, nil, &stubPlugin{})
	require.True(t, signal.ShouldTerminate)
	assert.Equal(t, protocol.TerminationTokenLimit, signal.Reason)
}

func TestAnalyzeWithoutPlugin(t *testing.T) {
	messages := []protocol.Message{protocol.NewTextMessage(protocol.RoleAssistant, "hi")}
	signal := AnalyzeConversationTermination(messages, nil, nil)

	assert.False(t, signal.ShouldTerminate)
	assert.Equal(t, "fallback", signal.ProviderSpecific.OriginalField)
}

func TestAnalyzeSurvivesPanickingPlugin(t *testing.T) {
	messages := []protocol.Message{protocol.NewTextMessage(protocol.RoleAssistant, "hi")}
	signal := AnalyzeConversationTermination(messages, nil, &stubPlugin{panicOnDetect: true})

	assert.False(t, signal.ShouldTerminate)
	assert.Equal(t, protocol.ConfidenceLow, signal.Confidence)
}

func TestCoarseReasonMapping(t *testing.T) {
	tests := []struct {
		enhanced protocol.TerminationReason
		coarse   protocol.TerminationReason
	}{
		{protocol.TerminationTokenLimit, protocol.TerminationNaturalCompletion},
		{protocol.TerminationContentFiltered, protocol.TerminationNaturalCompletion},
		{protocol.TerminationStopSequence, protocol.TerminationNaturalCompletion},
		{protocol.TerminationNaturalCompletion, protocol.TerminationNaturalCompletion},
		{protocol.TerminationCancelled, protocol.TerminationCancelled},
	}
	for _, tt := range tests {
		signal := protocol.TerminationSignal{Reason: tt.enhanced}
		assert.Equal(t, tt.coarse, signal.CoarseReason(), string(tt.enhanced))
	}
}
