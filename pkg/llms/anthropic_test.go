package llms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

func newTestAnthropicPlugin(t *testing.T) *AnthropicPlugin {
	t.Helper()
	plugin := NewAnthropicPlugin()
	require.NoError(t, plugin.Initialize(config.ProviderConfig{"api_key": "test-key"}))
	return plugin
}

func TestAnthropicTranslateRequest(t *testing.T) {
	plugin := newTestAnthropicPlugin(t)

	req := &protocol.ChatRequest{
		Model: "anthropic:claude-3-5-haiku-20241022",
		Messages: []protocol.Message{
			protocol.NewTextMessage(protocol.RoleSystem, "be terse"),
			protocol.NewTextMessage(protocol.RoleUser, "hi"),
		},
	}

	httpReq, err := plugin.TranslateRequest(req, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://api.anthropic.com/v1/messages", httpReq.URL)
	assert.Equal(t, "test-key", httpReq.Headers["x-api-key"])
	assert.Equal(t, anthropicAPIVersion, httpReq.Headers["anthropic-version"])

	var wire anthropicRequest
	require.NoError(t, json.Unmarshal(httpReq.Body, &wire))
	assert.Equal(t, "claude-3-5-haiku-20241022", wire.Model)
	assert.Equal(t, "be terse", wire.System)
	// max_tokens is mandatory on this wire format.
	assert.Equal(t, anthropicDefaultMaxTokens, wire.MaxTokens)
	// System messages must not appear in the messages array.
	require.Len(t, wire.Messages, 1)
	assert.Equal(t, "user", wire.Messages[0].Role)
}

func TestAnthropicTranslateToolResult(t *testing.T) {
	plugin := newTestAnthropicPlugin(t)

	assistant := protocol.Message{
		Role: protocol.RoleAssistant,
		Content: []protocol.ContentPart{{
			Type:    protocol.ContentPartTypeToolUse,
			ToolUse: &protocol.ToolCall{ID: "toolu-1", Name: "echo", Parameters: map[string]interface{}{"data": "x"}},
		}},
	}
	result := protocol.NewToolResultMessage(protocol.ToolResult{CallID: "toolu-1", Success: true}, "done")

	req := &protocol.ChatRequest{
		Model: "claude-3-5-haiku-20241022",
		Messages: []protocol.Message{
			protocol.NewTextMessage(protocol.RoleUser, "run"),
			assistant,
			result,
		},
	}

	httpReq, err := plugin.TranslateRequest(req, nil, nil)
	require.NoError(t, err)

	var wire anthropicRequest
	require.NoError(t, json.Unmarshal(httpReq.Body, &wire))
	require.Len(t, wire.Messages, 3)

	assert.Equal(t, "assistant", wire.Messages[1].Role)
	assert.Equal(t, "tool_use", wire.Messages[1].Content[0].Type)
	assert.Equal(t, "toolu-1", wire.Messages[1].Content[0].ID)

	assert.Equal(t, "user", wire.Messages[2].Role)
	assert.Equal(t, "tool_result", wire.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu-1", wire.Messages[2].Content[0].ToolUseID)
}

func TestAnthropicParseResponse(t *testing.T) {
	plugin := newTestAnthropicPlugin(t)

	body := `{
		"id": "msg-1",
		"model": "claude-3-5-haiku",
		"content": [
			{"type": "text", "text": "thinking... "},
			{"type": "tool_use", "id": "toolu-1", "name": "echo", "input": {"data": "x"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	unified, err := plugin.ParseResponse(resp)
	require.NoError(t, err)

	assert.Equal(t, "tool_use", unified.Metadata["stop_reason"])
	assert.Equal(t, 19, unified.Usage.TotalTokens)

	calls := protocol.ToolCallsFromMessage(unified.Message)
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu-1", calls[0].ID)
	assert.Equal(t, "x", calls[0].Parameters["data"])
}

func TestAnthropicParseStream(t *testing.T) {
	plugin := newTestAnthropicPlugin(t)

	stream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg-1","usage":{"input_tokens":3}}}`,
		"",
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		"",
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		"",
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		"",
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")

	deltas, err := collectStream(t, plugin.ParseStream(context.Background(), strings.NewReader(stream)))
	require.NoError(t, err)
	require.Len(t, deltas, 3)

	assert.Equal(t, "msg-1", deltas[0].ID)
	assert.Equal(t, "Hel", protocol.ExtractText(deltas[0].Delta))
	assert.Equal(t, "lo", protocol.ExtractText(deltas[1].Delta))

	final := deltas[2]
	assert.True(t, final.Finished)
	assert.Equal(t, "end_turn", final.Metadata["stop_reason"])
	require.NotNil(t, final.Usage)
	assert.Equal(t, 3, final.Usage.PromptTokens)
	assert.Equal(t, 5, final.Usage.CompletionTokens)
}

func TestAnthropicParseStreamAssemblesToolUse(t *testing.T) {
	plugin := newTestAnthropicPlugin(t)

	stream := strings.Join([]string{
		`data: {"type":"message_start","message":{"id":"msg-2"}}`,
		"",
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu-9","name":"echo"}}`,
		"",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"data\":"}}`,
		"",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`,
		"",
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		"",
	}, "\n")

	deltas, err := collectStream(t, plugin.ParseStream(context.Background(), strings.NewReader(stream)))
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	require.True(t, deltas[0].Finished)

	calls := protocol.ToolCallsFromMessage(deltas[0].Delta)
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu-9", calls[0].ID)
	assert.Equal(t, "echo", calls[0].Name)
	assert.Equal(t, "x", calls[0].Parameters["data"])
}
