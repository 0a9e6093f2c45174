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

func newTestGeminiPlugin(t *testing.T) *GeminiPlugin {
	t.Helper()
	plugin := NewGeminiPlugin()
	require.NoError(t, plugin.Initialize(config.ProviderConfig{"api_key": "g-key"}))
	return plugin
}

func TestGeminiTranslateRequest(t *testing.T) {
	plugin := newTestGeminiPlugin(t)

	req := &protocol.ChatRequest{
		Model: "gemini:gemini-2.0-flash",
		Messages: []protocol.Message{
			protocol.NewTextMessage(protocol.RoleSystem, "be brief"),
			protocol.NewTextMessage(protocol.RoleUser, "hi"),
			protocol.NewTextMessage(protocol.RoleAssistant, "hello"),
		},
		MaxTokens: 128,
	}

	httpReq, err := plugin.TranslateRequest(req, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, httpReq.URL, "/models/gemini-2.0-flash:generateContent")
	assert.Contains(t, httpReq.URL, "key=g-key")

	var wire geminiRequest
	require.NoError(t, json.Unmarshal(httpReq.Body, &wire))
	require.NotNil(t, wire.SystemInstruction)
	assert.Equal(t, "be brief", wire.SystemInstruction.Parts[0].Text)
	require.Len(t, wire.Contents, 2)
	assert.Equal(t, "user", wire.Contents[0].Role)
	assert.Equal(t, "model", wire.Contents[1].Role)
	require.NotNil(t, wire.GenerationConfig)
	assert.Equal(t, 128, wire.GenerationConfig.MaxOutputTokens)
}

func TestGeminiTranslateStreamURL(t *testing.T) {
	plugin := newTestGeminiPlugin(t)

	req := &protocol.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "hi")},
		Stream:   true,
	}

	httpReq, err := plugin.TranslateRequest(req, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, httpReq.URL, ":streamGenerateContent")
	assert.Contains(t, httpReq.URL, "alt=sse")
}

func TestGeminiParseResponse(t *testing.T) {
	plugin := newTestGeminiPlugin(t)

	body := `{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "ok"},
				{"functionCall": {"name": "echo", "args": {"data": "x"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6},
		"modelVersion": "gemini-2.0-flash"
	}`

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	unified, err := plugin.ParseResponse(resp)
	require.NoError(t, err)

	assert.Equal(t, "ok", protocol.ExtractText(unified.Message))
	assert.Equal(t, "STOP", unified.Metadata["finishReason"])
	assert.Equal(t, 6, unified.Usage.TotalTokens)

	calls := protocol.ToolCallsFromMessage(unified.Message)
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].Name)
	// Gemini assigns no call id; the plugin synthesizes one.
	assert.NotEmpty(t, calls[0].ID)
}

func TestGeminiParseStream(t *testing.T) {
	plugin := newTestGeminiPlugin(t)

	stream := strings.Join([]string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		"",
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":8}}`,
		"",
	}, "\n")

	deltas, err := collectStream(t, plugin.ParseStream(context.Background(), strings.NewReader(stream)))
	require.NoError(t, err)
	require.Len(t, deltas, 2)

	assert.Equal(t, "Hel", protocol.ExtractText(deltas[0].Delta))
	assert.False(t, deltas[0].Finished)
	assert.True(t, deltas[1].Finished)
	assert.Equal(t, "STOP", deltas[1].Metadata["finishReason"])
	assert.Equal(t, 8, deltas[1].Usage.TotalTokens)
	assert.Equal(t, deltas[0].ID, deltas[1].ID)
}

func TestGeminiToolResultPairing(t *testing.T) {
	plugin := newTestGeminiPlugin(t)

	result := protocol.NewToolResultMessage(protocol.ToolResult{CallID: "call-1", Success: true}, "done")
	result.Metadata["tool_name"] = "echo"

	req := &protocol.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []protocol.Message{
			protocol.NewTextMessage(protocol.RoleUser, "run"),
			result,
		},
	}

	httpReq, err := plugin.TranslateRequest(req, nil, nil)
	require.NoError(t, err)

	var wire geminiRequest
	require.NoError(t, json.Unmarshal(httpReq.Body, &wire))
	require.Len(t, wire.Contents, 2)
	require.NotNil(t, wire.Contents[1].Parts[0].FunctionResponse)
	assert.Equal(t, "echo", wire.Contents[1].Parts[0].FunctionResponse.Name)
}
