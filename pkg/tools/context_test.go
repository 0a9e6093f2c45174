package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

func TestNewExecutionContextDefaults(t *testing.T) {
	messages := []protocol.Message{
		protocol.NewTextMessage(protocol.RoleUser, "hi"),
		protocol.NewTextMessage(protocol.RoleAssistant, "hello"),
	}

	execCtx := NewExecutionContext(messages, nil)

	assert.Equal(t, "agent-loop", execCtx.Environment)
	assert.Equal(t, []string{"read"}, execCtx.Permissions)
	assert.Empty(t, execCtx.UserID)

	contextID, ok := execCtx.Metadata["contextId"].(string)
	require.True(t, ok)
	assert.Equal(t, "session-"+contextID, execCtx.SessionID)
	assert.Equal(t, 2, execCtx.Metadata["messageCount"])
	assert.Equal(t, "agent-loop", execCtx.Metadata["executionSource"])

	// Timestamp comes from the most recent message.
	stamp, err := time.Parse(time.RFC3339Nano, execCtx.Metadata["timestamp"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, messages[1].Timestamp, stamp, time.Second)
}

func TestNewExecutionContextUnique(t *testing.T) {
	first := NewExecutionContext(nil, nil)
	second := NewExecutionContext(nil, nil)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestNewExecutionContextOptions(t *testing.T) {
	execCtx := NewExecutionContext(nil, &ContextOptions{
		UserID:      "user-7",
		Permissions: []string{"read", "write"},
		Metadata:    map[string]interface{}{"tenant": "acme"},
	})

	assert.Equal(t, "user-7", execCtx.UserID)
	assert.Equal(t, []string{"read", "write"}, execCtx.Permissions)
	assert.Equal(t, "acme", execCtx.Metadata["tenant"])
	// Base metadata survives the merge.
	assert.Contains(t, execCtx.Metadata, "contextId")
}

func TestConversationMetadataSummary(t *testing.T) {
	toolMsg := protocol.NewToolResultMessage(protocol.ToolResult{CallID: "c1", Success: true}, "done")
	messages := []protocol.Message{
		protocol.NewTextMessage(protocol.RoleUser, "run the tool"),
		protocol.NewTextMessage(protocol.RoleAssistant, "running"),
		toolMsg,
		protocol.NewTextMessage(protocol.RoleAssistant, "finished"),
	}

	execCtx := NewExecutionContext(messages, nil)
	summary, ok := execCtx.Metadata["conversationMetadata"].(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, 4, summary["totalMessages"])
	assert.Equal(t, []string{"user", "assistant", "tool"}, summary["roles"])
	assert.Equal(t, []string{"text"}, summary["contentTypes"])
	assert.True(t, summary["hasUserMessages"].(bool))
	assert.True(t, summary["hasAssistantMessages"].(bool))
	assert.True(t, summary["hasToolMessages"].(bool))

	flow, ok := summary["conversationFlow"].(map[string]interface{})
	require.True(t, ok)
	assert.True(t, flow["startsWithUser"].(bool))
	assert.True(t, flow["endsWithAssistant"].(bool))
}

func TestEchoToolRoundTrip(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, nil))

	router := NewRouter(reg)
	call := protocol.ToolCall{ID: "c1", Name: EchoToolName, Parameters: map[string]interface{}{"message": "ping"}}
	result := router.Execute(context.Background(), call, NewExecutionContext(nil, nil), time.Second)

	require.True(t, result.Success)
	require.NoError(t, ValidateEchoResult(result.Data))
	assert.Equal(t, "ping", result.Data["echoed"])
}

func TestEchoWithoutMessageSerializesParams(t *testing.T) {
	handler := EchoHandler()
	data, err := handler(context.Background(), map[string]interface{}{"n": float64(3)}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, data["echoed"].(string))
}

func TestValidateEchoResult(t *testing.T) {
	valid := map[string]interface{}{
		"echoed":      "x",
		"timestamp":   "2026-01-01T00:00:00Z",
		"testSuccess": true,
		"extra":       "permitted",
	}
	require.NoError(t, ValidateEchoResult(valid))

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing echoed", func(m map[string]interface{}) { delete(m, "echoed") }},
		{"mistyped echoed", func(m map[string]interface{}) { m["echoed"] = 42 }},
		{"missing timestamp", func(m map[string]interface{}) { delete(m, "timestamp") }},
		{"testSuccess false", func(m map[string]interface{}) { m["testSuccess"] = false }},
		{"testSuccess mistyped", func(m map[string]interface{}) { m["testSuccess"] = "true" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := map[string]interface{}{}
			for k, v := range valid {
				data[k] = v
			}
			tt.mutate(data)
			assert.Error(t, ValidateEchoResult(data))
		})
	}
}

func TestRegisterBuiltinsUnknownName(t *testing.T) {
	err := RegisterBuiltins(NewRegistry(), []string{"teleport"})
	require.Error(t, err)
}
