package streaming

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/llms"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

func textDelta(id, text string, finished bool) llms.StreamEvent {
	return llms.StreamEvent{Delta: &protocol.StreamDelta{
		ID: id,
		Delta: protocol.Message{
			Role:    protocol.RoleAssistant,
			Content: []protocol.ContentPart{{Type: protocol.ContentPartTypeText, Text: text}},
		},
		Finished: finished,
	}}
}

func toolCallDelta(id string, call protocol.ToolCall) llms.StreamEvent {
	return llms.StreamEvent{Delta: &protocol.StreamDelta{
		ID: id,
		Delta: protocol.Message{
			Role:    protocol.RoleAssistant,
			Content: []protocol.ContentPart{{Type: protocol.ContentPartTypeToolUse, ToolUse: &call}},
		},
	}}
}

func eventChannel(events ...llms.StreamEvent) <-chan llms.StreamEvent {
	ch := make(chan llms.StreamEvent, len(events))
	for _, event := range events {
		ch <- event
	}
	close(ch)
	return ch
}

func TestHandleStreamNaturalCompletion(t *testing.T) {
	machine := NewMachine()

	result := machine.HandleStream(context.Background(), eventChannel(
		textDelta("chunk-1", "Hello", false),
		textDelta("chunk-2", " world", true),
	))

	require.True(t, result.Success)
	assert.Equal(t, StateIdle, result.State)
	assert.Equal(t, StateIdle, machine.State())
	assert.Equal(t, "Hello world", result.Content)
	assert.Equal(t, 2, result.Metrics.ChunksProcessed)
	assert.Empty(t, result.DetectedToolCalls)
}

func TestHandleStreamPausesOnToolCall(t *testing.T) {
	machine := NewMachine()
	call := protocol.ToolCall{ID: "call-1", Name: "echo", Parameters: map[string]interface{}{"data": "x"}}

	result := machine.HandleStream(context.Background(), eventChannel(
		textDelta("c", "partial", false),
		toolCallDelta("c", call),
		// Events after the pause must not be consumed by this pass.
		textDelta("c", "ignored", true),
	))

	require.True(t, result.Success)
	assert.Equal(t, StatePaused, result.State)
	assert.Equal(t, StatePaused, machine.State())
	assert.Equal(t, "partial", result.Content)
	require.Len(t, result.DetectedToolCalls, 1)
	assert.Equal(t, "call-1", result.DetectedToolCalls[0].ID)
	assert.Equal(t, 1, result.Metrics.ToolCallsDetected)
}

func TestHandleStreamErrorResetsToIdle(t *testing.T) {
	machine := NewMachine()

	result := machine.HandleStream(context.Background(), eventChannel(
		textDelta("c", "some", false),
		llms.StreamEvent{Err: errors.New("connection reset")},
	))

	assert.False(t, result.Success)
	assert.Equal(t, StateIdle, machine.State())
	require.Error(t, result.Err)
}

func TestHandleStreamCancellation(t *testing.T) {
	machine := NewMachine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan llms.StreamEvent)
	result := machine.HandleStream(ctx, ch)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, StateIdle, machine.State())
}

func TestHandleStreamForwardsDeltas(t *testing.T) {
	machine := NewMachine()
	var seen []string
	machine.OnDelta = func(delta protocol.StreamDelta) {
		seen = append(seen, protocol.ExtractText(delta.Delta))
	}

	machine.HandleStream(context.Background(), eventChannel(
		textDelta("c", "a", false),
		textDelta("c", "b", true),
	))

	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestFullPauseResumeCycle(t *testing.T) {
	machine := NewMachine()
	call := protocol.ToolCall{ID: "call-1", Name: "echo"}

	result := machine.HandleStream(context.Background(), eventChannel(toolCallDelta("c", call)))
	require.Equal(t, StatePaused, result.State)

	require.NoError(t, machine.PauseForToolExecution(result.DetectedToolCalls))
	assert.Equal(t, StateToolExecution, machine.State())
	assert.Len(t, machine.PendingToolCalls(), 1)

	require.NoError(t, machine.ResumeAfterToolExecution([]protocol.ToolResult{{CallID: "call-1", Success: true}}))
	assert.Equal(t, StateResuming, machine.State())
	assert.Empty(t, machine.PendingToolCalls())

	require.NoError(t, machine.CompleteResume(true))
	assert.Equal(t, StateStreaming, machine.State())
}

func TestIllegalTransitionsFail(t *testing.T) {
	tests := []struct {
		name string
		run  func(m *Machine) error
	}{
		{"pause from idle", func(m *Machine) error {
			return m.PauseForToolExecution(nil)
		}},
		{"resume from idle", func(m *Machine) error {
			return m.ResumeAfterToolExecution(nil)
		}},
		{"complete resume from idle", func(m *Machine) error {
			return m.CompleteResume(true)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine := NewMachine()
			err := tt.run(machine)
			require.Error(t, err)
			assert.True(t, errs.IsCode(err, errs.CodeStreaming))
		})
	}
}

func TestIntegrationErrorCarriesTaxonomyCode(t *testing.T) {
	cause := errors.New("boom")
	err := NewResumeError(StateIdle, nil, cause)

	assert.Equal(t, errs.CodeStreaming, errs.CodeOf(err))
	assert.True(t, errs.IsCode(err, errs.CodeStreaming))
	assert.ErrorIs(t, err, cause)
}

func TestTransitionTableIsExhaustive(t *testing.T) {
	states := []State{StateIdle, StateStreaming, StatePaused, StateToolExecution, StateResuming}
	allowed := map[[2]State]bool{
		{StateIdle, StateStreaming}:         true,
		{StateStreaming, StatePaused}:       true,
		{StateStreaming, StateIdle}:         true,
		{StatePaused, StateToolExecution}:   true,
		{StateToolExecution, StateResuming}: true,
		{StateResuming, StateStreaming}:     true,
		{StateResuming, StateIdle}:          true,
	}

	for _, from := range states {
		for _, to := range states {
			machine := &Machine{state: from}
			err := machine.transition(to)
			if allowed[[2]State{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.Error(t, err, "%s -> %s", from, to)
			}
		}
	}
}

func TestRecoveryActions(t *testing.T) {
	calls := []protocol.ToolCall{{ID: "c1", Name: "echo"}}

	assert.Equal(t, RecoveryRetry, NewPauseError(StateStreaming, calls, nil).Recovery)
	assert.Equal(t, RecoveryContinue, NewToolExecutionError(StateToolExecution, calls, true, nil).Recovery)
	assert.Equal(t, RecoveryFallback, NewToolExecutionError(StateToolExecution, calls, false, nil).Recovery)
	assert.Equal(t, RecoveryFallback, NewResumeError(StateToolExecution, calls, nil).Recovery)
	assert.Equal(t, RecoveryAbort, NewStateSyncError(StateStreaming, nil).Recovery)
}
