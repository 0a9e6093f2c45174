// Package agent implements the multi-turn loop: iteration accounting,
// conversation termination analysis, and the chat/stream turn protocols
// that interleave provider calls with tool execution.
package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/langadventurellc/burnside-sub006/pkg/llms"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// State is the per-request conversation state owned by one loop run. It
// is not shared across callers; every Chat/Stream call builds its own.
type State struct {
	Messages           []protocol.Message
	ToolCalls          []protocol.ToolCall
	Results            []protocol.ToolResult
	ShouldContinue     bool
	LastResponse       *protocol.UnifiedResponse
	Iteration          int
	TotalIterations    int
	StartTime          time.Time
	LastIterationTime  time.Time
	StreamingState     string
	PendingToolCalls   []protocol.ToolCall
	CompletedToolCalls []protocol.ToolCall

	TerminationReason        protocol.TerminationReason
	TerminationSignalHistory []protocol.TerminationSignal
	CurrentTerminationSignal *protocol.TerminationSignal
}

// NewState seeds the loop state from the request messages.
func NewState(messages []protocol.Message, totalIterations int) *State {
	now := time.Now()
	return &State{
		Messages:          append([]protocol.Message(nil), messages...),
		ShouldContinue:    true,
		Iteration:         1,
		TotalIterations:   totalIterations,
		StartTime:         now,
		LastIterationTime: now,
		StreamingState:    "idle",
	}
}

// ConversationContext projects the state into the form plugins consume.
// Tool execution history is completed plus still-pending calls.
func (s *State) ConversationContext() *llms.ConversationContext {
	history := make([]protocol.ToolCall, 0, len(s.CompletedToolCalls)+len(s.PendingToolCalls))
	history = append(history, s.CompletedToolCalls...)
	history = append(history, s.PendingToolCalls...)

	return &llms.ConversationContext{
		History:              s.Messages,
		Iteration:            s.Iteration,
		TotalIterations:      s.TotalIterations,
		StartTime:            s.StartTime.UnixMilli(),
		LastIterationTime:    s.LastIterationTime.UnixMilli(),
		StreamingState:       s.StreamingState,
		ToolExecutionHistory: history,
	}
}

// RecordSignal appends a termination signal to the history and marks it
// current.
func (s *State) RecordSignal(signal protocol.TerminationSignal) {
	s.TerminationSignalHistory = append(s.TerminationSignalHistory, signal)
	s.CurrentTerminationSignal = &signal
}

// AppendAssistant adds the assistant message and tracks its tool calls as
// pending.
func (s *State) AppendAssistant(msg protocol.Message) []protocol.ToolCall {
	s.Messages = append(s.Messages, msg)
	calls := protocol.ToolCallsFromMessage(msg)
	if len(calls) > 0 {
		s.ToolCalls = append(s.ToolCalls, calls...)
		s.PendingToolCalls = append(s.PendingToolCalls, calls...)
	}
	return calls
}

// CompleteToolCalls appends tool-result messages in call order and moves
// the processed calls from pending to completed.
func (s *State) CompleteToolCalls(calls []protocol.ToolCall, results []protocol.ToolResult) {
	byCallID := make(map[string]protocol.ToolResult, len(results))
	for _, result := range results {
		byCallID[result.CallID] = result
	}

	for _, call := range calls {
		result, ok := byCallID[call.ID]
		if !ok {
			continue
		}
		s.Results = append(s.Results, result)
		s.Messages = append(s.Messages, toolResultMessage(call, result))
		s.CompletedToolCalls = append(s.CompletedToolCalls, call)
	}

	remaining := s.PendingToolCalls[:0]
	for _, pending := range s.PendingToolCalls {
		if _, done := byCallID[pending.ID]; !done {
			remaining = append(remaining, pending)
		}
	}
	s.PendingToolCalls = remaining
}

// toolResultMessage renders one tool result as a tool-role message. The
// tool name travels in metadata so providers that pair results by name
// (Gemini) can find it.
func toolResultMessage(call protocol.ToolCall, result protocol.ToolResult) protocol.Message {
	content := result.Error
	if result.Success {
		content = encodeResultData(result.Data)
	}
	msg := protocol.NewToolResultMessage(result, content)
	msg.Metadata["tool_name"] = call.Name
	return msg
}

func encodeResultData(data map[string]interface{}) string {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(encoded)
}
