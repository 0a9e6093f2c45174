package streaming

import (
	"fmt"
	"time"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// RecoveryAction tells the agent loop how to proceed after a streaming
// integration failure.
type RecoveryAction string

const (
	RecoveryRetry    RecoveryAction = "retry"
	RecoveryFallback RecoveryAction = "fallback_non_streaming"
	RecoveryAbort    RecoveryAction = "abort"
	RecoveryContinue RecoveryAction = "continue"
)

// IntegrationError is raised when streaming and tool execution fall out
// of step. It carries enough state for the loop to pick a recovery path.
type IntegrationError struct {
	StreamingState State
	Recovery       RecoveryAction
	ToolContext    []protocol.ToolCall
	DebugContext   map[string]interface{}
	Cause          error
	Timestamp      time.Time
	message        string

	// taxonomy anchors the error in the bridge taxonomy so errs.CodeOf
	// resolves STREAMING_ERROR through the chain. It wraps Cause.
	taxonomy *errs.BridgeError
}

func (e *IntegrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (state=%s, recovery=%s): %v",
			errs.CodeStreaming, e.message, e.StreamingState, e.Recovery, e.Cause)
	}
	return fmt.Sprintf("[%s] %s (state=%s, recovery=%s)",
		errs.CodeStreaming, e.message, e.StreamingState, e.Recovery)
}

func (e *IntegrationError) Unwrap() error { return e.taxonomy }

// Is lets errors.Is match any streaming-taxonomy error.
func (e *IntegrationError) Is(target error) bool {
	return errs.CodeOf(target) == errs.CodeStreaming
}

func newIntegrationError(message string, state State, recovery RecoveryAction, calls []protocol.ToolCall, cause error) *IntegrationError {
	return &IntegrationError{
		StreamingState: state,
		Recovery:       recovery,
		ToolContext:    calls,
		DebugContext:   map[string]interface{}{"tool_call_count": len(calls)},
		Cause:          cause,
		Timestamp:      time.Now().UTC(),
		message:        message,
		taxonomy:       errs.Wrap(errs.CodeStreaming, message, cause),
	}
}

// NewPauseError reports a failure to pause the stream for tool execution.
// Pausing is re-attemptable, so recovery is retry.
func NewPauseError(state State, calls []protocol.ToolCall, cause error) *IntegrationError {
	return newIntegrationError("failed to pause streaming for tool execution", state, RecoveryRetry, calls, cause)
}

// NewToolExecutionError reports tool failures during a streaming pause.
// When at least one tool succeeded the turn can continue on partial
// results; otherwise the loop falls back to non-streaming.
func NewToolExecutionError(state State, calls []protocol.ToolCall, anySucceeded bool, cause error) *IntegrationError {
	recovery := RecoveryFallback
	if anySucceeded {
		recovery = RecoveryContinue
	}
	return newIntegrationError("tool execution failed during streaming", state, recovery, calls, cause)
}

// NewResumeError reports a failure to resume streaming after tools ran.
func NewResumeError(state State, calls []protocol.ToolCall, cause error) *IntegrationError {
	return newIntegrationError("failed to resume streaming after tool execution", state, RecoveryFallback, calls, cause)
}

// NewStateSyncError reports an illegal state transition. The machine is
// no longer trustworthy, so recovery is abort.
func NewStateSyncError(state State, cause error) *IntegrationError {
	return newIntegrationError("streaming state machine out of sync", state, RecoveryAbort, nil, cause)
}
