package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
)

// Phase names the loop stage where a multi-turn failure occurred.
type Phase string

const (
	PhaseInitialization    Phase = "initialization"
	PhaseIterationStart    Phase = "iteration_start"
	PhaseProviderRequest   Phase = "provider_request"
	PhaseStreamingResponse Phase = "streaming_response"
	PhaseToolExecution     Phase = "tool_execution"
	PhaseStateUpdate       Phase = "state_update"
	PhaseTerminationCheck  Phase = "termination_check"
	PhaseCleanup           Phase = "cleanup"
)

// RecoveryAction tells the caller how a failed multi-turn run may be
// salvaged.
type RecoveryAction string

const (
	RecoveryRetry          RecoveryAction = "retry"
	RecoveryFallbackSingle RecoveryAction = "fallback_single_turn"
	RecoveryAbort          RecoveryAction = "abort"
	RecoveryContinue       RecoveryAction = "continue"
)

// Timing snapshots the loop clocks at failure time.
type Timing struct {
	TotalElapsed     time.Duration `json:"total_elapsed"`
	IterationElapsed time.Duration `json:"iteration_elapsed"`
	LastIteration    time.Time     `json:"last_iteration"`
}

// MultiTurnError is a loop failure with enough context to debug it. The
// state summary is redacted to counts; message bodies never appear.
type MultiTurnError struct {
	Code         string
	Phase        Phase
	Recovery     RecoveryAction
	StateSummary map[string]interface{}
	Metrics      *Metrics
	Timing       Timing
	DebugContext map[string]interface{}
	Cause        error
	Timestamp    time.Time
	message      string
}

func (e *MultiTurnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (phase=%s, recovery=%s): %v", e.Code, e.message, e.Phase, e.Recovery, e.Cause)
	}
	return fmt.Sprintf("[%s] %s (phase=%s, recovery=%s)", e.Code, e.message, e.Phase, e.Recovery)
}

func (e *MultiTurnError) Unwrap() error { return e.Cause }

// Is matches by taxonomy code.
func (e *MultiTurnError) Is(target error) bool {
	var other *errs.BridgeError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	var otherMT *MultiTurnError
	if errors.As(target, &otherMT) {
		return e.Code == otherMT.Code
	}
	return false
}

// NewMultiTurnError builds a loop failure with a redacted state summary.
func NewMultiTurnError(code, message string, phase Phase, recovery RecoveryAction, state *State, manager *IterationManager, cause error) *MultiTurnError {
	err := &MultiTurnError{
		Code:         code,
		Phase:        phase,
		Recovery:     recovery,
		DebugContext: map[string]interface{}{},
		Cause:        cause,
		Timestamp:    time.Now().UTC(),
		message:      message,
	}
	if state != nil {
		err.StateSummary = map[string]interface{}{
			"messageCount":       len(state.Messages),
			"pendingToolCalls":   len(state.PendingToolCalls),
			"completedToolCalls": len(state.CompletedToolCalls),
			"iteration":          state.Iteration,
			"streamingState":     state.StreamingState,
		}
		err.Timing.LastIteration = state.LastIterationTime
		err.Timing.TotalElapsed = time.Since(state.StartTime)
		err.Timing.IterationElapsed = time.Since(state.LastIterationTime)
	}
	if manager != nil {
		metrics := manager.ExecutionMetrics()
		err.Metrics = &metrics
	}
	return err
}

// NewMaxIterationsError reports iteration budget exhaustion. Recovery is
// abort; the caller decides whether to re-run with a larger budget.
func NewMaxIterationsError(state *State, manager *IterationManager) *MultiTurnError {
	err := NewMultiTurnError(errs.CodeMaxIterations,
		fmt.Sprintf("maximum iterations exceeded (%d)", manager.MaxIterations()),
		PhaseIterationStart, RecoveryAbort, state, manager, nil)
	err.DebugContext["currentIteration"] = manager.CurrentIteration()
	err.DebugContext["maxIterations"] = manager.MaxIterations()
	return err
}

// NewIterationTimeoutError reports a per-iteration or overall timeout.
func NewIterationTimeoutError(state *State, manager *IterationManager, status TimeoutStatus) *MultiTurnError {
	code := errs.CodeIterationTimeout
	message := "iteration timeout exceeded"
	if status.OverallTimeout {
		code = errs.CodeTimeout
		message = "overall execution timeout exceeded"
	}
	err := NewMultiTurnError(code, message, PhaseIterationStart, RecoveryAbort, state, manager, nil)
	err.DebugContext["remainingOverallMs"] = status.RemainingOverallMs
	err.DebugContext["remainingIterationMs"] = status.RemainingIterationMs
	return err
}
