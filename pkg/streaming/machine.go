// Package streaming owns the state machine that coordinates delta
// consumption with mid-stream tool execution. The machine never touches
// the network; it owns state, the text buffer, and the pending tool set.
package streaming

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/langadventurellc/burnside-sub006/pkg/llms"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// State is the machine's position in the stream/tool cycle.
type State string

const (
	StateIdle          State = "idle"
	StateStreaming     State = "streaming"
	StatePaused        State = "paused"
	StateToolExecution State = "tool_execution"
	StateResuming      State = "resuming"
)

// allowedTransitions is the exhaustive transition table. Anything absent
// fails hard.
var allowedTransitions = map[State][]State{
	StateIdle:          {StateStreaming},
	StateStreaming:     {StatePaused, StateIdle},
	StatePaused:        {StateToolExecution},
	StateToolExecution: {StateResuming},
	StateResuming:      {StateStreaming, StateIdle},
}

// ExecutionMetrics summarizes one HandleStream pass.
type ExecutionMetrics struct {
	StreamingDuration time.Duration `json:"streaming_duration"`
	ChunksProcessed   int           `json:"chunks_processed"`
	ToolCallsDetected int           `json:"tool_calls_detected"`
}

// Result is the outcome of consuming one delta stream segment.
type Result struct {
	State             State
	Content           string
	DetectedToolCalls []protocol.ToolCall
	Success           bool
	Metrics           ExecutionMetrics
	Err               error
}

// Machine coordinates one response stream. It is not safe for concurrent
// HandleStream calls; exactly one transition is in flight at a time.
type Machine struct {
	mu      sync.Mutex
	state   State
	buffer  strings.Builder
	pending []protocol.ToolCall

	// OnDelta, when set, observes every delta as it is consumed. The
	// agent loop uses it to forward deltas downstream.
	OnDelta func(protocol.StreamDelta)
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition enforces the table. Callers hold no lock.
func (m *Machine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	for _, next := range allowedTransitions[m.state] {
		if next == to {
			m.state = to
			return nil
		}
	}
	return NewStateSyncError(m.state,
		fmt.Errorf("transition %s -> %s is not allowed", m.state, to))
}

// reset forces the machine back to idle regardless of current state.
// Used only on failure paths.
func (m *Machine) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.buffer.Reset()
	m.pending = nil
}

// Buffer returns the text accumulated so far in the current stream.
func (m *Machine) Buffer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.String()
}

// PendingToolCalls returns the calls recorded by the last pause.
func (m *Machine) PendingToolCalls() []protocol.ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.ToolCall(nil), m.pending...)
}

// HandleStream consumes deltas until the stream finishes, a tool call
// pauses it, or an error aborts it. The machine ends in idle (finished),
// paused (tool calls detected), or idle with Success=false (error).
func (m *Machine) HandleStream(ctx context.Context, events <-chan llms.StreamEvent) Result {
	start := time.Now()
	m.mu.Lock()
	m.state = StateIdle
	m.buffer.Reset()
	m.pending = nil
	m.mu.Unlock()

	metrics := ExecutionMetrics{}
	fail := func(err error) Result {
		m.reset()
		metrics.StreamingDuration = time.Since(start)
		return Result{State: StateIdle, Success: false, Metrics: metrics, Err: err}
	}

	if err := m.transition(StateStreaming); err != nil {
		return fail(err)
	}

	var detected []protocol.ToolCall

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())

		case event, ok := <-events:
			if !ok {
				// Producer closed without a finished delta; treat as a
				// completed stream.
				if err := m.transition(StateIdle); err != nil {
					return fail(err)
				}
				metrics.StreamingDuration = time.Since(start)
				return Result{
					State:   StateIdle,
					Content: m.Buffer(),
					Success: true,
					Metrics: metrics,
				}
			}

			if event.Err != nil {
				return fail(event.Err)
			}

			delta := *event.Delta
			metrics.ChunksProcessed++

			if m.OnDelta != nil {
				m.OnDelta(delta)
			}

			m.mu.Lock()
			for _, part := range delta.Delta.Content {
				if part.Type == protocol.ContentPartTypeText {
					m.buffer.WriteString(part.Text)
				}
			}
			m.mu.Unlock()

			if calls := protocol.ToolCallsFromMessage(delta.Delta); len(calls) > 0 {
				detected = append(detected, calls...)
				metrics.ToolCallsDetected = len(detected)

				m.mu.Lock()
				err := m.transitionLocked(StatePaused)
				if err == nil {
					m.pending = append([]protocol.ToolCall(nil), detected...)
				}
				m.mu.Unlock()
				if err != nil {
					return fail(err)
				}

				metrics.StreamingDuration = time.Since(start)
				return Result{
					State:             StatePaused,
					Content:           m.Buffer(),
					DetectedToolCalls: detected,
					Success:           true,
					Metrics:           metrics,
				}
			}

			if delta.Finished {
				if err := m.transition(StateIdle); err != nil {
					return fail(err)
				}
				metrics.StreamingDuration = time.Since(start)
				return Result{
					State:   StateIdle,
					Content: m.Buffer(),
					Success: true,
					Metrics: metrics,
				}
			}
		}
	}
}

// PauseForToolExecution moves paused -> tool_execution and records the
// calls about to run.
func (m *Machine) PauseForToolExecution(calls []protocol.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(StateToolExecution); err != nil {
		return NewPauseError(m.state, calls, err)
	}
	m.pending = append([]protocol.ToolCall(nil), calls...)
	return nil
}

// ResumeAfterToolExecution moves tool_execution -> resuming and clears
// the pending set. Results are accepted for symmetry with the pause call;
// the machine does not interpret them.
func (m *Machine) ResumeAfterToolExecution([]protocol.ToolResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(StateResuming); err != nil {
		return NewResumeError(m.state, m.pending, err)
	}
	m.pending = nil
	return nil
}

// CompleteResume finishes the cycle: resuming -> streaming for the next
// provider call, or resuming -> idle when the loop terminates instead.
// It is part of the resume protocol and fails outside the resuming state,
// even where the generic table would permit the target transition.
func (m *Machine) CompleteResume(nextStreaming bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateResuming {
		return NewStateSyncError(m.state,
			fmt.Errorf("complete resume requires resuming, machine is %s", m.state))
	}
	target := StateIdle
	if nextStreaming {
		target = StateStreaming
	}
	return m.transitionLocked(target)
}
