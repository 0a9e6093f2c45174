package agent

import (
	"fmt"
	"time"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

const (
	DefaultMaxIterations = 10
	maxIterationsCap     = 1000
	overallTimeoutCap    = 24 * time.Hour
)

// IterationConfig bounds one loop run. Zero values take defaults; out of
// range values fail construction.
type IterationConfig struct {
	MaxIterations      int
	OverallTimeoutMs   int64
	IterationTimeoutMs int64
}

// IterationOutcome is the report of one completed iteration.
type IterationOutcome struct {
	IterationNumber   int
	Duration          time.Duration
	CanContinue       bool
	TerminationReason protocol.TerminationReason
}

// TimeoutStatus is the result of a timeout poll.
type TimeoutStatus struct {
	HasTimeout           bool
	OverallTimeout       bool
	IterationTimeout     bool
	RemainingOverallMs   int64
	RemainingIterationMs int64
}

// Metrics summarizes a finished or in-flight loop run.
type Metrics struct {
	TotalIterations   int                        `json:"total_iterations"`
	TotalDuration     time.Duration              `json:"total_duration"`
	AverageDuration   time.Duration              `json:"average_duration"`
	MinDuration       time.Duration              `json:"min_duration"`
	MaxDuration       time.Duration              `json:"max_duration"`
	CurrentIteration  int                        `json:"current_iteration"`
	IsTerminated      bool                       `json:"is_terminated"`
	TerminationReason protocol.TerminationReason `json:"termination_reason,omitempty"`
}

// IterationManager enforces the iteration and timeout budget of one loop
// run. It is not safe for concurrent use; each run owns its own manager.
type IterationManager struct {
	maxIterations     int
	overallTimeout    time.Duration
	iterationTimeout  time.Duration
	startTime         time.Time
	iterationStart    time.Time
	currentIteration  int
	iterationActive   bool
	durations         []time.Duration
	terminated        bool
	terminationReason protocol.TerminationReason
}

// NewIterationManager validates the config and starts the overall clock.
func NewIterationManager(cfg IterationConfig) (*IterationManager, error) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxIterations < 0 || cfg.MaxIterations > maxIterationsCap {
		return nil, errs.New(errs.CodeValidation,
			fmt.Sprintf("maxIterations must be between 1 and %d, got %d", maxIterationsCap, cfg.MaxIterations))
	}
	if cfg.OverallTimeoutMs < 0 || time.Duration(cfg.OverallTimeoutMs)*time.Millisecond > overallTimeoutCap {
		return nil, errs.New(errs.CodeValidation,
			fmt.Sprintf("overallTimeoutMs must be between 0 and %d, got %d", overallTimeoutCap.Milliseconds(), cfg.OverallTimeoutMs))
	}
	if cfg.IterationTimeoutMs < 0 {
		return nil, errs.New(errs.CodeValidation,
			fmt.Sprintf("iterationTimeoutMs must be positive, got %d", cfg.IterationTimeoutMs))
	}
	if cfg.OverallTimeoutMs > 0 && cfg.IterationTimeoutMs > 0 && cfg.IterationTimeoutMs >= cfg.OverallTimeoutMs {
		return nil, errs.New(errs.CodeValidation,
			fmt.Sprintf("iterationTimeoutMs (%d) must be less than overallTimeoutMs (%d)", cfg.IterationTimeoutMs, cfg.OverallTimeoutMs))
	}

	return &IterationManager{
		maxIterations:    cfg.MaxIterations,
		overallTimeout:   time.Duration(cfg.OverallTimeoutMs) * time.Millisecond,
		iterationTimeout: time.Duration(cfg.IterationTimeoutMs) * time.Millisecond,
		startTime:        time.Now(),
	}, nil
}

func (m *IterationManager) MaxIterations() int {
	return m.maxIterations
}

func (m *IterationManager) CurrentIteration() int {
	return m.currentIteration
}

func (m *IterationManager) IterationTimeout() time.Duration {
	return m.iterationTimeout
}

func (m *IterationManager) IsTerminated() bool {
	return m.terminated
}

func (m *IterationManager) TerminationReason() protocol.TerminationReason {
	return m.terminationReason
}

// Terminate records an explicit termination reason. The first reason
// sticks.
func (m *IterationManager) Terminate(reason protocol.TerminationReason) {
	if m.terminated {
		return
	}
	m.terminated = true
	m.terminationReason = reason
}

// StartIteration opens the next iteration. It fails when the run is
// already terminated, an iteration is still active, or the budget is
// exhausted — the last marks the run terminated with max_iterations.
func (m *IterationManager) StartIteration() error {
	if m.terminated {
		return errs.New(errs.CodeMultiTurn,
			fmt.Sprintf("cannot start iteration: execution already terminated (%s)", m.terminationReason))
	}
	if m.iterationActive {
		return errs.New(errs.CodeMultiTurn,
			fmt.Sprintf("cannot start iteration %d: iteration %d is still active", m.currentIteration+1, m.currentIteration))
	}
	if m.currentIteration >= m.maxIterations {
		m.Terminate(protocol.TerminationMaxIterations)
		return errs.New(errs.CodeMaxIterations,
			fmt.Sprintf("maximum iterations exceeded (%d)", m.maxIterations))
	}

	m.currentIteration++
	m.iterationStart = time.Now()
	m.iterationActive = true
	return nil
}

// CompleteIteration closes the active iteration and reports whether the
// loop may continue.
func (m *IterationManager) CompleteIteration() (IterationOutcome, error) {
	if !m.iterationActive {
		return IterationOutcome{}, errs.New(errs.CodeMultiTurn, "no active iteration to complete")
	}

	duration := time.Since(m.iterationStart)
	m.durations = append(m.durations, duration)
	m.iterationActive = false

	timeouts := m.CheckTimeouts()
	canContinue := !m.terminated && m.currentIteration < m.maxIterations && !timeouts.HasTimeout

	outcome := IterationOutcome{
		IterationNumber: m.currentIteration,
		Duration:        duration,
		CanContinue:     canContinue,
	}
	if !canContinue {
		outcome.TerminationReason = m.determineTerminationReason(timeouts)
	}
	return outcome, nil
}

// CheckTimeouts polls both clocks. The iteration clock only runs while an
// iteration is active.
func (m *IterationManager) CheckTimeouts() TimeoutStatus {
	status := TimeoutStatus{RemainingOverallMs: -1, RemainingIterationMs: -1}

	if m.overallTimeout > 0 {
		remaining := m.overallTimeout - time.Since(m.startTime)
		status.RemainingOverallMs = remaining.Milliseconds()
		if remaining <= 0 {
			status.OverallTimeout = true
			status.RemainingOverallMs = 0
		}
	}
	if m.iterationTimeout > 0 && m.iterationActive {
		remaining := m.iterationTimeout - time.Since(m.iterationStart)
		status.RemainingIterationMs = remaining.Milliseconds()
		if remaining <= 0 {
			status.IterationTimeout = true
			status.RemainingIterationMs = 0
		}
	}

	status.HasTimeout = status.OverallTimeout || status.IterationTimeout
	return status
}

// determineTerminationReason applies the precedence: explicit reason,
// then timeout, then max_iterations, then natural_completion.
func (m *IterationManager) determineTerminationReason(timeouts TimeoutStatus) protocol.TerminationReason {
	if m.terminated && m.terminationReason != "" {
		return m.terminationReason
	}
	if timeouts.HasTimeout {
		return protocol.TerminationTimeout
	}
	if m.currentIteration >= m.maxIterations {
		return protocol.TerminationMaxIterations
	}
	return protocol.TerminationNaturalCompletion
}

// ExecutionMetrics summarizes the run so far.
func (m *IterationManager) ExecutionMetrics() Metrics {
	metrics := Metrics{
		TotalIterations:   len(m.durations),
		CurrentIteration:  m.currentIteration,
		IsTerminated:      m.terminated,
		TerminationReason: m.terminationReason,
	}
	if len(m.durations) == 0 {
		return metrics
	}

	metrics.MinDuration = m.durations[0]
	metrics.MaxDuration = m.durations[0]
	for _, d := range m.durations {
		metrics.TotalDuration += d
		if d < metrics.MinDuration {
			metrics.MinDuration = d
		}
		if d > metrics.MaxDuration {
			metrics.MaxDuration = d
		}
	}
	metrics.AverageDuration = metrics.TotalDuration / time.Duration(len(m.durations))
	return metrics
}
