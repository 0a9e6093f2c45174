package protocol

// TerminationReason enumerates the unified completion reasons across
// providers.
type TerminationReason string

const (
	TerminationNaturalCompletion TerminationReason = "natural_completion"
	TerminationMaxIterations     TerminationReason = "max_iterations"
	TerminationTimeout           TerminationReason = "timeout"
	TerminationCancelled         TerminationReason = "cancelled"
	TerminationError             TerminationReason = "error"
	TerminationTokenLimit        TerminationReason = "token_limit_reached"
	TerminationContentFiltered   TerminationReason = "content_filtered"
	TerminationStopSequence      TerminationReason = "stop_sequence"
	TerminationUnknown           TerminationReason = "unknown"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ProviderTermination records the raw provider field the unified signal was
// derived from.
type ProviderTermination struct {
	OriginalField string                 `json:"original_field"`
	OriginalValue string                 `json:"original_value"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// TerminationSignal is the provider-agnostic completion decision.
type TerminationSignal struct {
	ShouldTerminate  bool                `json:"should_terminate"`
	Reason           TerminationReason   `json:"reason"`
	Confidence       Confidence          `json:"confidence"`
	ProviderSpecific ProviderTermination `json:"provider_specific"`
	Message          string              `json:"message,omitempty"`
}

// CoarseReason collapses the enhanced termination reasons onto the coarse
// loop-level reason: token_limit_reached, content_filtered and stop_sequence
// all end the turn normally.
func (s TerminationSignal) CoarseReason() TerminationReason {
	switch s.Reason {
	case TerminationTokenLimit, TerminationContentFiltered, TerminationStopSequence:
		return TerminationNaturalCompletion
	default:
		return s.Reason
	}
}
