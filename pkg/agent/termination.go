package agent

import (
	"log/slog"

	"github.com/langadventurellc/burnside-sub006/pkg/llms"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// AnalyzeConversationTermination decides whether the conversation is
// finished by inspecting the most recent assistant message through the
// plugin's termination detection. It never fails: missing material or a
// misbehaving plugin yields a low-confidence "keep going" signal.
func AnalyzeConversationTermination(messages []protocol.Message, state *State, plugin llms.ProviderPlugin) protocol.TerminationSignal {
	if len(messages) == 0 {
		return protocol.TerminationSignal{
			ShouldTerminate: false,
			Reason:          protocol.TerminationUnknown,
			Confidence:      protocol.ConfidenceLow,
			ProviderSpecific: protocol.ProviderTermination{
				OriginalField: "message_count",
				OriginalValue: "0",
			},
			Message: "No messages to analyze for termination",
		}
	}

	assistant, found := lastAssistantMessage(messages)
	if !found {
		return protocol.TerminationSignal{
			ShouldTerminate: false,
			Reason:          protocol.TerminationUnknown,
			Confidence:      protocol.ConfidenceLow,
			ProviderSpecific: protocol.ProviderTermination{
				OriginalField: "assistant_message_count",
				OriginalValue: "0",
			},
			Message: "No assistant messages to analyze for termination",
		}
	}

	if plugin == nil {
		return fallbackSignal()
	}

	sample := sampleFromAssistant(state, assistant)
	var convCtx *llms.ConversationContext
	if state != nil {
		convCtx = state.ConversationContext()
	}
	return detectSafely(plugin, sample, convCtx)
}

// detectSafely shields the loop from a panicking plugin.
func detectSafely(plugin llms.ProviderPlugin, sample llms.TerminationSample, convCtx *llms.ConversationContext) (signal protocol.TerminationSignal) {
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Warn("Termination detection panicked", "plugin", plugin.ID(), "panic", recovered)
			signal = fallbackSignal()
		}
	}()
	return plugin.DetectTermination(sample, convCtx)
}

// sampleFromAssistant prefers the full parsed response when it matches
// the message under analysis; otherwise the message's own metadata has
// to carry the completion signal.
func sampleFromAssistant(state *State, assistant protocol.Message) llms.TerminationSample {
	if state != nil && state.LastResponse != nil {
		return llms.TerminationSample{Response: state.LastResponse}
	}
	return llms.TerminationSample{Response: &protocol.UnifiedResponse{
		Message:  assistant,
		Metadata: assistant.Metadata,
	}}
}

func lastAssistantMessage(messages []protocol.Message) (protocol.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleAssistant {
			return messages[i], true
		}
	}
	return protocol.Message{}, false
}

func fallbackSignal() protocol.TerminationSignal {
	return protocol.TerminationSignal{
		ShouldTerminate: false,
		Reason:          protocol.TerminationUnknown,
		Confidence:      protocol.ConfidenceLow,
		ProviderSpecific: protocol.ProviderTermination{
			OriginalField: "fallback",
			OriginalValue: "none",
		},
	}
}
