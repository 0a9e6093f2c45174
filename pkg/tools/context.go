package tools

import (
	"time"

	"github.com/google/uuid"

	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// ExecutionContext is the per-call environment handed to tool handlers.
// It identifies the session, the caller's permissions, and carries a
// snapshot of conversation metadata for tools that want it.
type ExecutionContext struct {
	UserID      string                 `json:"user_id,omitempty"`
	SessionID   string                 `json:"session_id"`
	Environment string                 `json:"environment"`
	Permissions []string               `json:"permissions"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// ContextOptions customizes execution context creation.
type ContextOptions struct {
	UserID      string
	Permissions []string
	Metadata    map[string]interface{}
}

// NewExecutionContext derives a fresh execution context from the current
// conversation. Every call produces a unique context id.
func NewExecutionContext(messages []protocol.Message, opts *ContextOptions) *ExecutionContext {
	contextID := "ctx-" + uuid.NewString()

	timestamp := time.Now()
	if len(messages) > 0 && !messages[len(messages)-1].Timestamp.IsZero() {
		timestamp = messages[len(messages)-1].Timestamp
	}

	execCtx := &ExecutionContext{
		SessionID:   "session-" + contextID,
		Environment: "agent-loop",
		Permissions: []string{"read"},
		Metadata: map[string]interface{}{
			"contextId":            contextID,
			"timestamp":            timestamp.UTC().Format(time.RFC3339Nano),
			"messageCount":         len(messages),
			"conversationMetadata": summarizeConversation(messages),
			"executionSource":      "agent-loop",
		},
	}

	if opts != nil {
		execCtx.UserID = opts.UserID
		if len(opts.Permissions) > 0 {
			execCtx.Permissions = append([]string(nil), opts.Permissions...)
		}
		for key, value := range opts.Metadata {
			execCtx.Metadata[key] = value
		}
	}
	return execCtx
}

// summarizeConversation reduces the message history to the shape tools
// receive: counts, participating roles, content types and flow flags.
func summarizeConversation(messages []protocol.Message) map[string]interface{} {
	var roles []string
	seenRoles := map[protocol.Role]bool{}
	var contentTypes []string
	seenTypes := map[protocol.ContentPartType]bool{}

	for _, msg := range messages {
		if !seenRoles[msg.Role] {
			seenRoles[msg.Role] = true
			roles = append(roles, string(msg.Role))
		}
		for _, part := range msg.Content {
			if !seenTypes[part.Type] {
				seenTypes[part.Type] = true
				contentTypes = append(contentTypes, string(part.Type))
			}
		}
	}

	flow := map[string]interface{}{
		"startsWithUser":    len(messages) > 0 && messages[0].Role == protocol.RoleUser,
		"endsWithAssistant": len(messages) > 0 && messages[len(messages)-1].Role == protocol.RoleAssistant,
	}

	return map[string]interface{}{
		"totalMessages":        len(messages),
		"roles":                roles,
		"contentTypes":         contentTypes,
		"hasUserMessages":      seenRoles[protocol.RoleUser],
		"hasAssistantMessages": seenRoles[protocol.RoleAssistant],
		"hasToolMessages":      seenRoles[protocol.RoleTool],
		"conversationFlow":     flow,
	}
}
