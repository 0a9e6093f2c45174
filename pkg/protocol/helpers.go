package protocol

import (
	"strings"
	"time"
)

// NewTextMessage builds a message with a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentPart{{Type: ContentPartTypeText, Text: text}},
		Timestamp: time.Now(),
	}
}

// NewToolResultMessage wraps a tool result as a tool-role message carrying
// the originating call id in metadata, so the next provider call can pair
// the result with its call.
func NewToolResultMessage(result ToolResult, content string) Message {
	return Message{
		Role:      RoleTool,
		Content:   []ContentPart{{Type: ContentPartTypeText, Text: content}},
		Timestamp: time.Now(),
		Metadata: map[string]interface{}{
			"tool_call_id": result.CallID,
			"success":      result.Success,
		},
	}
}

// ExtractText concatenates the text parts of a message.
func ExtractText(msg Message) string {
	var sb strings.Builder
	for _, part := range msg.Content {
		if part.Type == ContentPartTypeText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCallsFromMessage collects tool calls attached to a message, either as
// tool_use content parts or under the "tool_calls" metadata key.
func ToolCallsFromMessage(msg Message) []ToolCall {
	var calls []ToolCall
	for _, part := range msg.Content {
		if part.Type == ContentPartTypeToolUse && part.ToolUse != nil {
			calls = append(calls, *part.ToolUse)
		}
	}
	if raw, ok := msg.Metadata["tool_calls"]; ok {
		if typed, ok := raw.([]ToolCall); ok {
			calls = append(calls, typed...)
		}
	}
	return calls
}

// ToolCallIDFromMessage returns the call id a tool-role message answers,
// or "" when the message is not a tool result.
func ToolCallIDFromMessage(msg Message) string {
	if msg.Role != RoleTool || msg.Metadata == nil {
		return ""
	}
	id, _ := msg.Metadata["tool_call_id"].(string)
	return id
}

// HasContent reports whether the message carries at least one content part.
// Empty assistant placeholders are permitted during streaming initiation.
func HasContent(msg Message) bool {
	return len(msg.Content) > 0
}
