// Package protocol defines the provider-neutral data model shared by the
// bridge client, the provider plugins, the streaming state machine, and the
// agent loop. Provider wire formats are translated to and from these types
// at the plugin boundary.
package protocol

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type ContentPartType string

const (
	ContentPartTypeText     ContentPartType = "text"
	ContentPartTypeImage    ContentPartType = "image"
	ContentPartTypeDocument ContentPartType = "document"
	ContentPartTypeCode     ContentPartType = "code"
	ContentPartTypeToolUse  ContentPartType = "tool_use"
)

// ContentPart is a tagged variant. Only the fields matching Type are set.
// Text is the only universally supported variant; images and documents are
// conditional on model capability.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     []byte          `json:"data,omitempty"`
	URL      string          `json:"url,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	Language string          `json:"language,omitempty"`
	ToolUse  *ToolCall       `json:"tool_use,omitempty"`
}

type Message struct {
	Role      Role                   `json:"role"`
	Content   []ContentPart          `json:"content"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ChatRequest is the unified request submitted to the bridge client.
type ChatRequest struct {
	Messages    []Message              `json:"messages"`
	Model       string                 `json:"model"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition       `json:"tools,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
	MultiTurn   *MultiTurnConfig       `json:"multi_turn,omitempty"`
	Stream      bool                   `json:"stream,omitempty"`
}

// MultiTurnConfig controls the agent loop for a single request.
type MultiTurnConfig struct {
	MaxIterations         int    `json:"max_iterations,omitempty"`
	OverallTimeoutMs      int64  `json:"overall_timeout_ms,omitempty"`
	IterationTimeoutMs    int64  `json:"iteration_timeout_ms,omitempty"`
	ToolExecutionStrategy string `json:"tool_execution_strategy,omitempty"` // "sequential" or "parallel"
	MaxConcurrentTools    int    `json:"max_concurrent_tools,omitempty"`
	ToolTimeoutMs         int64  `json:"tool_timeout_ms,omitempty"`
	ContinueOnToolError   *bool  `json:"continue_on_tool_error,omitempty"`
}

// StreamDelta is one increment of a streaming response. Exactly one delta
// per response carries Finished=true unless the stream is aborted.
type StreamDelta struct {
	ID       string                 `json:"id"`
	Delta    Message                `json:"delta"`
	Finished bool                   `json:"finished"`
	Usage    *Usage                 `json:"usage,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Permissions []string               `json:"permissions,omitempty"`
}

type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type ToolResult struct {
	CallID  string                 `json:"call_id"`
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UnifiedResponse is the parsed, provider-neutral form of a non-streaming
// provider response. Metadata preserves the raw completion signal fields
// (finish_reason, stop_reason, finishReason) for termination analysis.
type UnifiedResponse struct {
	Message  Message                `json:"message"`
	Usage    *Usage                 `json:"usage,omitempty"`
	Model    string                 `json:"model"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
