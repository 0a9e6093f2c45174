// Package tools provides the tool registry, the router that dispatches
// tool calls from assistant messages, execution contexts, builtin tools,
// and the MCP integration that imports tools from remote servers.
package tools

import (
	"context"

	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// Handler executes one tool call. Parameters arrive as decoded JSON; the
// returned map becomes the ToolResult data. Handlers should honor ctx
// cancellation; the router enforces the timeout regardless.
type Handler func(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (map[string]interface{}, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition protocol.ToolDefinition
	Handler    Handler
}
