package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// MCPToolRegistry bridges one MCP server into the local tool registry:
// every remote tool becomes a registered tool whose handler forwards the
// call over the wire.
type MCPToolRegistry struct {
	client *MCPClient

	mu         sync.Mutex
	registry   *Registry
	registered []string
}

func NewMCPToolRegistry(client *MCPClient) *MCPToolRegistry {
	return &MCPToolRegistry{client: client}
}

// RegisterMCPTools discovers the server's tools and registers them with
// the router's registry. Remote tools replace same-named local ones;
// the server owns the name.
func (r *MCPToolRegistry) RegisterMCPTools(ctx context.Context, reg *Registry) (int, error) {
	remoteTools, err := r.client.ListTools(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry = reg

	for _, remote := range remoteTools {
		schema := remote.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		def := protocol.ToolDefinition{
			Name:        remote.Name,
			Description: remote.Description,
			InputSchema: schema,
		}
		if err := reg.RegisterTool(def, r.remoteHandler(remote.Name), true); err != nil {
			slog.Warn("Skipping malformed MCP tool",
				"server", r.client.Name(), "tool", remote.Name, "error", err)
			continue
		}
		r.registered = append(r.registered, remote.Name)
	}

	slog.Info("Registered MCP tools",
		"server", r.client.Name(), "count", len(r.registered))
	return len(r.registered), nil
}

func (r *MCPToolRegistry) remoteHandler(name string) Handler {
	return func(ctx context.Context, params map[string]interface{}, _ *ExecutionContext) (map[string]interface{}, error) {
		data, err := r.client.CallTool(ctx, name, params)
		if err != nil {
			return nil, fmt.Errorf("remote tool '%s' on '%s': %w", name, r.client.Name(), err)
		}
		return data, nil
	}
}

// UnregisterMCPTools removes every tool this registry installed.
func (r *MCPToolRegistry) UnregisterMCPTools() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registry == nil {
		return
	}
	for _, name := range r.registered {
		if err := r.registry.Remove(name); err != nil {
			slog.Debug("MCP tool already removed", "server", r.client.Name(), "tool", name)
		}
	}
	r.registered = nil
}

// RegisteredToolCount reports how many remote tools are installed.
func (r *MCPToolRegistry) RegisteredToolCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

// Client exposes the underlying MCP client for lifecycle management.
func (r *MCPToolRegistry) Client() *MCPClient {
	return r.client
}
