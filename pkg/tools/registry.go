package tools

import (
	"fmt"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
	"github.com/langadventurellc/burnside-sub006/pkg/registry"
)

// Registry maps unique tool names to (definition, handler) pairs. It is
// safe for concurrent registration and lookup.
type Registry struct {
	*registry.BaseRegistry[*Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*Tool]()}
}

// RegisterTool validates the definition and stores it. Duplicate names
// fail unless replace is set.
func (r *Registry) RegisterTool(def protocol.ToolDefinition, handler Handler, replace bool) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	if handler == nil {
		return errs.New(errs.CodeValidation, fmt.Sprintf("tool '%s' has no handler", def.Name))
	}

	tool := &Tool{Definition: def, Handler: handler}
	if replace {
		r.Replace(def.Name, tool)
		return nil
	}
	if err := r.Register(def.Name, tool); err != nil {
		return errs.Wrap(errs.CodeValidation, fmt.Sprintf("tool '%s' is already registered", def.Name), err)
	}
	return nil
}

// Definitions returns the registered tool definitions in name order, the
// form the provider plugins attach to outgoing requests.
func (r *Registry) Definitions() []protocol.ToolDefinition {
	names := r.Names()
	defs := make([]protocol.ToolDefinition, 0, len(names))
	for _, name := range names {
		if tool, ok := r.Get(name); ok {
			defs = append(defs, tool.Definition)
		}
	}
	return defs
}

// ValidateDefinition checks a tool definition for a non-empty name and a
// well-formed input schema. A nil schema is rejected; a schema must at
// least declare its JSON type.
func ValidateDefinition(def protocol.ToolDefinition) error {
	if def.Name == "" {
		return errs.New(errs.CodeValidation, "tool definition has an empty name")
	}
	if def.InputSchema == nil {
		return errs.New(errs.CodeValidation, fmt.Sprintf("tool '%s' has no input schema", def.Name))
	}
	if _, ok := def.InputSchema["type"].(string); !ok {
		return errs.New(errs.CodeValidation, fmt.Sprintf("tool '%s' input schema is missing a 'type'", def.Name))
	}
	if props, ok := def.InputSchema["properties"]; ok {
		if _, ok := props.(map[string]interface{}); !ok {
			return errs.New(errs.CodeValidation, fmt.Sprintf("tool '%s' input schema has malformed properties", def.Name))
		}
	}
	return nil
}
