package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// DeriveInputSchema generates a JSON Schema map from a Go parameter
// struct, so tools can be registered without hand-writing schemas. Field
// names and requiredness follow the struct's json tags.
func DeriveInputSchema(params interface{}) (map[string]interface{}, error) {
	reflector := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(params)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "failed to serialize derived schema", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "failed to decode derived schema", err)
	}

	// Drift markers from the reflector, not part of a tool schema.
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// RegisterFromStruct derives the input schema from params and registers
// the tool in one step.
func (r *Registry) RegisterFromStruct(name, description string, params interface{}, handler Handler, replace bool) error {
	schema, err := DeriveInputSchema(params)
	if err != nil {
		return err
	}
	return r.RegisterTool(protocol.ToolDefinition{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, handler, replace)
}
