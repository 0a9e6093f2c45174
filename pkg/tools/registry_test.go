package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

func noopHandler(map[string]interface{}) Handler {
	return func(context.Context, map[string]interface{}, *ExecutionContext) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}
}

func objectSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func TestRegisterToolValidation(t *testing.T) {
	tests := []struct {
		name string
		def  protocol.ToolDefinition
	}{
		{"empty name", protocol.ToolDefinition{InputSchema: objectSchema()}},
		{"nil schema", protocol.ToolDefinition{Name: "t"}},
		{"schema without type", protocol.ToolDefinition{Name: "t", InputSchema: map[string]interface{}{}}},
		{"malformed properties", protocol.ToolDefinition{Name: "t", InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": "not-a-map",
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			err := reg.RegisterTool(tt.def, noopHandler(nil), false)
			require.Error(t, err)
			assert.True(t, errs.IsCode(err, errs.CodeValidation))
		})
	}
}

func TestRegisterToolDuplicates(t *testing.T) {
	reg := NewRegistry()
	def := protocol.ToolDefinition{Name: "t", InputSchema: objectSchema()}

	require.NoError(t, reg.RegisterTool(def, noopHandler(nil), false))
	err := reg.RegisterTool(def, noopHandler(nil), false)
	require.Error(t, err)

	// Replace succeeds and keeps a single entry.
	require.NoError(t, reg.RegisterTool(def, noopHandler(nil), true))
	assert.Equal(t, 1, reg.Count())
}

func TestRegisterToolRequiresHandler(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterTool(protocol.ToolDefinition{Name: "t", InputSchema: objectSchema()}, nil, false)
	require.Error(t, err)
}

func TestDefinitionsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		def := protocol.ToolDefinition{Name: name, InputSchema: objectSchema()}
		require.NoError(t, reg.RegisterTool(def, noopHandler(nil), false))
	}

	defs := reg.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mid", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)
}

func TestDeriveInputSchema(t *testing.T) {
	type params struct {
		Query string `json:"query" jsonschema:"description=Search query"`
		Limit int    `json:"limit,omitempty"`
	}

	schema, err := DeriveInputSchema(params{})
	require.NoError(t, err)

	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")

	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")
}

func TestRegisterFromStruct(t *testing.T) {
	type params struct {
		Message string `json:"message"`
	}

	reg := NewRegistry()
	require.NoError(t, reg.RegisterFromStruct("shout", "Shouts the message.", params{}, noopHandler(nil), false))

	tool, ok := reg.Get("shout")
	require.True(t, ok)
	assert.Equal(t, "object", tool.Definition.InputSchema["type"])
}
