package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// EchoToolName is the builtin used to verify the tool pipeline end to end.
const EchoToolName = "echo"

// EchoDefinition describes the builtin echo tool.
func EchoDefinition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        EchoToolName,
		Description: "Echoes the provided input back to the caller.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"message": map[string]interface{}{
					"type":        "string",
					"description": "Text to echo back.",
				},
			},
		},
	}
}

// EchoHandler returns the echo implementation. The result always carries
// echoed, timestamp, and testSuccess so callers can validate the shape.
func EchoHandler() Handler {
	return func(_ context.Context, params map[string]interface{}, _ *ExecutionContext) (map[string]interface{}, error) {
		echoed, ok := params["message"].(string)
		if !ok && len(params) == 1 {
			// A single string argument under any key is echoed as-is, so
			// callers are not tied to the "message" parameter name.
			for _, value := range params {
				echoed, ok = value.(string)
			}
		}
		if !ok {
			encoded, err := json.Marshal(params)
			if err != nil {
				return nil, errs.Wrap(errs.CodeTool, "echo parameters are not serializable", err)
			}
			echoed = string(encoded)
		}
		return map[string]interface{}{
			"echoed":      echoed,
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"testSuccess": true,
		}, nil
	}
}

// ValidateEchoResult confirms the shape of a builtin echo result:
// {echoed: string, timestamp: string, testSuccess: true}. Extra fields
// are permitted; missing or mistyped fields are rejected.
func ValidateEchoResult(data map[string]interface{}) error {
	if data == nil {
		return errs.New(errs.CodeValidation, "echo result is empty")
	}
	if _, ok := data["echoed"].(string); !ok {
		return errs.New(errs.CodeValidation, "echo result is missing a string 'echoed' field")
	}
	if _, ok := data["timestamp"].(string); !ok {
		return errs.New(errs.CodeValidation, "echo result is missing a string 'timestamp' field")
	}
	if success, ok := data["testSuccess"].(bool); !ok || !success {
		return errs.New(errs.CodeValidation, "echo result is missing 'testSuccess: true'")
	}
	return nil
}

// RegisterBuiltins registers the named builtin tools. An empty list
// registers all of them; unknown names fail configuration.
func RegisterBuiltins(reg *Registry, names []string) error {
	builtins := map[string]func() error{
		EchoToolName: func() error {
			return reg.RegisterTool(EchoDefinition(), EchoHandler(), false)
		},
	}

	if len(names) == 0 {
		for name := range builtins {
			names = append(names, name)
		}
	}
	for _, name := range names {
		register, ok := builtins[name]
		if !ok {
			return errs.New(errs.CodeInvalidConfig, fmt.Sprintf("unknown builtin tool '%s'", name))
		}
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}
