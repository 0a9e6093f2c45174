package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoHandlerMessageParam(t *testing.T) {
	data, err := EchoHandler()(context.Background(), map[string]interface{}{"message": "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", data["echoed"])
	require.NoError(t, ValidateEchoResult(data))
}

func TestEchoHandlerSoleStringParam(t *testing.T) {
	data, err := EchoHandler()(context.Background(), map[string]interface{}{"data": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", data["echoed"])
	assert.Equal(t, true, data["testSuccess"])
}

func TestEchoHandlerFallsBackToJSON(t *testing.T) {
	data, err := EchoHandler()(context.Background(), map[string]interface{}{"a": 1, "b": "two"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"two"}`, data["echoed"].(string))
}

func TestValidateEchoResultRejectsBadShapes(t *testing.T) {
	require.Error(t, ValidateEchoResult(nil))
	require.Error(t, ValidateEchoResult(map[string]interface{}{"echoed": "x"}))
	require.Error(t, ValidateEchoResult(map[string]interface{}{
		"echoed": "x", "timestamp": "now", "testSuccess": false,
	}))
}
