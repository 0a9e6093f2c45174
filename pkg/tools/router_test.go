package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

func registerTestTool(t *testing.T, reg *Registry, name string, handler Handler) {
	t.Helper()
	def := protocol.ToolDefinition{Name: name, InputSchema: objectSchema()}
	require.NoError(t, reg.RegisterTool(def, handler, false))
}

func TestExecuteSuccess(t *testing.T) {
	reg := NewRegistry()
	registerTestTool(t, reg, "double", func(_ context.Context, params map[string]interface{}, _ *ExecutionContext) (map[string]interface{}, error) {
		n, _ := params["n"].(float64)
		return map[string]interface{}{"value": n * 2}, nil
	})

	router := NewRouter(reg)
	call := protocol.ToolCall{ID: "call-1", Name: "double", Parameters: map[string]interface{}{"n": float64(4)}}
	result := router.Execute(context.Background(), call, nil, time.Second)

	require.True(t, result.Success)
	assert.Equal(t, "call-1", result.CallID)
	assert.Equal(t, float64(8), result.Data["value"])
}

func TestExecuteUnknownTool(t *testing.T) {
	router := NewRouter(NewRegistry())
	result := router.Execute(context.Background(), protocol.ToolCall{ID: "c", Name: "missing"}, nil, time.Second)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not registered")
}

func TestExecuteHandlerError(t *testing.T) {
	reg := NewRegistry()
	registerTestTool(t, reg, "broken", func(context.Context, map[string]interface{}, *ExecutionContext) (map[string]interface{}, error) {
		return nil, errors.New("disk on fire")
	})

	result := NewRouter(reg).Execute(context.Background(), protocol.ToolCall{ID: "c", Name: "broken"}, nil, time.Second)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, errs.CodeTool)
}

func TestExecuteRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	registerTestTool(t, reg, "panicky", func(context.Context, map[string]interface{}, *ExecutionContext) (map[string]interface{}, error) {
		panic("boom")
	})

	result := NewRouter(reg).Execute(context.Background(), protocol.ToolCall{ID: "c", Name: "panicky"}, nil, time.Second)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panicked")
}

func TestExecuteTimeout(t *testing.T) {
	reg := NewRegistry()
	registerTestTool(t, reg, "slow", func(ctx context.Context, _ map[string]interface{}, _ *ExecutionContext) (map[string]interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]interface{}{}, nil
		}
	})

	result := NewRouter(reg).Execute(context.Background(), protocol.ToolCall{ID: "c", Name: "slow"}, nil, 20*time.Millisecond)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, errs.CodeTimeout)
}

func TestExecuteAllSequentialOrder(t *testing.T) {
	reg := NewRegistry()
	var order []string
	registerTestTool(t, reg, "record", func(_ context.Context, params map[string]interface{}, _ *ExecutionContext) (map[string]interface{}, error) {
		order = append(order, params["tag"].(string))
		return map[string]interface{}{}, nil
	})

	calls := []protocol.ToolCall{
		{ID: "a", Name: "record", Parameters: map[string]interface{}{"tag": "first"}},
		{ID: "b", Name: "record", Parameters: map[string]interface{}{"tag": "second"}},
		{ID: "c", Name: "record", Parameters: map[string]interface{}{"tag": "third"}},
	}

	batch := NewRouter(reg).ExecuteAll(context.Background(), calls, nil, ExecuteOptions{})
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, []string{"a", "b", "c"}, batch.CompletionOrder)
	for i, result := range batch.Results {
		assert.Equal(t, calls[i].ID, result.CallID)
	}
}

func TestExecuteAllParallelCallOrderPreserved(t *testing.T) {
	reg := NewRegistry()
	registerTestTool(t, reg, "sleepy", func(ctx context.Context, params map[string]interface{}, _ *ExecutionContext) (map[string]interface{}, error) {
		delay, _ := params["delay_ms"].(float64)
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]interface{}{}, nil
	})

	// First call finishes last; Results must still be in call order.
	calls := []protocol.ToolCall{
		{ID: "slow", Name: "sleepy", Parameters: map[string]interface{}{"delay_ms": float64(80)}},
		{ID: "fast", Name: "sleepy", Parameters: map[string]interface{}{"delay_ms": float64(1)}},
	}

	batch := NewRouter(reg).ExecuteAll(context.Background(), calls, nil, ExecuteOptions{
		Strategy: StrategyParallel, MaxConcurrent: 2, Timeout: time.Second,
	})

	require.Len(t, batch.Results, 2)
	assert.Equal(t, "slow", batch.Results[0].CallID)
	assert.Equal(t, "fast", batch.Results[1].CallID)
	assert.Equal(t, []string{"fast", "slow"}, batch.CompletionOrder)
}

func TestExecuteAllParallelRespectsConcurrencyCap(t *testing.T) {
	reg := NewRegistry()
	var inFlight, peak atomic.Int32
	registerTestTool(t, reg, "gauge", func(ctx context.Context, _ map[string]interface{}, _ *ExecutionContext) (map[string]interface{}, error) {
		current := inFlight.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]interface{}{}, nil
	})

	var calls []protocol.ToolCall
	for i := 0; i < 6; i++ {
		calls = append(calls, protocol.ToolCall{ID: string(rune('a' + i)), Name: "gauge"})
	}

	NewRouter(reg).ExecuteAll(context.Background(), calls, nil, ExecuteOptions{
		Strategy: StrategyParallel, MaxConcurrent: 2, Timeout: time.Second,
	})
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBatchAnySucceeded(t *testing.T) {
	assert.False(t, Batch{Results: []protocol.ToolResult{{Success: false}}}.AnySucceeded())
	assert.True(t, Batch{Results: []protocol.ToolResult{{Success: false}, {Success: true}}}.AnySucceeded())
}
