package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/observability"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

const (
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"

	defaultToolTimeout = 5 * time.Second
	defaultMaxParallel = 3
)

// ExecuteOptions controls one batch dispatch.
type ExecuteOptions struct {
	Strategy      string
	MaxConcurrent int
	Timeout       time.Duration
}

func (o *ExecuteOptions) setDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategySequential
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxParallel
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultToolTimeout
	}
}

// Batch is the outcome of dispatching a set of tool calls. Results is in
// call order so message history stays deterministic; CompletionOrder
// records the call ids in the order their handlers actually finished.
type Batch struct {
	Results         []protocol.ToolResult
	CompletionOrder []string
}

// AnySucceeded reports whether at least one call in the batch succeeded.
func (b Batch) AnySucceeded() bool {
	for _, result := range b.Results {
		if result.Success {
			return true
		}
	}
	return false
}

// Router dispatches tool calls against a registry. Failures never escape
// as errors; every call yields a ToolResult so the agent loop can feed
// the outcome back to the model.
type Router struct {
	registry *Registry
}

func NewRouter(reg *Registry) *Router {
	return &Router{registry: reg}
}

// Registry exposes the backing registry for definition listing.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Execute runs a single tool call under the given timeout.
func (r *Router) Execute(ctx context.Context, call protocol.ToolCall, execCtx *ExecutionContext, timeout time.Duration) protocol.ToolResult {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}

	ctx, span := observability.StartToolExecution(ctx, call.Name, call.ID)
	defer span.End()

	tool, ok := r.registry.Get(call.Name)
	if !ok {
		err := errs.New(errs.CodeTool, fmt.Sprintf("tool '%s' is not registered", call.Name))
		observability.RecordError(span, err)
		return protocol.ToolResult{CallID: call.ID, Success: false, Error: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := r.invoke(callCtx, tool, call, execCtx)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			err = errs.Wrap(errs.CodeTimeout, fmt.Sprintf("tool '%s' timed out after %s", call.Name, timeout), err)
		} else if errs.CodeOf(err) == "" {
			err = errs.Wrap(errs.CodeTool, fmt.Sprintf("tool '%s' failed", call.Name), err)
		}
		observability.RecordError(span, err)
		slog.Warn("Tool execution failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return protocol.ToolResult{CallID: call.ID, Success: false, Error: err.Error()}
	}

	return protocol.ToolResult{CallID: call.ID, Success: true, Data: data}
}

// invoke runs the handler and converts panics into errors so a misbehaved
// tool cannot take down the loop.
func (r *Router) invoke(ctx context.Context, tool *Tool, call protocol.ToolCall, execCtx *ExecutionContext) (data map[string]interface{}, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errs.New(errs.CodeTool, fmt.Sprintf("tool '%s' panicked: %v", call.Name, recovered))
		}
	}()
	return tool.Handler(ctx, call.Parameters, execCtx)
}

// ExecuteAll dispatches a batch of tool calls sequentially or in parallel.
// Parallel mode caps in-flight handlers at MaxConcurrent; either way the
// returned Results slice matches the call order.
func (r *Router) ExecuteAll(ctx context.Context, calls []protocol.ToolCall, execCtx *ExecutionContext, opts ExecuteOptions) Batch {
	opts.setDefaults()

	batch := Batch{Results: make([]protocol.ToolResult, len(calls))}
	if len(calls) == 0 {
		return batch
	}

	if opts.Strategy != StrategyParallel {
		for i, call := range calls {
			batch.Results[i] = r.Execute(ctx, call, execCtx, opts.Timeout)
			batch.CompletionOrder = append(batch.CompletionOrder, call.ID)
		}
		return batch
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.MaxConcurrent)

	for i, call := range calls {
		group.Go(func() error {
			result := r.Execute(groupCtx, call, execCtx, opts.Timeout)
			mu.Lock()
			batch.Results[i] = result
			batch.CompletionOrder = append(batch.CompletionOrder, call.ID)
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; failures live in the results.
	_ = group.Wait()
	return batch
}
