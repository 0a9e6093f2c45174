package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/llms"
	"github.com/langadventurellc/burnside-sub006/pkg/observability"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
	"github.com/langadventurellc/burnside-sub006/pkg/streaming"
	"github.com/langadventurellc/burnside-sub006/pkg/tools"
)

// ShouldExecuteMultiTurn reports whether a request warrants the agent
// loop: the tool system must be on, the request must carry tools, and a
// multi-turn config must be present.
func ShouldExecuteMultiTurn(req *protocol.ChatRequest, toolsEnabled bool) bool {
	return toolsEnabled && len(req.Tools) > 0 && req.MultiTurn != nil
}

// Loop drives one multi-turn conversation against a single plugin. A
// Loop is built per request and must not be shared.
type Loop struct {
	plugin       llms.ProviderPlugin
	transport    llms.Transport
	router       *tools.Router
	caps         *llms.ModelCapabilities
	toolDefaults tools.ExecuteOptions
}

func NewLoop(plugin llms.ProviderPlugin, transport llms.Transport, router *tools.Router, caps *llms.ModelCapabilities, toolDefaults tools.ExecuteOptions) *Loop {
	return &Loop{
		plugin:       plugin,
		transport:    transport,
		router:       router,
		caps:         caps,
		toolDefaults: toolDefaults,
	}
}

func iterationConfigFrom(cfg *protocol.MultiTurnConfig) IterationConfig {
	if cfg == nil {
		return IterationConfig{}
	}
	return IterationConfig{
		MaxIterations:      cfg.MaxIterations,
		OverallTimeoutMs:   cfg.OverallTimeoutMs,
		IterationTimeoutMs: cfg.IterationTimeoutMs,
	}
}

func continueOnToolError(cfg *protocol.MultiTurnConfig) bool {
	if cfg == nil || cfg.ContinueOnToolError == nil {
		return true
	}
	return *cfg.ContinueOnToolError
}

func (l *Loop) toolOptions(cfg *protocol.MultiTurnConfig) tools.ExecuteOptions {
	opts := l.toolDefaults
	if cfg == nil {
		return opts
	}
	if cfg.ToolExecutionStrategy != "" {
		opts.Strategy = cfg.ToolExecutionStrategy
	}
	if cfg.MaxConcurrentTools > 0 {
		opts.MaxConcurrent = cfg.MaxConcurrentTools
	}
	if cfg.ToolTimeoutMs > 0 {
		opts.Timeout = time.Duration(cfg.ToolTimeoutMs) * time.Millisecond
	}
	return opts
}

// Chat runs the non-streaming turn protocol and returns the final
// assistant message.
func (l *Loop) Chat(ctx context.Context, req *protocol.ChatRequest) (*protocol.Message, error) {
	manager, err := NewIterationManager(iterationConfigFrom(req.MultiTurn))
	if err != nil {
		return nil, NewMultiTurnError(errs.CodeMultiTurn, "invalid multi-turn configuration",
			PhaseInitialization, RecoveryAbort, nil, nil, err)
	}
	state := NewState(req.Messages, manager.MaxIterations())

	for {
		if err := l.beginIteration(ctx, state, manager); err != nil {
			return nil, err
		}

		spanCtx, span := observability.StartAgentIteration(ctx, state.Iteration)

		iterCtx, cancel := l.iterationContext(spanCtx, manager)
		resp, err := l.fetchResponse(iterCtx, req, state)
		cancel()
		if err != nil {
			observability.RecordError(span, err)
			span.End()
			return nil, err
		}

		state.LastResponse = resp
		calls := state.AppendAssistant(resp.Message)

		if len(calls) > 0 {
			if err := l.runTools(spanCtx, req, state, calls); err != nil {
				toolErr := NewMultiTurnError(errs.CodeTool, "tool execution failed",
					PhaseToolExecution, RecoveryAbort, state, manager, err)
				observability.RecordError(span, toolErr)
				span.End()
				return nil, toolErr
			}
		}

		done, err := l.checkTermination(state, manager, len(calls) > 0)
		if err != nil {
			observability.RecordError(span, err)
			span.End()
			return nil, err
		}
		if done {
			observability.AddTerminationReason(span, string(state.TerminationReason))
			span.End()
			break
		}
		span.End()
	}

	final, found := lastAssistantMessage(state.Messages)
	if !found {
		return nil, NewMultiTurnError(errs.CodeMultiTurn, "loop produced no assistant message",
			PhaseCleanup, RecoveryAbort, state, manager, nil)
	}
	return &final, nil
}

// beginIteration handles cancellation and the iteration budget before a
// provider call.
func (l *Loop) beginIteration(ctx context.Context, state *State, manager *IterationManager) error {
	if ctx.Err() != nil {
		manager.Terminate(protocol.TerminationCancelled)
		state.TerminationReason = protocol.TerminationCancelled
		return NewMultiTurnError(errs.CodeMultiTurn, "execution cancelled",
			PhaseIterationStart, RecoveryAbort, state, manager, ctx.Err())
	}
	if status := manager.CheckTimeouts(); status.OverallTimeout {
		manager.Terminate(protocol.TerminationTimeout)
		state.TerminationReason = protocol.TerminationTimeout
		return NewIterationTimeoutError(state, manager, status)
	}

	if err := manager.StartIteration(); err != nil {
		if errs.IsCode(err, errs.CodeMaxIterations) {
			state.TerminationReason = protocol.TerminationMaxIterations
			return NewMaxIterationsError(state, manager)
		}
		return NewMultiTurnError(errs.CodeMultiTurn, "failed to start iteration",
			PhaseIterationStart, RecoveryAbort, state, manager, err)
	}
	state.Iteration = manager.CurrentIteration()
	return nil
}

// iterationContext derives the per-iteration deadline when configured.
func (l *Loop) iterationContext(ctx context.Context, manager *IterationManager) (context.Context, context.CancelFunc) {
	if timeout := manager.IterationTimeout(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// checkTermination runs the analyzer and the iteration bookkeeping,
// returning done=true when the loop should stop with the current
// assistant message as the result.
func (l *Loop) checkTermination(state *State, manager *IterationManager, hadToolCalls bool) (bool, error) {
	signal := AnalyzeConversationTermination(state.Messages, state, l.plugin)
	state.RecordSignal(signal)

	outcome, err := manager.CompleteIteration()
	if err != nil {
		return false, NewMultiTurnError(errs.CodeMultiTurn, "failed to complete iteration",
			PhaseTerminationCheck, RecoveryAbort, state, manager, err)
	}
	state.LastIterationTime = time.Now()

	// A turn that produced tool calls always feeds the results back to
	// the provider; its completion signal refers to the tool call, not
	// the conversation.
	if !hadToolCalls && signal.ShouldTerminate {
		state.TerminationReason = signal.CoarseReason()
		state.ShouldContinue = false
		manager.Terminate(state.TerminationReason)
		return true, nil
	}

	if !outcome.CanContinue {
		state.TerminationReason = outcome.TerminationReason
		state.ShouldContinue = false
		switch outcome.TerminationReason {
		case protocol.TerminationMaxIterations:
			manager.Terminate(protocol.TerminationMaxIterations)
			return false, NewMaxIterationsError(state, manager)
		case protocol.TerminationTimeout:
			manager.Terminate(protocol.TerminationTimeout)
			return false, NewIterationTimeoutError(state, manager, manager.CheckTimeouts())
		default:
			manager.Terminate(outcome.TerminationReason)
			return true, nil
		}
	}
	return false, nil
}

// fetchResponse performs one non-streaming provider exchange.
func (l *Loop) fetchResponse(ctx context.Context, req *protocol.ChatRequest, state *State) (*protocol.UnifiedResponse, error) {
	iterReq := *req
	iterReq.Messages = state.Messages
	iterReq.Stream = false

	wireReq, err := l.plugin.TranslateRequest(&iterReq, l.caps, state.ConversationContext())
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartProviderCall(ctx, l.plugin.ID(), req.Model, false)
	defer span.End()

	resp, err := l.transport.Fetch(ctx, wireReq)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	unified, err := l.plugin.ParseResponse(resp)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if unified.Usage != nil {
		observability.AddTokenUsage(span, unified.Usage.PromptTokens, unified.Usage.CompletionTokens)
	}
	return unified, nil
}

// runTools dispatches the turn's tool calls and folds the results into
// the state. With continueOnToolError (the default) failures become
// tool-result messages; otherwise the first failure is fatal.
func (l *Loop) runTools(ctx context.Context, req *protocol.ChatRequest, state *State, calls []protocol.ToolCall) error {
	execCtx := tools.NewExecutionContext(state.Messages, nil)
	batch := l.router.ExecuteAll(ctx, calls, execCtx, l.toolOptions(req.MultiTurn))
	state.CompleteToolCalls(calls, batch.Results)

	if !continueOnToolError(req.MultiTurn) {
		for _, result := range batch.Results {
			if !result.Success {
				return errs.New(errs.CodeTool, fmt.Sprintf("tool call '%s' failed: %s", result.CallID, result.Error))
			}
		}
	}
	return nil
}

// Stream runs the streaming turn protocol. Downstream consumers observe
// one continuous delta sequence across iterations and tool pauses, with
// exactly one finished delta at the end.
func (l *Loop) Stream(ctx context.Context, req *protocol.ChatRequest) (<-chan llms.StreamEvent, error) {
	manager, err := NewIterationManager(iterationConfigFrom(req.MultiTurn))
	if err != nil {
		return nil, NewMultiTurnError(errs.CodeMultiTurn, "invalid multi-turn configuration",
			PhaseInitialization, RecoveryAbort, nil, nil, err)
	}

	out := make(chan llms.StreamEvent)
	go func() {
		defer close(out)
		l.streamLoop(ctx, req, manager, out)
	}()
	return out, nil
}

func (l *Loop) streamLoop(ctx context.Context, req *protocol.ChatRequest, manager *IterationManager, out chan<- llms.StreamEvent) {
	state := NewState(req.Messages, manager.MaxIterations())
	machine := streaming.NewMachine()

	var heldFinal *protocol.StreamDelta
	machine.OnDelta = func(delta protocol.StreamDelta) {
		if delta.Finished {
			// Held back until the loop decides the conversation is over,
			// so the sequence carries exactly one finished delta.
			held := delta
			heldFinal = &held
			return
		}
		emitDelta(ctx, out, delta)
	}

	fail := func(err error) {
		select {
		case out <- llms.StreamEvent{Err: err}:
		case <-ctx.Done():
		}
	}

	for {
		if err := l.beginIteration(ctx, state, manager); err != nil {
			fail(err)
			return
		}

		heldFinal = nil
		spanCtx, span := observability.StartAgentIteration(ctx, state.Iteration)

		result, err := l.runStreamingIteration(spanCtx, req, state, manager, machine)
		if err != nil {
			observability.RecordError(span, err)
			span.End()
			fail(err)
			return
		}

		hadToolCalls := len(result.DetectedToolCalls) > 0

		// The terminal delta carries the provider's completion signal;
		// surface it to the analyzer through the reconstructed response.
		if !hadToolCalls && heldFinal != nil && state.LastResponse == nil {
			if assistant, found := lastAssistantMessage(state.Messages); found {
				state.LastResponse = &protocol.UnifiedResponse{
					Message:  assistant,
					Usage:    heldFinal.Usage,
					Metadata: heldFinal.Metadata,
				}
			}
		}

		done, err := l.checkTermination(state, manager, hadToolCalls)
		if err != nil {
			observability.RecordError(span, err)
			span.End()
			fail(err)
			return
		}

		if hadToolCalls {
			if err := machine.CompleteResume(!done); err != nil {
				observability.RecordError(span, err)
				span.End()
				fail(err)
				return
			}
		}
		if done {
			observability.AddTerminationReason(span, string(state.TerminationReason))
			span.End()
			emitDelta(ctx, out, l.finalDelta(heldFinal, state))
			return
		}
		span.End()
	}
}

// runStreamingIteration performs one provider stream pass including any
// mid-stream tool execution, honoring streaming recovery actions.
func (l *Loop) runStreamingIteration(ctx context.Context, req *protocol.ChatRequest, state *State, manager *IterationManager, machine *streaming.Machine) (streaming.Result, error) {
	retried := false
	for {
		iterCtx, cancel := l.iterationContext(ctx, manager)
		result, err := l.streamOnce(iterCtx, req, state, machine)
		cancel()
		if err == nil {
			return result, nil
		}

		var integration *streaming.IntegrationError
		if !errors.As(err, &integration) {
			return streaming.Result{}, err
		}

		switch integration.Recovery {
		case streaming.RecoveryRetry:
			if retried {
				return streaming.Result{}, integration
			}
			retried = true
			continue

		case streaming.RecoveryFallback:
			return l.fallbackNonStreaming(ctx, req, state)

		case streaming.RecoveryContinue:
			return result, nil

		default:
			return streaming.Result{}, integration
		}
	}
}

// streamOnce opens one provider stream, drives it through the machine,
// and runs tools when the stream pauses.
func (l *Loop) streamOnce(ctx context.Context, req *protocol.ChatRequest, state *State, machine *streaming.Machine) (streaming.Result, error) {
	events, err := l.openStream(ctx, req, state)
	if err != nil {
		return streaming.Result{}, err
	}

	result := machine.HandleStream(ctx, events)
	state.StreamingState = string(machine.State())
	if !result.Success {
		return result, result.Err
	}

	if result.State != streaming.StatePaused {
		state.LastResponse = nil
		state.AppendAssistant(assistantFromStream(result, nil))
		return result, nil
	}

	calls := result.DetectedToolCalls
	if err := machine.PauseForToolExecution(calls); err != nil {
		return result, err
	}
	state.StreamingState = string(machine.State())

	state.LastResponse = nil
	state.AppendAssistant(assistantFromStream(result, calls))

	if err := l.runTools(ctx, req, state, calls); err != nil {
		return result, streaming.NewToolExecutionError(machine.State(), calls, false, err)
	}

	if err := machine.ResumeAfterToolExecution(state.Results); err != nil {
		return result, err
	}
	state.StreamingState = string(machine.State())
	return result, nil
}

// fallbackNonStreaming replays the current turn without streaming. The
// assistant content is emitted later through the final delta.
func (l *Loop) fallbackNonStreaming(ctx context.Context, req *protocol.ChatRequest, state *State) (streaming.Result, error) {
	resp, err := l.fetchResponse(ctx, req, state)
	if err != nil {
		return streaming.Result{}, err
	}
	state.LastResponse = resp
	calls := state.AppendAssistant(resp.Message)
	if len(calls) > 0 {
		if err := l.runTools(ctx, req, state, calls); err != nil {
			return streaming.Result{}, err
		}
	}
	return streaming.Result{
		State:   streaming.StateIdle,
		Content: protocol.ExtractText(resp.Message),
		Success: true,
	}, nil
}

// openStream performs the streaming provider exchange and hands the body
// to the plugin's parser.
func (l *Loop) openStream(ctx context.Context, req *protocol.ChatRequest, state *State) (<-chan llms.StreamEvent, error) {
	iterReq := *req
	iterReq.Messages = state.Messages
	iterReq.Stream = true

	wireReq, err := l.plugin.TranslateRequest(&iterReq, l.caps, state.ConversationContext())
	if err != nil {
		return nil, err
	}

	resp, err := l.transport.Stream(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, l.plugin.NormalizeError(resp.StatusCode, body, resp.Header)
	}
	return l.plugin.ParseStream(ctx, resp.Body), nil
}

// finalDelta is the single finished delta of the whole sequence. The
// provider's own terminal delta is preferred; otherwise one is
// synthesized from the loop outcome.
func (l *Loop) finalDelta(held *protocol.StreamDelta, state *State) protocol.StreamDelta {
	if held != nil {
		if held.Metadata == nil {
			held.Metadata = map[string]interface{}{}
		}
		held.Metadata["terminationReason"] = string(state.TerminationReason)
		return *held
	}
	return protocol.StreamDelta{
		ID:       "final-" + uuid.NewString(),
		Delta:    protocol.Message{Role: protocol.RoleAssistant},
		Finished: true,
		Metadata: map[string]interface{}{
			"terminationReason": string(state.TerminationReason),
		},
	}
}

// assistantFromStream reconstructs the assistant message a stream pass
// produced: buffered text plus any detected tool calls.
func assistantFromStream(result streaming.Result, calls []protocol.ToolCall) protocol.Message {
	msg := protocol.Message{Role: protocol.RoleAssistant, Timestamp: time.Now()}
	if result.Content != "" {
		msg.Content = append(msg.Content, protocol.ContentPart{
			Type: protocol.ContentPartTypeText,
			Text: result.Content,
		})
	}
	for i := range calls {
		msg.Content = append(msg.Content, protocol.ContentPart{
			Type:    protocol.ContentPartTypeToolUse,
			ToolUse: &calls[i],
		})
	}
	return msg
}

func emitDelta(ctx context.Context, out chan<- llms.StreamEvent, delta protocol.StreamDelta) {
	select {
	case out <- llms.StreamEvent{Delta: &delta}:
	case <-ctx.Done():
	}
}
