package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/idgen"
	"github.com/turbine-ai/turbine/internal/reactor"
	"github.com/turbine-ai/turbine/internal/store"
	"github.com/turbine-ai/turbine/internal/stream"
	"github.com/turbine-ai/turbine/internal/transition"
)

// React runs one full turn: trigger in, terminal execution out. The
// environment is an explicit parameter on every call; nothing is read
// from a global.
func (e *Engine) React(ctx context.Context, env reactor.Environment, trigger TriggerEvent) (*TurnResult, error) {
	if trigger.ThreadKey == "" {
		return nil, fmt.Errorf("trigger thread key is required")
	}

	init, err := e.store.InitializeContext(ctx, store.InitializeContextParams{
		ThreadKey:    trigger.ThreadKey,
		ContextID:    trigger.ContextID,
		ContextKey:   trigger.ContextKey,
		NewThreadID:  idgen.ThreadID(),
		NewContextID: idgen.ContextID(),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize context: %w", err)
	}

	// One turn at a time per context.
	lock := e.contextLock(init.Context.ID)
	lock.Lock()
	defer lock.Unlock()

	threadEvt := stream.EventThreadResolved
	if init.ThreadCreated {
		threadEvt = stream.EventThreadCreated
	}
	evt := stream.NewEvent(threadEvt)
	evt.ThreadID = init.Thread.ID
	if err := e.emit(ctx, evt); err != nil {
		return nil, err
	}
	contextEvt := stream.EventContextResolved
	if init.ContextCreated {
		contextEvt = stream.EventContextCreated
	}
	evt = stream.NewEvent(contextEvt)
	evt.ContextID = init.Context.ID
	evt.ThreadID = init.Thread.ID
	if err := e.emit(ctx, evt); err != nil {
		return nil, err
	}

	history, err := e.loadHistory(ctx, init.Thread.ID)
	if err != nil {
		return nil, err
	}

	triggerItem := store.Item{
		ID:       idgen.ItemID(),
		ThreadID: init.Thread.ID,
		Type:     store.ItemTypeInput,
		Channel:  trigger.Channel,
		Status:   transition.ItemStored,
		Parts:    triggerParts(trigger),
	}
	execID := idgen.ExecutionID()
	exec, err := e.store.SaveTriggerAndCreateExecution(ctx, store.SaveTriggerParams{
		ExecutionID: execID,
		ThreadID:    init.Thread.ID,
		ContextID:   init.Context.ID,
		Trigger:     triggerItem,
	})
	if err != nil {
		return nil, fmt.Errorf("save trigger: %w", err)
	}
	triggerItem.ExecutionID = exec.ID

	evt = stream.NewEvent(stream.EventItemCreated)
	evt.ItemID = triggerItem.ID
	evt.ExecutionID = exec.ID
	if err := e.emit(ctx, evt); err != nil {
		return nil, e.failTurn(ctx, "", exec.ID, err)
	}
	evt = stream.NewEvent(stream.EventThreadStreamingStarted)
	evt.ThreadID = init.Thread.ID
	evt.From, evt.To = transition.ThreadIdle, transition.ThreadStreaming
	if err := e.emit(ctx, evt); err != nil {
		return nil, e.failTurn(ctx, "", exec.ID, err)
	}
	evt = stream.NewEvent(stream.EventExecutionCreated)
	evt.ExecutionID = exec.ID
	evt.ContextID = init.Context.ID
	if err := e.emit(ctx, evt); err != nil {
		return nil, e.failTurn(ctx, "", exec.ID, err)
	}

	return e.iterate(ctx, env, trigger, init, triggerItem, exec, history)
}

// iterate runs the bounded iteration loop for one open execution.
func (e *Engine) iterate(
	ctx context.Context,
	env reactor.Environment,
	trigger TriggerEvent,
	init store.InitializedContext,
	triggerItem store.Item,
	exec store.Execution,
	history []reactor.Message,
) (*TurnResult, error) {
	cctx := init.Context
	var reaction store.Item

	// The start lifecycle chunk is emitted once per turn, never once per
	// iteration.
	if err := e.emitChunk(ctx, cctx.ID, stream.Chunk{Type: stream.ChunkStart}, trigger.Silent); err != nil {
		return nil, e.failTurn(ctx, "", exec.ID, err)
	}

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		step := store.Step{
			ID:          idgen.StepID(),
			ExecutionID: exec.ID,
			Iteration:   iteration,
			Status:      transition.StepRunning,
			Kind:        store.StepKindMessage,
		}
		if err := e.store.CreateStep(ctx, step); err != nil {
			return nil, e.failTurn(ctx, "", exec.ID, fmt.Errorf("create step: %w", err))
		}
		evt := stream.NewEvent(stream.EventStepCreated)
		evt.StepID = step.ID
		evt.ExecutionID = exec.ID
		if err := e.emit(ctx, evt); err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, err)
		}
		if err := e.emitChunk(ctx, cctx.ID, stream.Chunk{Type: stream.ChunkStartStep}, trigger.Silent); err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, err)
		}

		content, err := e.hooks.ContentBuilder(ctx, env, cctx, triggerItem, iteration)
		if err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, fmt.Errorf("build context content: %w", err))
		}
		if err := e.store.UpdateContextContent(ctx, cctx.ID, content); err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, fmt.Errorf("persist context content: %w", err))
		}
		cctx.Content = content
		evt = stream.NewEvent(stream.EventContextContentUpdated)
		evt.ContextID = cctx.ID
		if err := e.emit(ctx, evt); err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, err)
		}

		defs := e.hooks.AvailableActions(env, cctx)
		promptText := e.hooks.SystemPrompt(env, cctx, defs)

		resp, err := e.reactor.React(ctx, reactor.Request{
			Env:       env,
			Context:   cctx,
			Trigger:   triggerItem,
			Prompt:    promptText,
			History:   history,
			Actions:   defs,
			Iteration: iteration,
			MaxSteps:  e.maxIterations,
			Sink:      e.sink,
			Sequencer: e.seq,
			Silent:    trigger.Silent,
		})
		if err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, fmt.Errorf("reactor iteration %d: %w", iteration, err))
		}

		parts := make([]store.Part, 0, len(resp.Fragment.Parts))
		for i, p := range resp.Fragment.Parts {
			parts = append(parts, store.NewPart(step.ID, i, p.Type, p.Payload))
		}
		if err := e.savePartsAndAnnounce(ctx, step.ID, parts); err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, err)
		}

		if reaction.ID == "" {
			reaction = store.Item{
				ID:          idgen.ItemID(),
				ThreadID:    init.Thread.ID,
				ExecutionID: exec.ID,
				Type:        store.ItemTypeOutput,
				Channel:     trigger.Channel,
				Status:      transition.ItemPending,
				Parts:       parts,
			}
			if err := e.store.SaveReactionItem(ctx, reaction); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, fmt.Errorf("save reaction item: %w", err))
			}
			evt = stream.NewEvent(stream.EventItemCreated)
			evt.ItemID = reaction.ID
			evt.ExecutionID = exec.ID
			if err := e.emit(ctx, evt); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, err)
			}
		} else if len(parts) > 0 {
			reaction.Parts = append(reaction.Parts, parts...)
			if err := e.store.SaveReactionItem(ctx, reaction); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, fmt.Errorf("append reaction item: %w", err))
			}
			evt = stream.NewEvent(stream.EventItemUpdated)
			evt.ItemID = reaction.ID
			if err := e.emit(ctx, evt); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, err)
			}
		}

		kind := store.StepKindMessage
		if len(resp.Actions) > 0 {
			kind = store.StepKindActionExecute
		}
		if err := e.store.UpdateStep(ctx, store.UpdateStepParams{StepID: step.ID, Kind: kind}); err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, fmt.Errorf("update step kind: %w", err))
		}
		evt = stream.NewEvent(stream.EventStepUpdated)
		evt.StepID = step.ID
		if err := e.emit(ctx, evt); err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, err)
		}

		if len(resp.Actions) == 0 && e.hooks.OnEnd(reaction, iteration) {
			if err := e.completeStep(ctx, step.ID); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, err)
			}
			if err := e.emitChunk(ctx, cctx.ID, stream.Chunk{Type: stream.ChunkFinishStep}, trigger.Silent); err != nil {
				return nil, e.failTurn(ctx, "", exec.ID, err)
			}
			return e.finalize(ctx, init, exec, triggerItem, reaction, trigger.Silent)
		}

		results := e.executor.ExecuteAll(ctx, exec.ID, resp.Actions)

		resultParts := make([]store.Part, 0, len(results))
		for j, res := range results {
			state := "output-available"
			chunkType := stream.ChunkActionOutputAvailable
			payload := map[string]any{
				"ref":   res.Ref,
				"name":  res.Name,
				"state": state,
			}
			if res.Success {
				payload["output"] = res.Output
			} else {
				payload["state"] = "output-error"
				payload["error_text"] = res.ErrorText
				chunkType = stream.ChunkActionOutputError
			}
			resultParts = append(resultParts, store.NewPart(step.ID, len(parts)+j, "action_result", payload))
			if err := e.emitChunk(ctx, cctx.ID, stream.Chunk{
				Type:       chunkType,
				ActionRef:  res.Ref,
				ActionName: res.Name,
			}, trigger.Silent); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, err)
			}
		}
		if len(resultParts) > 0 {
			if err := e.savePartsAndAnnounce(ctx, step.ID, resultParts); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, err)
			}
			reaction.Parts = append(reaction.Parts, resultParts...)
			if err := e.store.SaveReactionItem(ctx, reaction); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, fmt.Errorf("merge action results: %w", err))
			}
			evt = stream.NewEvent(stream.EventItemUpdated)
			evt.ItemID = reaction.ID
			if err := e.emit(ctx, evt); err != nil {
				return nil, e.failTurn(ctx, step.ID, exec.ID, err)
			}
		}

		history = appendHistory(history, resp, results)

		cont := e.hooks.Continue(ContinueInput{
			Reaction:  reaction,
			Fragment:  resp.Fragment,
			Requests:  resp.Actions,
			Results:   results,
			Iteration: iteration,
		})

		finalKind := kind
		if len(results) > 0 {
			finalKind = store.StepKindActionResult
		}
		if err := e.store.UpdateStep(ctx, store.UpdateStepParams{
			StepID: step.ID,
			Status: transition.StepCompleted,
			Kind:   finalKind,
		}); err != nil {
			return nil, e.failTurn(ctx, step.ID, exec.ID, fmt.Errorf("complete step: %w", err))
		}
		evt = stream.NewEvent(stream.EventStepCompleted)
		evt.StepID = step.ID
		evt.From, evt.To = transition.StepRunning, transition.StepCompleted
		if err := e.emit(ctx, evt); err != nil {
			return nil, e.failTurn(ctx, "", exec.ID, err)
		}
		if err := e.emitChunk(ctx, cctx.ID, stream.Chunk{Type: stream.ChunkFinishStep}, trigger.Silent); err != nil {
			return nil, e.failTurn(ctx, "", exec.ID, err)
		}

		if !cont {
			return e.finalize(ctx, init, exec, triggerItem, reaction, trigger.Silent)
		}
	}

	err := fmt.Errorf("%w: %d iterations", ErrIterationBudget, e.maxIterations)
	return nil, e.failTurn(ctx, "", exec.ID, err)
}

// finalize persists the terminal state of a successful turn and closes
// the sink unless it is shared.
func (e *Engine) finalize(
	ctx context.Context,
	init store.InitializedContext,
	exec store.Execution,
	triggerItem store.Item,
	reaction store.Item,
	silent bool,
) (*TurnResult, error) {
	if err := e.store.UpdateItem(ctx, store.UpdateItemParams{
		ItemID: reaction.ID,
		Status: transition.ItemCompleted,
	}); err != nil {
		return nil, e.failTurn(ctx, "", exec.ID, fmt.Errorf("complete reaction item: %w", err))
	}
	evt := stream.NewEvent(stream.EventItemCompleted)
	evt.ItemID = reaction.ID
	evt.From, evt.To = transition.ItemPending, transition.ItemCompleted
	if err := e.emit(ctx, evt); err != nil {
		return nil, e.failTurn(ctx, "", exec.ID, err)
	}

	if err := e.store.CompleteExecution(ctx, store.CompleteExecutionParams{
		ExecutionID: exec.ID,
		Status:      transition.ExecutionCompleted,
	}); err != nil {
		return nil, e.failTurn(ctx, "", exec.ID, fmt.Errorf("complete execution: %w", err))
	}

	evt = stream.NewEvent(stream.EventExecutionCompleted)
	evt.ExecutionID = exec.ID
	evt.From, evt.To = transition.ExecutionExecuting, transition.ExecutionCompleted
	_ = e.emit(ctx, evt)
	evt = stream.NewEvent(stream.EventContextClosed)
	evt.ContextID = init.Context.ID
	evt.From, evt.To = transition.ContextOpen, transition.ContextClosed
	_ = e.emit(ctx, evt)
	evt = stream.NewEvent(stream.EventThreadIdle)
	evt.ThreadID = init.Thread.ID
	evt.From, evt.To = transition.ThreadStreaming, transition.ThreadIdle
	_ = e.emit(ctx, evt)

	_ = e.emitChunk(ctx, init.Context.ID, stream.Chunk{Type: stream.ChunkFinish}, silent)

	if !e.keepSinkOpen && e.sink != nil {
		if err := e.sink.Close(ctx); err != nil {
			return nil, fmt.Errorf("close sink: %w", err)
		}
	}

	return &TurnResult{
		ContextID:      init.Context.ID,
		ExecutionID:    exec.ID,
		TriggerItemID:  triggerItem.ID,
		ReactionItemID: reaction.ID,
	}, nil
}

// failTurn best-effort persists the failure and re-raises cause.
// Secondary failures during this bookkeeping are swallowed so the root
// error is never masked.
func (e *Engine) failTurn(ctx context.Context, stepID, execID string, cause error) error {
	if stepID != "" {
		_ = e.store.UpdateStep(ctx, store.UpdateStepParams{
			StepID: stepID,
			Status: transition.StepFailed,
			Error:  cause.Error(),
		})
		evt := stream.NewEvent(stream.EventStepFailed)
		evt.StepID = stepID
		evt.From, evt.To = transition.StepRunning, transition.StepFailed
		_ = e.emit(ctx, evt)
	}
	_ = e.store.CompleteExecution(ctx, store.CompleteExecutionParams{
		ExecutionID: execID,
		Status:      transition.ExecutionFailed,
		Error:       cause.Error(),
	})
	evt := stream.NewEvent(stream.EventExecutionFailed)
	evt.ExecutionID = execID
	evt.From, evt.To = transition.ExecutionExecuting, transition.ExecutionFailed
	_ = e.emit(ctx, evt)

	if !e.keepSinkOpen && e.sink != nil {
		_ = e.sink.Close(ctx)
	}
	return cause
}

func (e *Engine) completeStep(ctx context.Context, stepID string) error {
	if err := e.store.UpdateStep(ctx, store.UpdateStepParams{
		StepID: stepID,
		Status: transition.StepCompleted,
	}); err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	evt := stream.NewEvent(stream.EventStepCompleted)
	evt.StepID = stepID
	evt.From, evt.To = transition.StepRunning, transition.StepCompleted
	return e.emit(ctx, evt)
}

// savePartsAndAnnounce persists step parts and emits one part.created
// per part with a bounded, redacted preview.
func (e *Engine) savePartsAndAnnounce(ctx context.Context, stepID string, parts []store.Part) error {
	if len(parts) == 0 {
		return nil
	}
	if err := e.store.SaveStepParts(ctx, stepID, parts); err != nil {
		return fmt.Errorf("save step parts: %w", err)
	}
	for _, p := range parts {
		evt := stream.NewEvent(stream.EventPartCreated)
		evt.PartKey = p.Key
		evt.StepID = stepID
		evt.Preview = stream.PayloadPreview(p.Payload)
		if err := e.emit(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) loadHistory(ctx context.Context, threadID string) ([]reactor.Message, error) {
	hs, ok := e.store.(historyStore)
	if !ok {
		return nil, nil
	}
	items, err := hs.ListThreadItems(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var history []reactor.Message
	for _, item := range items {
		text := reactor.TriggerText(item)
		if text == "" {
			continue
		}
		role := reactor.RoleUser
		if item.Type == store.ItemTypeOutput {
			role = reactor.RoleAssistant
		}
		history = append(history, reactor.Message{Role: role, Text: text})
	}
	return history, nil
}

// appendHistory extends the in-turn conversation with the iteration's
// assistant output and action results so the next iteration sees them.
func appendHistory(history []reactor.Message, resp *reactor.Response, results []action.Result) []reactor.Message {
	var text string
	for _, p := range resp.Fragment.Parts {
		if p.Type != "text" {
			continue
		}
		if s, ok := p.Payload["text"].(string); ok && s != "" {
			if text != "" {
				text += "\n"
			}
			text += s
		}
	}
	if text != "" {
		history = append(history, reactor.Message{Role: reactor.RoleAssistant, Text: text})
	}
	for _, res := range results {
		data, err := json.Marshal(res)
		if err != nil {
			continue
		}
		history = append(history, reactor.Message{Role: reactor.RoleTool, Text: string(data)})
	}
	return history
}

func triggerParts(trigger TriggerEvent) []store.Part {
	if len(trigger.Parts) > 0 {
		return trigger.Parts
	}
	if trigger.Text == "" {
		return nil
	}
	return []store.Part{store.NewPart("trigger", 0, "text", map[string]any{"text": trigger.Text})}
}
