package reactor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/stream"
)

const (
	oaiFinishReasonStop          = "stop"
	oaiFinishReasonToolCalls     = "tool_calls"
	oaiFinishReasonFunctionCall  = "function_call"
	oaiFinishReasonLength        = "length"
	oaiFinishReasonContentFilter = "content_filter"
)

// OpenAI is the live reactor. It streams one chat completion per
// iteration, normalizes provider chunks into the canonical taxonomy,
// and surfaces tool calls as action requests.
type OpenAI struct {
	Client *openai.Client
	Model  string
}

var _ Reactor = (*OpenAI)(nil)

func (o *OpenAI) React(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    o.Model,
		Messages: o.buildMessages(req),
	}
	for _, def := range req.Actions {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: param.NewOpt(def.Description),
				Parameters:  convFunctionParameters(def),
			},
		})
	}

	return o.pull(ctx, req, params)
}

func (o *OpenAI) buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.Prompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.Prompt))
	}
	for _, m := range req.History {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Text))
		default:
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}
	if req.Iteration == 0 {
		if text := TriggerText(req.Trigger); text != "" {
			msgs = append(msgs, openai.UserMessage(text))
		}
	}
	return msgs
}

// runningToolCall accumulates one streamed tool call; chunks carry the
// id only on the first delta.
type runningToolCall struct {
	id   string
	name string
	args string
}

func (o *OpenAI) pull(ctx context.Context, req Request, params openai.ChatCompletionNewParams) (*Response, error) {
	st := o.Client.Chat.Completions.NewStreaming(ctx, params)
	resp := &Response{Messages: promptMessages(req)}

	var (
		text      string
		textOpen  bool
		running   *runningToolCall
		completed []runningToolCall
		index     int64
	)

	commitTool := func() {
		if running == nil {
			return
		}
		completed = append(completed, *running)
		running = nil
	}

	emit := func(rawType, delta string) error {
		return EmitRaw(ctx, req, rawType, delta)
	}

	finish := func(usage openai.CompletionUsage) {
		if usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
			resp.Usage = &Usage{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
			}
		}
	}

	for st.Next() {
		chunk := st.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		sel := selectChoice(&chunk, &index)
		if sel == nil {
			continue
		}

		if s := sel.Delta.Content; s != "" {
			if !textOpen {
				textOpen = true
				if err := emit("text-start", ""); err != nil {
					return nil, err
				}
			}
			text += s
			if err := emit("text-delta", s); err != nil {
				return nil, err
			}
		}

		for _, t := range sel.Delta.ToolCalls {
			if running == nil {
				if t.ID == "" {
					continue
				}
				running = &runningToolCall{id: t.ID}
				if err := emit("tool-input-start", ""); err != nil {
					return nil, err
				}
			} else if t.ID != "" && t.ID != running.id {
				commitTool()
				running = &runningToolCall{id: t.ID}
				if err := emit("tool-input-start", ""); err != nil {
					return nil, err
				}
			}
			running.name += t.Function.Name
			if t.Function.Arguments != "" {
				running.args += t.Function.Arguments
				if err := emit("tool-input-delta", t.Function.Arguments); err != nil {
					return nil, err
				}
			}
		}

		switch sel.FinishReason {
		case oaiFinishReasonToolCalls, oaiFinishReasonFunctionCall,
			oaiFinishReasonStop, oaiFinishReasonLength:
			commitTool()
			finish(chunk.Usage)
		case oaiFinishReasonContentFilter:
			return nil, fmt.Errorf("completion blocked: %s", sel.Delta.Refusal)
		}
	}
	if err := st.Err(); err != nil {
		return nil, fmt.Errorf("stream completion: %w", err)
	}
	commitTool()

	if textOpen {
		if err := emit("text-end", ""); err != nil {
			return nil, err
		}
	}

	if text != "" {
		resp.Fragment.Parts = append(resp.Fragment.Parts, FragmentPart{
			Type:    "text",
			Payload: map[string]any{"text": text},
		})
	}
	for _, tc := range completed {
		input, err := decodeToolArgs(tc.args)
		if err != nil {
			return nil, fmt.Errorf("tool call %s arguments: %w", tc.id, err)
		}
		if err := Emit(ctx, req, stream.Chunk{
			Type:       stream.MapProducerChunk("tool-input-available"),
			RawType:    "tool-input-available",
			ActionRef:  tc.id,
			ActionName: tc.name,
		}); err != nil {
			return nil, err
		}
		resp.Fragment.Parts = append(resp.Fragment.Parts, FragmentPart{
			Type: "action_call",
			Payload: map[string]any{
				"ref":   tc.id,
				"name":  tc.name,
				"input": input,
			},
		})
		resp.Actions = append(resp.Actions, action.Request{
			Ref:   tc.id,
			Name:  tc.name,
			Input: input,
		})
	}
	return resp, nil
}

func selectChoice(chunk *openai.ChatCompletionChunk, index *int64) *openai.ChatCompletionChunkChoice {
	if *index == 0 {
		*index = chunk.Choices[0].Index
		return &chunk.Choices[0]
	}
	for i := range chunk.Choices {
		if chunk.Choices[i].Index == *index {
			return &chunk.Choices[i]
		}
	}
	return nil
}

// decodeToolArgs unmarshals streamed tool-call arguments, repairing
// truncated or otherwise malformed JSON before giving up.
func decodeToolArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	err := json.Unmarshal([]byte(raw), &m)
	if err == nil {
		return m, nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, err
		}
		if json.Unmarshal([]byte(fixed), &m) == nil {
			return m, nil
		}
	}
	return nil, err
}

func promptMessages(req Request) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	if req.Prompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Text: req.Prompt})
	}
	msgs = append(msgs, req.History...)
	if req.Iteration == 0 {
		if text := TriggerText(req.Trigger); text != "" {
			msgs = append(msgs, Message{Role: RoleUser, Text: text})
		}
	}
	return msgs
}

func convFunctionParameters(def action.Definition) openai.FunctionParameters {
	if def.InputSchema == nil {
		return nil
	}
	b, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil
	}
	var m openai.FunctionParameters
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
