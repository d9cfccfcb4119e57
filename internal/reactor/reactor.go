// Package reactor defines the contract for the pluggable reasoning unit
// behind the loop, plus the two reference implementations: a scripted
// reactor for tests and replay, and a live one backed by a chat model.
package reactor

import (
	"context"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/store"
	"github.com/turbine-ai/turbine/internal/stream"
)

// Environment identifies the run a turn belongs to. It is threaded
// explicitly through every call; nothing reads it from a global.
type Environment struct {
	Name  string
	Model string
	Vars  map[string]string
}

// Message is one prompt message, role plus flattened text.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Prompt message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Request carries everything the loop provides for one iteration.
type Request struct {
	Env       Environment
	Context   store.Context
	Trigger   store.Item
	Prompt    string
	History   []Message
	Actions   []action.Definition
	Iteration int
	MaxSteps  int

	// Sink and Sequencer let the reactor stream canonical chunks while
	// computing its result. Silent suppresses chunk emission entirely.
	Sink      stream.Sink
	Sequencer *stream.Sequencer
	Silent    bool
}

// FragmentPart is one ordered content fragment for the iteration. The
// loop assigns durable part keys; the reactor never sees step ids.
type FragmentPart struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Fragment is the iteration's item-shaped output.
type Fragment struct {
	Parts []FragmentPart `json:"parts"`
}

// Usage is an optional accounting summary for one reactor call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Response is the outcome of one reactor invocation. Actions are ordered
// as requested; refs are unique within the execution.
type Response struct {
	Fragment Fragment
	Actions  []action.Request
	Messages []Message
	Usage    *Usage
}

// Reactor turns context and prompt into an output fragment and action
// requests. Reactors may stream chunks through the request's sink; they
// never persist state. Only the loop controller persists.
type Reactor interface {
	React(ctx context.Context, req Request) (*Response, error)
}

// TriggerText flattens an item's text parts into one string.
func TriggerText(item store.Item) string {
	var out string
	for _, p := range item.Parts {
		if p.Type != "text" {
			continue
		}
		if text, ok := p.Payload["text"].(string); ok {
			if out != "" {
				out += "\n"
			}
			out += text
		}
	}
	return out
}

// Emit normalizes and writes one chunk to the request's sink with the
// next sequence number for the context. A nil sink or the silent flag
// makes it a no-op.
func Emit(ctx context.Context, req Request, c stream.Chunk) error {
	if req.Sink == nil || req.Silent || req.Sequencer == nil {
		return nil
	}
	c.Sequence = req.Sequencer.Next(req.Context.ID)
	return req.Sink.Write(ctx, stream.ChunkEvent(req.Context.ID, c))
}

// EmitRaw maps a producer chunk type string to the canonical taxonomy
// and emits it. Unknown producer strings still emit, in the unknown
// bucket, with a valid sequence number.
func EmitRaw(ctx context.Context, req Request, rawType, delta string) error {
	return Emit(ctx, req, stream.Chunk{
		Type:    stream.MapProducerChunk(rawType),
		RawType: rawType,
		Delta:   delta,
	})
}
