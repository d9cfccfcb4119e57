// Package stream defines the engine's wire event taxonomy, the codec that
// validates inbound event records, the canonical chunk vocabulary that
// producer-specific stream chunks are normalized into, and the sink
// contract events are emitted through.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType is the closed set of wire event types. Lifecycle events carry
// an entity prefix; raw chunk passthrough uses the "chunk." prefix.
type EventType string

const (
	EventContextCreated        EventType = "context.created"
	EventContextResolved       EventType = "context.resolved"
	EventContextContentUpdated EventType = "context.content_updated"
	EventContextClosed         EventType = "context.closed"

	EventThreadCreated          EventType = "thread.created"
	EventThreadResolved         EventType = "thread.resolved"
	EventThreadStreamingStarted EventType = "thread.streaming_started"
	EventThreadIdle             EventType = "thread.idle"

	EventExecutionCreated   EventType = "execution.created"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"

	EventItemCreated   EventType = "item.created"
	EventItemUpdated   EventType = "item.updated"
	EventItemCompleted EventType = "item.completed"

	EventStepCreated   EventType = "step.created"
	EventStepUpdated   EventType = "step.updated"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"

	EventPartCreated EventType = "part.created"
	EventPartUpdated EventType = "part.updated"

	EventChunkEmitted EventType = "chunk.emitted"
)

// Types lists every wire event type in the taxonomy.
func Types() []EventType {
	out := make([]EventType, 0, len(shapes))
	for t := range shapes {
		out = append(out, t)
	}
	return out
}

// Event is one observable record of a state change or chunk. Events are
// ephemeral: they are emitted to the sink, never persisted.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`

	ContextID   string `json:"context_id,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	ItemID      string `json:"item_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	PartKey     string `json:"part_key,omitempty"`

	// From/To tag transition-bearing events so a timeline checker can
	// verify them against the transition tables.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Preview is a bounded, redacted excerpt of a part payload.
	Preview string `json:"preview,omitempty"`

	Chunk *Chunk `json:"chunk,omitempty"`
}

// NewEvent mints an event with a fresh ULID and the current time.
func NewEvent(t EventType) Event {
	return Event{ID: ulid.Make().String(), Type: t, Timestamp: time.Now().UTC()}
}

// ChunkEvent wraps a canonical chunk in a chunk.emitted record for one
// context's stream.
func ChunkEvent(contextID string, c Chunk) Event {
	evt := NewEvent(EventChunkEmitted)
	evt.ContextID = contextID
	evt.Chunk = &c
	return evt
}

// ParseError reports a malformed inbound event record. Field names the
// offending field when one is known.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse event: %s", e.Reason)
	}
	return fmt.Sprintf("parse event: field %q: %s", e.Field, e.Reason)
}

type shape struct {
	required []string
	chunk    bool
}

// shapes is the required-field schema per event type. Every shape also
// requires id, type, and ts.
var shapes = map[EventType]shape{
	EventContextCreated:        {required: []string{"context_id"}},
	EventContextResolved:       {required: []string{"context_id"}},
	EventContextContentUpdated: {required: []string{"context_id"}},
	EventContextClosed:         {required: []string{"context_id"}},

	EventThreadCreated:          {required: []string{"thread_id"}},
	EventThreadResolved:         {required: []string{"thread_id"}},
	EventThreadStreamingStarted: {required: []string{"thread_id"}},
	EventThreadIdle:             {required: []string{"thread_id"}},

	EventExecutionCreated:   {required: []string{"execution_id", "context_id"}},
	EventExecutionCompleted: {required: []string{"execution_id"}},
	EventExecutionFailed:    {required: []string{"execution_id"}},

	EventItemCreated:   {required: []string{"item_id", "execution_id"}},
	EventItemUpdated:   {required: []string{"item_id"}},
	EventItemCompleted: {required: []string{"item_id"}},

	EventStepCreated:   {required: []string{"step_id", "execution_id"}},
	EventStepUpdated:   {required: []string{"step_id"}},
	EventStepCompleted: {required: []string{"step_id"}},
	EventStepFailed:    {required: []string{"step_id"}},

	EventPartCreated: {required: []string{"part_key", "step_id"}},
	EventPartUpdated: {required: []string{"part_key", "step_id"}},

	EventChunkEmitted: {required: []string{"context_id"}, chunk: true},
}

func entityField(record map[string]any, field string, required bool) (string, error) {
	raw, ok := record[field]
	if !ok {
		if required {
			return "", &ParseError{Field: field, Reason: "missing required field"}
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &ParseError{Field: field, Reason: fmt.Sprintf("expected string, got %T", raw)}
	}
	if required && s == "" {
		return "", &ParseError{Field: field, Reason: "missing required field"}
	}
	return s, nil
}

// ParseEvent validates an untyped JSON record against the closed taxonomy
// and returns the typed event. Unknown types and missing or ill-typed
// required fields are fatal parse errors.
func ParseEvent(data []byte) (Event, error) {
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return Event{}, &ParseError{Reason: err.Error()}
	}

	typeStr, err := entityField(record, "type", true)
	if err != nil {
		return Event{}, err
	}
	sh, ok := shapes[EventType(typeStr)]
	if !ok {
		return Event{}, &ParseError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", typeStr)}
	}

	evt := Event{Type: EventType(typeStr)}
	if evt.ID, err = entityField(record, "id", true); err != nil {
		return Event{}, err
	}
	tsStr, err := entityField(record, "ts", true)
	if err != nil {
		return Event{}, err
	}
	ts, tsErr := time.Parse(time.RFC3339Nano, tsStr)
	if tsErr != nil {
		return Event{}, &ParseError{Field: "ts", Reason: tsErr.Error()}
	}
	evt.Timestamp = ts

	required := map[string]bool{}
	for _, f := range sh.required {
		required[f] = true
	}
	fields := map[string]*string{
		"context_id":   &evt.ContextID,
		"thread_id":    &evt.ThreadID,
		"execution_id": &evt.ExecutionID,
		"item_id":      &evt.ItemID,
		"step_id":      &evt.StepID,
		"part_key":     &evt.PartKey,
		"from":         &evt.From,
		"to":           &evt.To,
		"preview":      &evt.Preview,
	}
	for name, dst := range fields {
		v, err := entityField(record, name, required[name])
		if err != nil {
			return Event{}, err
		}
		*dst = v
	}

	if sh.chunk {
		raw, ok := record["chunk"]
		if !ok {
			return Event{}, &ParseError{Field: "chunk", Reason: "missing required field"}
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return Event{}, &ParseError{Field: "chunk", Reason: fmt.Sprintf("expected object, got %T", raw)}
		}
		chunk, err := parseChunk(obj)
		if err != nil {
			return Event{}, err
		}
		evt.Chunk = chunk
	}

	return evt, nil
}

func parseChunk(obj map[string]any) (*Chunk, error) {
	typeStr, err := entityField(obj, "type", true)
	if err != nil {
		return nil, &ParseError{Field: "chunk.type", Reason: "missing or ill-typed"}
	}
	if !KnownChunkType(ChunkType(typeStr)) {
		return nil, &ParseError{Field: "chunk.type", Reason: fmt.Sprintf("unknown chunk type %q", typeStr)}
	}
	seqRaw, ok := obj["sequence"]
	if !ok {
		return nil, &ParseError{Field: "chunk.sequence", Reason: "missing required field"}
	}
	seqNum, ok := seqRaw.(float64)
	if !ok || seqNum < 1 || seqNum != float64(int64(seqNum)) {
		return nil, &ParseError{Field: "chunk.sequence", Reason: "expected positive integer"}
	}
	chunk := &Chunk{Type: ChunkType(typeStr), Sequence: int64(seqNum)}
	if s, ok := obj["delta"].(string); ok {
		chunk.Delta = s
	}
	if s, ok := obj["action_ref"].(string); ok {
		chunk.ActionRef = s
	}
	if s, ok := obj["action_name"].(string); ok {
		chunk.ActionName = s
	}
	if s, ok := obj["raw_type"].(string); ok {
		chunk.RawType = s
	}
	return chunk, nil
}
