// Package store defines the persisted entity model and the narrow
// persistence interface the loop controller depends on, plus a sqlite
// reference implementation. Callers supply stable ids; every call is
// atomic at its stated granularity and safe to replay.
package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Thread is the durable conversation identity, one per external key.
type Thread struct {
	ID          string    `json:"id"`
	ExternalKey string    `json:"external_key"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Context is typed mutable state attached to a thread. Content is rewritten
// once per loop iteration by the content-builder hook.
type Context struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Key       string         `json:"key"`
	Status    string         `json:"status"`
	Content   map[string]any `json:"content,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Execution is one full turn from trigger to reaction.
type Execution struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	ContextID      string    `json:"context_id"`
	TriggerItemID  string    `json:"trigger_item_id"`
	ReactionItemID string    `json:"reaction_item_id,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Step is one loop iteration within an execution.
type Step struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Iteration   int       `json:"iteration"`
	Status      string    `json:"status"`
	Kind        string    `json:"kind"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step kinds.
const (
	StepKindMessage       = "message"
	StepKindActionExecute = "action_execute"
	StepKindActionResult  = "action_result"
)

// Item types.
const (
	ItemTypeInput  = "input"
	ItemTypeOutput = "output"
)

// Item is a conversational message unit. Exactly one reaction (output)
// item exists per execution; the trigger (input) item is immutable after
// creation.
type Item struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	ExecutionID string    `json:"execution_id"`
	Type        string    `json:"type"`
	Channel     string    `json:"channel,omitempty"`
	Status      string    `json:"status"`
	Parts       []Part    `json:"parts,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Part is one normalized content fragment produced by a step. Key must
// always equal "<stepID>:<index>"; a mismatch is a fatal input error and is
// never silently corrected.
type Part struct {
	Key     string         `json:"key"`
	StepID  string         `json:"step_id"`
	Index   int            `json:"index"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PartKey renders the canonical part key for a step and index.
func PartKey(stepID string, index int) string {
	return stepID + ":" + strconv.Itoa(index)
}

// NewPart constructs a part whose key satisfies the invariant.
func NewPart(stepID string, index int, partType string, payload map[string]any) Part {
	return Part{
		Key:     PartKey(stepID, index),
		StepID:  stepID,
		Index:   index,
		Type:    partType,
		Payload: payload,
	}
}

// ValidatePartKey rejects parts whose key does not equal stepID:index.
func ValidatePartKey(p Part) error {
	want := PartKey(p.StepID, p.Index)
	if p.Key != want {
		return fmt.Errorf("part key %q does not match %q", p.Key, want)
	}
	if p.StepID == "" || strings.Contains(p.StepID, ":") {
		return fmt.Errorf("part step id %q is invalid", p.StepID)
	}
	if p.Index < 0 {
		return fmt.Errorf("part index %d is negative", p.Index)
	}
	return nil
}
