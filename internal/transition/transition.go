// Package transition is the single source of truth for legal status
// transitions of the engine's persisted entities. Every component that
// moves an entity between statuses calls Assert instead of re-deriving
// legality on its own.
package transition

import (
	"errors"
	"fmt"
)

// Kind identifies one of the five persisted entity kinds.
type Kind string

const (
	KindThread    Kind = "thread"
	KindContext   Kind = "context"
	KindExecution Kind = "execution"
	KindStep      Kind = "step"
	KindItem      Kind = "item"
)

// Thread statuses.
const (
	ThreadIdle      = "idle"
	ThreadStreaming = "streaming"
)

// Context statuses.
const (
	ContextOpen   = "open"
	ContextClosed = "closed"
)

// Execution statuses.
const (
	ExecutionExecuting = "executing"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// Step statuses.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Item statuses.
const (
	ItemStored    = "stored"
	ItemPending   = "pending"
	ItemCompleted = "completed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError reports an attempted status change that is not in
// the transition table for its entity kind.
type InvalidTransitionError struct {
	Kind Kind
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition: %s -> %s", e.Kind, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type pair struct{ from, to string }

// tables holds the complete set of legal transitions per entity kind.
var tables = map[Kind]map[pair]struct{}{
	KindThread: {
		{ThreadIdle, ThreadStreaming}: {},
		{ThreadStreaming, ThreadIdle}: {},
	},
	KindContext: {
		{ContextOpen, ContextClosed}: {},
		{ContextClosed, ContextOpen}: {},
	},
	KindExecution: {
		{ExecutionExecuting, ExecutionCompleted}: {},
		{ExecutionExecuting, ExecutionFailed}:    {},
	},
	KindStep: {
		{StepRunning, StepCompleted}: {},
		{StepRunning, StepFailed}:    {},
	},
	KindItem: {
		{ItemStored, ItemPending}:    {},
		{ItemStored, ItemCompleted}:  {},
		{ItemPending, ItemCompleted}: {},
	},
}

// Kinds lists every entity kind with a transition table.
func Kinds() []Kind {
	return []Kind{KindThread, KindContext, KindExecution, KindStep, KindItem}
}

// Statuses returns every status that appears in the table for kind.
func Statuses(kind Kind) []string {
	seen := map[string]struct{}{}
	var out []string
	for p := range tables[kind] {
		for _, s := range []string{p.from, p.to} {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	return out
}

// Can reports whether the transition from -> to is legal for kind.
func Can(kind Kind, from, to string) bool {
	table, ok := tables[kind]
	if !ok {
		return false
	}
	_, ok = table[pair{from, to}]
	return ok
}

// Assert returns a typed error when the transition from -> to is not in the
// table for kind, and nil when it is.
func Assert(kind Kind, from, to string) error {
	if Can(kind, from, to) {
		return nil
	}
	return &InvalidTransitionError{Kind: kind, From: from, To: to}
}
