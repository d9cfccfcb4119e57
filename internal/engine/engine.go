// Package engine contains the loop controller: the turn state machine
// that drives a trigger event through reactor iterations, action
// execution, and persistence to a terminal execution state.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/prompt"
	"github.com/turbine-ai/turbine/internal/reactor"
	"github.com/turbine-ai/turbine/internal/store"
	"github.com/turbine-ai/turbine/internal/stream"
)

// ErrIterationBudget reports a turn that exhausted its iteration ceiling
// without reaching a terminal branch. The execution is left failed.
var ErrIterationBudget = errors.New("iteration budget exhausted")

const defaultMaxIterations = 8

// TriggerEvent is one inbound conversational event. ContextID or
// ContextKey select an existing context; otherwise a fresh one is
// created under the thread for ThreadKey.
type TriggerEvent struct {
	ThreadKey  string `json:"thread_key"`
	ContextID  string `json:"context_id,omitempty"`
	ContextKey string `json:"context_key,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Text       string `json:"text,omitempty"`

	// Parts overrides Text with a richer payload.
	Parts []store.Part `json:"parts,omitempty"`

	// Silent suppresses chunk emission for the whole turn.
	Silent bool `json:"silent,omitempty"`
}

// TurnResult is the success tuple for one completed turn.
type TurnResult struct {
	ContextID      string `json:"context_id"`
	ExecutionID    string `json:"execution_id"`
	TriggerItemID  string `json:"trigger_item_id"`
	ReactionItemID string `json:"reaction_item_id"`
}

// ContinueInput is what the continuation policy sees after one
// iteration's actions have been merged.
type ContinueInput struct {
	Reaction  store.Item
	Fragment  reactor.Fragment
	Requests  []action.Request
	Results   []action.Result
	Iteration int
}

// Hooks are the caller-supplied extension points of the loop. Every
// field has a default; see New.
type Hooks struct {
	// ContentBuilder recomputes the context content once per iteration.
	ContentBuilder func(ctx context.Context, env reactor.Environment, c store.Context, trigger store.Item, iteration int) (map[string]any, error)
	// SystemPrompt renders the prompt text for one iteration.
	SystemPrompt func(env reactor.Environment, c store.Context, defs []action.Definition) string
	// AvailableActions selects the action catalog for one iteration.
	AvailableActions func(env reactor.Environment, c store.Context) []action.Definition
	// OnEnd decides whether a no-action iteration finalizes the turn.
	OnEnd func(reaction store.Item, iteration int) bool
	// Continue decides whether the loop runs another iteration.
	Continue func(in ContinueInput) bool
}

// historyStore is the optional read side used to rebuild conversation
// history for the reactor.
type historyStore interface {
	ListThreadItems(ctx context.Context, threadID string) ([]store.Item, error)
}

type Engine struct {
	store    store.Store
	reactor  reactor.Reactor
	executor *action.Executor

	sink          stream.Sink
	seq           *stream.Sequencer
	maxIterations int
	keepSinkOpen  bool
	hooks         Hooks

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Engine)

// WithSink sets the sink turn events stream to.
func WithSink(s stream.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithSequencer shares a chunk sequencer across engines.
func WithSequencer(s *stream.Sequencer) Option {
	return func(e *Engine) {
		if s != nil {
			e.seq = s
		}
	}
}

// WithMaxIterations sets the per-turn iteration ceiling.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithKeepSinkOpen leaves the sink open after each turn. Set when the
// sink is shared, like the daemon's hub.
func WithKeepSinkOpen() Option {
	return func(e *Engine) { e.keepSinkOpen = true }
}

// WithHooks overrides individual hooks; nil fields keep their defaults.
func WithHooks(h Hooks) Option {
	return func(e *Engine) {
		if h.ContentBuilder != nil {
			e.hooks.ContentBuilder = h.ContentBuilder
		}
		if h.SystemPrompt != nil {
			e.hooks.SystemPrompt = h.SystemPrompt
		}
		if h.AvailableActions != nil {
			e.hooks.AvailableActions = h.AvailableActions
		}
		if h.OnEnd != nil {
			e.hooks.OnEnd = h.OnEnd
		}
		if h.Continue != nil {
			e.hooks.Continue = h.Continue
		}
	}
}

func New(st store.Store, r reactor.Reactor, ex *action.Executor, opts ...Option) *Engine {
	if ex == nil {
		ex = action.NewExecutor(action.NewRegistry())
	}
	e := &Engine{
		store:         st,
		reactor:       r,
		executor:      ex,
		seq:           stream.NewSequencer(),
		maxIterations: defaultMaxIterations,
		locks:         map[string]*sync.Mutex{},
	}
	e.hooks = Hooks{
		ContentBuilder:   defaultContentBuilder,
		SystemPrompt:     defaultSystemPrompt,
		AvailableActions: e.defaultAvailableActions,
		OnEnd:            func(store.Item, int) bool { return true },
		Continue:         func(in ContinueInput) bool { return len(in.Requests) > 0 },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func defaultContentBuilder(_ context.Context, _ reactor.Environment, c store.Context, trigger store.Item, iteration int) (map[string]any, error) {
	content := map[string]any{}
	for k, v := range c.Content {
		content[k] = v
	}
	if text := reactor.TriggerText(trigger); text != "" {
		content["last_input"] = text
	}
	content["iteration"] = iteration
	return content, nil
}

func defaultSystemPrompt(env reactor.Environment, c store.Context, defs []action.Definition) string {
	return prompt.Build(env.Name, c, defs)
}

func (e *Engine) defaultAvailableActions(reactor.Environment, store.Context) []action.Definition {
	return e.executor.Registry.Definitions()
}

// contextLock serializes turns against the same context. Two triggers
// for one context run one after the other, never interleaved.
func (e *Engine) contextLock(contextID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[contextID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[contextID] = m
	}
	return m
}

func (e *Engine) emit(ctx context.Context, evt stream.Event) error {
	if e.sink == nil {
		return nil
	}
	return e.sink.Write(ctx, evt)
}

func (e *Engine) emitChunk(ctx context.Context, contextID string, c stream.Chunk, silent bool) error {
	if e.sink == nil || silent {
		return nil
	}
	c.Sequence = e.seq.Next(contextID)
	return e.sink.Write(ctx, stream.ChunkEvent(contextID, c))
}
