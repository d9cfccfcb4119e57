// Package action executes reactor-requested actions. Actions run
// concurrently within one iteration and every failure mode, including
// panics and approval rejections, becomes a data-carrying result rather
// than an error returned to the loop.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Definition is one named, possibly approval-gated operation the reactor
// can request. A nil Auto means the action executes without approval.
type Definition struct {
	Name        string
	Description string
	Auto        *bool
	InputSchema *jsonschema.Schema
	Execute     func(ctx context.Context, input map[string]any) (map[string]any, error)
}

// AutoExecute reports whether the action runs without an approval
// decision. Unset defaults to true.
func (d Definition) AutoExecute() bool {
	return d.Auto == nil || *d.Auto
}

// Auto is a convenience for literal Definition values.
func Auto(v bool) *bool {
	return &v
}

// MustSchema derives a json schema from T and panics on failure. Use at
// init time for built-in action definitions.
func MustSchema[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		panic(err)
	}
	return s
}

// Registry holds the closed set of action definitions available to a
// turn.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Name] = d
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Definitions() []Definition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.defs[name])
	}
	return defs
}

// Request is one action invocation requested by the reactor. Ref is
// iteration-scoped and unique within the execution.
type Request struct {
	Ref   string         `json:"ref"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Result is the outcome of one action request. Failures carry ErrorText
// and never surface as errors to the loop.
type Result struct {
	Ref       string         `json:"ref"`
	Name      string         `json:"name"`
	Success   bool           `json:"success"`
	Output    map[string]any `json:"output,omitempty"`
	ErrorText string         `json:"error_text,omitempty"`
}

func failure(req Request, format string, args ...any) Result {
	return Result{
		Ref:       req.Ref,
		Name:      req.Name,
		Success:   false,
		ErrorText: fmt.Sprintf(format, args...),
	}
}
