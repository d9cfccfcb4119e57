package action

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Executor runs one iteration's requested actions. Gated actions wait on
// the configured decision sources; everything else runs immediately.
type Executor struct {
	Registry *Registry
	Sources  []DecisionSource
}

func NewExecutor(registry *Registry, sources ...DecisionSource) *Executor {
	return &Executor{Registry: registry, Sources: sources}
}

// ExecuteAll fans out every request concurrently, joins, and returns
// results in original request order.
func (e *Executor) ExecuteAll(ctx context.Context, executionID string, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			results[i] = e.executeOne(ctx, executionID, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, executionID string, req Request) Result {
	def, ok := e.Registry.Get(req.Name)
	if !ok {
		return failure(req, "unknown action %q", req.Name)
	}
	if def.Execute == nil {
		return failure(req, "action %q is not executable", req.Name)
	}

	input := req.Input
	if !def.AutoExecute() {
		token := Token(executionID, req.Ref)
		decision, err := FirstOf(ctx, token, e.Sources...)
		if err != nil {
			return failure(req, "approval wait failed: %v", err)
		}
		if !decision.Approved {
			text := "action rejected"
			if comment := strings.TrimSpace(decision.Comment); comment != "" {
				text = fmt.Sprintf("action rejected: %s", comment)
			}
			return Result{Ref: req.Ref, Name: req.Name, Success: false, ErrorText: text}
		}
		if decision.Args != nil {
			input = decision.Args
		}
	}

	if err := validateInput(def, input); err != nil {
		return failure(req, "invalid input for %q: %v", req.Name, err)
	}
	return run(ctx, def, req, input)
}

func validateInput(def Definition, input map[string]any) error {
	if def.InputSchema == nil {
		return nil
	}
	resolved, err := def.InputSchema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return resolved.Validate(input)
}

// run executes the definition, converting errors and panics into failure
// results.
func run(ctx context.Context, def Definition, req Request, input map[string]any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = failure(req, "action %q panicked: %v", req.Name, r)
		}
	}()
	output, err := def.Execute(ctx, input)
	if err != nil {
		return failure(req, "action %q failed: %v", req.Name, err)
	}
	return Result{Ref: req.Ref, Name: req.Name, Success: true, Output: output}
}
