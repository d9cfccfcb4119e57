package store

import (
	"context"
	"fmt"
)

func (s *SQLite) GetThread(ctx context.Context, id string) (Thread, bool, error) {
	return scanThread(s.db.QueryRowContext(ctx,
		`SELECT id, external_key, status, created_at, updated_at FROM threads WHERE id = ?`, id))
}

func (s *SQLite) GetContext(ctx context.Context, id string) (Context, bool, error) {
	return scanContext(s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, key, status, content, created_at, updated_at FROM contexts WHERE id = ?`, id))
}

func (s *SQLite) GetExecution(ctx context.Context, id string) (Execution, bool, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, context_id, trigger_item_id, reaction_item_id, status, error, created_at, updated_at
		FROM executions WHERE id = ?`, id))
}

func (s *SQLite) GetItem(ctx context.Context, id string) (Item, bool, error) {
	return scanItem(s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, execution_id, type, channel, status, parts, created_at, updated_at
		FROM items WHERE id = ?`, id))
}

func (s *SQLite) GetStep(ctx context.Context, id string) (Step, bool, error) {
	return scanStep(s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, iteration, status, kind, error, created_at, updated_at
		FROM steps WHERE id = ?`, id))
}

// ListSteps returns an execution's steps in iteration order.
func (s *SQLite) ListSteps(ctx context.Context, executionID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, iteration, status, kind, error, created_at, updated_at
		FROM steps WHERE execution_id = ? ORDER BY iteration, created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, _, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ListStepParts returns a step's durable parts in index order.
func (s *SQLite) ListStepParts(ctx context.Context, stepID string) ([]Part, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, step_id, idx, type, payload FROM parts WHERE step_id = ? ORDER BY idx`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var p Part
		var payload string
		if err := rows.Scan(&p.Key, &p.StepID, &p.Index, &p.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		p.Payload = decodeJSONMap(payload)
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// ListThreadItems returns a thread's items oldest first. The loop controller
// uses this to rebuild conversation history for the reactor.
func (s *SQLite) ListThreadItems(ctx context.Context, threadID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, execution_id, type, channel, status, parts, created_at, updated_at
		FROM items WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, _, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
