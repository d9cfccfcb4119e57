package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/turbine-ai/turbine/internal/transition"
)

// SQLite is the reference Store implementation.
type SQLite struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*SQLite)(nil)
var _ ApprovalStore = (*SQLite)(nil)

type Option func(*SQLite)

// WithClock overrides the time source, mostly for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(s *SQLite) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewSQLite(db *sql.DB, opts ...Option) *SQLite {
	s := &SQLite{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SQLite) now() time.Time {
	return s.nowFn().UTC()
}

func (s *SQLite) InitializeContext(ctx context.Context, params InitializeContextParams) (InitializedContext, error) {
	if strings.TrimSpace(params.ThreadKey) == "" {
		return InitializedContext{}, fmt.Errorf("thread key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InitializedContext{}, fmt.Errorf("begin init tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	out := InitializedContext{}
	now := s.now()

	thread, found, err := scanThread(tx.QueryRowContext(ctx,
		`SELECT id, external_key, status, created_at, updated_at FROM threads WHERE external_key = ?`, params.ThreadKey))
	if err != nil {
		return InitializedContext{}, err
	}
	if !found {
		if params.NewThreadID == "" {
			return InitializedContext{}, fmt.Errorf("new thread id is required")
		}
		thread = Thread{
			ID:          params.NewThreadID,
			ExternalKey: params.ThreadKey,
			Status:      transition.ThreadIdle,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO threads (id, external_key, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			thread.ID, thread.ExternalKey, thread.Status, formatTime(now), formatTime(now)); err != nil {
			return InitializedContext{}, fmt.Errorf("insert thread: %w", err)
		}
		out.ThreadCreated = true
	}
	out.Thread = thread

	var cctx Context
	switch {
	case params.ContextID != "":
		cctx, found, err = scanContext(tx.QueryRowContext(ctx,
			`SELECT id, thread_id, key, status, content, created_at, updated_at FROM contexts WHERE id = ?`, params.ContextID))
		if err != nil {
			return InitializedContext{}, err
		}
		if !found {
			return InitializedContext{}, fmt.Errorf("context %s not found", params.ContextID)
		}
	case params.ContextKey != "":
		cctx, found, err = scanContext(tx.QueryRowContext(ctx,
			`SELECT id, thread_id, key, status, content, created_at, updated_at FROM contexts WHERE key = ? AND thread_id = ?`,
			params.ContextKey, thread.ID))
		if err != nil {
			return InitializedContext{}, err
		}
	default:
		found = false
	}

	if !found || (params.ContextID == "" && params.ContextKey == "") {
		if params.NewContextID == "" {
			return InitializedContext{}, fmt.Errorf("new context id is required")
		}
		cctx = Context{
			ID:        params.NewContextID,
			ThreadID:  thread.ID,
			Key:       params.ContextKey,
			Status:    transition.ContextOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contexts (id, thread_id, key, status, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cctx.ID, cctx.ThreadID, nullString(cctx.Key), cctx.Status, "", formatTime(now), formatTime(now)); err != nil {
			return InitializedContext{}, fmt.Errorf("insert context: %w", err)
		}
		out.ContextCreated = true
	} else if cctx.Status == transition.ContextClosed {
		// A resolved context reopens for the new turn.
		if err := transition.Assert(transition.KindContext, cctx.Status, transition.ContextOpen); err != nil {
			return InitializedContext{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE contexts SET status = ?, updated_at = ? WHERE id = ?`,
			transition.ContextOpen, formatTime(now), cctx.ID); err != nil {
			return InitializedContext{}, fmt.Errorf("reopen context: %w", err)
		}
		cctx.Status = transition.ContextOpen
	}
	out.Context = cctx

	if err := tx.Commit(); err != nil {
		return InitializedContext{}, fmt.Errorf("commit init: %w", err)
	}
	return out, nil
}

func (s *SQLite) SaveTriggerAndCreateExecution(ctx context.Context, params SaveTriggerParams) (Execution, error) {
	if params.ExecutionID == "" || params.ThreadID == "" || params.ContextID == "" {
		return Execution{}, fmt.Errorf("execution, thread, and context ids are required")
	}
	trigger := params.Trigger
	if trigger.ID == "" {
		return Execution{}, fmt.Errorf("trigger item id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Execution{}, fmt.Errorf("begin trigger tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now()

	var threadStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM threads WHERE id = ?`, params.ThreadID).Scan(&threadStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Execution{}, fmt.Errorf("thread %s not found", params.ThreadID)
		}
		return Execution{}, fmt.Errorf("load thread status: %w", err)
	}
	if err := transition.Assert(transition.KindThread, threadStatus, transition.ThreadStreaming); err != nil {
		return Execution{}, err
	}

	partsJSON, err := encodeJSON(trigger.Parts)
	if err != nil {
		return Execution{}, fmt.Errorf("encode trigger parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO items (id, thread_id, execution_id, type, channel, status, parts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trigger.ID, params.ThreadID, params.ExecutionID, ItemTypeInput, nullString(trigger.Channel),
		transition.ItemStored, partsJSON, formatTime(now), formatTime(now)); err != nil {
		return Execution{}, fmt.Errorf("insert trigger item: %w", err)
	}

	exec := Execution{
		ID:            params.ExecutionID,
		ThreadID:      params.ThreadID,
		ContextID:     params.ContextID,
		TriggerItemID: trigger.ID,
		Status:        transition.ExecutionExecuting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, thread_id, context_id, trigger_item_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.ThreadID, exec.ContextID, exec.TriggerItemID, exec.Status, formatTime(now), formatTime(now)); err != nil {
		return Execution{}, fmt.Errorf("insert execution: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`,
		transition.ThreadStreaming, formatTime(now), params.ThreadID); err != nil {
		return Execution{}, fmt.Errorf("mark thread streaming: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Execution{}, fmt.Errorf("commit trigger: %w", err)
	}
	return exec, nil
}

func (s *SQLite) CreateStep(ctx context.Context, step Step) error {
	if step.ID == "" || step.ExecutionID == "" {
		return fmt.Errorf("step and execution ids are required")
	}
	if step.Status == "" {
		step.Status = transition.StepRunning
	}
	if step.Kind == "" {
		step.Kind = StepKindMessage
	}
	now := s.now()
	if err := execWithRetry(ctx, s.db, `
		INSERT INTO steps (id, execution_id, iteration, status, kind, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.ExecutionID, step.Iteration, step.Status, step.Kind, nullString(step.Error),
		formatTime(now), formatTime(now)); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateContextContent(ctx context.Context, contextID string, content map[string]any) error {
	if contextID == "" {
		return fmt.Errorf("context id is required")
	}
	contentJSON, err := encodeJSON(content)
	if err != nil {
		return fmt.Errorf("encode context content: %w", err)
	}
	if err := execWithRetry(ctx, s.db, `UPDATE contexts SET content = ?, updated_at = ? WHERE id = ?`,
		contentJSON, formatTime(s.now()), contextID); err != nil {
		return fmt.Errorf("update context content: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateStep(ctx context.Context, params UpdateStepParams) error {
	if params.StepID == "" {
		return fmt.Errorf("step id is required")
	}
	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM steps WHERE id = ?`, params.StepID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("step %s not found", params.StepID)
		}
		return fmt.Errorf("load step status: %w", err)
	}

	status := params.Status
	if status == "" || status == current {
		status = current
	} else if err := transition.Assert(transition.KindStep, current, status); err != nil {
		return err
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{status, formatTime(s.now())}
	if params.Kind != "" {
		set = append(set, "kind = ?")
		args = append(args, params.Kind)
	}
	if params.Error != "" {
		set = append(set, "error = ?")
		args = append(args, params.Error)
	}
	args = append(args, params.StepID)
	if err := execWithRetry(ctx, s.db,
		`UPDATE steps SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return nil
}

func (s *SQLite) SaveStepParts(ctx context.Context, stepID string, parts []Part) error {
	if stepID == "" {
		return fmt.Errorf("step id is required")
	}
	for _, p := range parts {
		if p.StepID != stepID {
			return fmt.Errorf("part %q does not belong to step %s", p.Key, stepID)
		}
		if err := ValidatePartKey(p); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin parts tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := formatTime(s.now())
	for _, p := range parts {
		payloadJSON, err := encodeJSON(p.Payload)
		if err != nil {
			return fmt.Errorf("encode part payload: %w", err)
		}
		// Parts are immutable once written; a replayed save is a no-op.
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO parts (key, step_id, idx, type, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.Key, p.StepID, p.Index, p.Type, payloadJSON, now); err != nil {
			return fmt.Errorf("insert part: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit parts: %w", err)
	}
	return nil
}

func (s *SQLite) SaveReactionItem(ctx context.Context, item Item) error {
	if item.ID == "" || item.ExecutionID == "" {
		return fmt.Errorf("item and execution ids are required")
	}
	if item.Status == "" {
		item.Status = transition.ItemPending
	}
	partsJSON, err := encodeJSON(item.Parts)
	if err != nil {
		return fmt.Errorf("encode item parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reaction tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO items (id, thread_id, execution_id, type, channel, status, parts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, parts = excluded.parts, updated_at = excluded.updated_at
	`, item.ID, item.ThreadID, item.ExecutionID, ItemTypeOutput, nullString(item.Channel),
		item.Status, partsJSON, now, now); err != nil {
		return fmt.Errorf("save reaction item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE executions SET reaction_item_id = ?, updated_at = ? WHERE id = ?`,
		item.ID, now, item.ExecutionID); err != nil {
		return fmt.Errorf("link reaction item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reaction: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateItem(ctx context.Context, params UpdateItemParams) error {
	if params.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM items WHERE id = ?`, params.ItemID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %s not found", params.ItemID)
		}
		return fmt.Errorf("load item status: %w", err)
	}

	status := params.Status
	if status == "" || status == current {
		status = current
	} else if err := transition.Assert(transition.KindItem, current, status); err != nil {
		return err
	}

	if params.Parts != nil {
		partsJSON, err := encodeJSON(params.Parts)
		if err != nil {
			return fmt.Errorf("encode item parts: %w", err)
		}
		if err := execWithRetry(ctx, s.db, `UPDATE items SET status = ?, parts = ?, updated_at = ? WHERE id = ?`,
			status, partsJSON, formatTime(s.now()), params.ItemID); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		return nil
	}
	if err := execWithRetry(ctx, s.db, `UPDATE items SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(s.now()), params.ItemID); err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func (s *SQLite) CompleteExecution(ctx context.Context, params CompleteExecutionParams) error {
	if params.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	if params.Status != transition.ExecutionCompleted && params.Status != transition.ExecutionFailed {
		return fmt.Errorf("status %q is not terminal", params.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current, threadID, contextID string
	err = tx.QueryRowContext(ctx, `SELECT status, thread_id, context_id FROM executions WHERE id = ?`,
		params.ExecutionID).Scan(&current, &threadID, &contextID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s not found", params.ExecutionID)
		}
		return fmt.Errorf("load execution: %w", err)
	}
	if err := transition.Assert(transition.KindExecution, current, params.Status); err != nil {
		return err
	}

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		params.Status, nullString(params.Error), now, params.ExecutionID); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	var contextStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM contexts WHERE id = ?`, contextID).Scan(&contextStatus); err != nil {
		return fmt.Errorf("load context status: %w", err)
	}
	if contextStatus != transition.ContextClosed {
		if err := transition.Assert(transition.KindContext, contextStatus, transition.ContextClosed); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE contexts SET status = ?, updated_at = ? WHERE id = ?`,
			transition.ContextClosed, now, contextID); err != nil {
			return fmt.Errorf("close context: %w", err)
		}
	}

	var threadStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM threads WHERE id = ?`, threadID).Scan(&threadStatus); err != nil {
		return fmt.Errorf("load thread status: %w", err)
	}
	if threadStatus != transition.ThreadIdle {
		if err := transition.Assert(transition.KindThread, threadStatus, transition.ThreadIdle); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`,
			transition.ThreadIdle, now, threadID); err != nil {
			return fmt.Errorf("mark thread idle: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

func (s *SQLite) SaveApprovalDecision(ctx context.Context, decision ApprovalDecision) error {
	if decision.Token == "" {
		return fmt.Errorf("approval token is required")
	}
	argsJSON, err := encodeJSON(decision.Args)
	if err != nil {
		return fmt.Errorf("encode approval args: %w", err)
	}
	approved := 0
	if decision.Approved {
		approved = 1
	}
	// First decision wins; later writes for the same token are dropped.
	if err := execWithRetry(ctx, s.db, `
		INSERT OR IGNORE INTO approvals (token, approved, comment, args, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, decision.Token, approved, nullString(decision.Comment), argsJSON, formatTime(s.now())); err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *SQLite) GetApprovalDecision(ctx context.Context, token string) (ApprovalDecision, bool, error) {
	var decision ApprovalDecision
	var approved int
	var comment, argsStr sql.NullString
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, `SELECT token, approved, comment, args, created_at FROM approvals WHERE token = ?`,
		token).Scan(&decision.Token, &approved, &comment, &argsStr, &createdAtStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ApprovalDecision{}, false, nil
		}
		return ApprovalDecision{}, false, fmt.Errorf("load approval: %w", err)
	}
	decision.Approved = approved != 0
	decision.Comment = comment.String
	decision.Args = decodeJSONMap(argsStr.String)
	decision.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return decision, true, nil
}
