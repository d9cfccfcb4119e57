package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(s string) map[string]any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func decodeParts(s string) []Part {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var parts []Part
	if err := json.Unmarshal([]byte(s), &parts); err != nil {
		return nil
	}
	return parts
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// execWithRetry retries once when sqlite reports the database as busy.
func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	_, err := db.ExecContext(ctx, query, args...)
	if err != nil && isBusy(err) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		_, err = db.ExecContext(ctx, query, args...)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, bool, error) {
	var t Thread
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ExternalKey, &t.Status, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Thread{}, false, nil
		}
		return Thread{}, false, fmt.Errorf("scan thread: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, true, nil
}

func scanContext(row rowScanner) (Context, bool, error) {
	var c Context
	var key, content sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.ThreadID, &key, &c.Status, &content, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Context{}, false, nil
		}
		return Context{}, false, fmt.Errorf("scan context: %w", err)
	}
	c.Key = key.String
	c.Content = decodeJSONMap(content.String)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, true, nil
}

func scanExecution(row rowScanner) (Execution, bool, error) {
	var e Execution
	var reaction, errText sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.ThreadID, &e.ContextID, &e.TriggerItemID, &reaction, &e.Status, &errText, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Execution{}, false, nil
		}
		return Execution{}, false, fmt.Errorf("scan execution: %w", err)
	}
	e.ReactionItemID = reaction.String
	e.Error = errText.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, true, nil
}

func scanItem(row rowScanner) (Item, bool, error) {
	var it Item
	var channel, parts sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&it.ID, &it.ThreadID, &it.ExecutionID, &it.Type, &channel, &it.Status, &parts, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("scan item: %w", err)
	}
	it.Channel = channel.String
	it.Parts = decodeParts(parts.String)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return it, true, nil
}

func scanStep(row rowScanner) (Step, bool, error) {
	var st Step
	var errText sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&st.ID, &st.ExecutionID, &st.Iteration, &st.Status, &st.Kind, &errText, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Step{}, false, nil
		}
		return Step{}, false, fmt.Errorf("scan step: %w", err)
	}
	st.Error = errText.String
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, true, nil
}
