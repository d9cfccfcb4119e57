package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/turbine-ai/turbine/internal/transition"
)

func openTestStore(t *testing.T) (*SQLite, *sql.DB) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLite(db), db
}

func seedTurn(t *testing.T, s *SQLite) (InitializedContext, Execution) {
	t.Helper()
	ctx := context.Background()
	init, err := s.InitializeContext(ctx, InitializeContextParams{
		ThreadKey:    "user-1",
		NewThreadID:  "th_1",
		NewContextID: "ctx_1",
	})
	if err != nil {
		t.Fatalf("initialize context: %v", err)
	}
	exec, err := s.SaveTriggerAndCreateExecution(ctx, SaveTriggerParams{
		ExecutionID: "exec_1",
		ThreadID:    init.Thread.ID,
		ContextID:   init.Context.ID,
		Trigger: Item{
			ID:      "item_trigger",
			Channel: "chat",
			Parts:   []Part{{Key: "seed:0", StepID: "seed", Index: 0, Type: "text", Payload: map[string]any{"text": "hi"}}},
		},
	})
	if err != nil {
		t.Fatalf("save trigger: %v", err)
	}
	return init, exec
}

func TestInitializeContextCreatesThreadAndContext(t *testing.T) {
	s, _ := openTestStore(t)
	init, _ := seedTurn(t, s)

	if !init.ThreadCreated || !init.ContextCreated {
		t.Fatalf("expected fresh thread and context, got %+v", init)
	}
	if init.Thread.Status != transition.ThreadIdle {
		t.Fatalf("new thread status = %q", init.Thread.Status)
	}
	if init.Context.Status != transition.ContextOpen {
		t.Fatalf("new context status = %q", init.Context.Status)
	}
	if init.Context.ThreadID != init.Thread.ID {
		t.Fatalf("context thread = %q, want %q", init.Context.ThreadID, init.Thread.ID)
	}
}

func TestInitializeContextReusesThreadByKey(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first, err := s.InitializeContext(ctx, InitializeContextParams{
		ThreadKey: "user-1", NewThreadID: "th_1", NewContextID: "ctx_1",
	})
	if err != nil {
		t.Fatalf("first init: %v", err)
	}
	second, err := s.InitializeContext(ctx, InitializeContextParams{
		ThreadKey: "user-1", NewThreadID: "th_other", NewContextID: "ctx_2",
	})
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if second.ThreadCreated {
		t.Fatal("thread should have been reused")
	}
	if second.Thread.ID != first.Thread.ID {
		t.Fatalf("thread id = %q, want %q", second.Thread.ID, first.Thread.ID)
	}
	if !second.ContextCreated || second.Context.ID != "ctx_2" {
		t.Fatalf("expected fresh context ctx_2, got %+v", second)
	}
}

func TestInitializeContextResolvesByIDAndKey(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InitializeContext(ctx, InitializeContextParams{
		ThreadKey: "user-1", ContextKey: "billing", NewThreadID: "th_1", NewContextID: "ctx_1",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	byID, err := s.InitializeContext(ctx, InitializeContextParams{
		ThreadKey: "user-1", ContextID: "ctx_1", NewThreadID: "th_x", NewContextID: "ctx_x",
	})
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if byID.ContextCreated || byID.Context.ID != "ctx_1" {
		t.Fatalf("resolve by id got %+v", byID)
	}

	byKey, err := s.InitializeContext(ctx, InitializeContextParams{
		ThreadKey: "user-1", ContextKey: "billing", NewThreadID: "th_x", NewContextID: "ctx_x",
	})
	if err != nil {
		t.Fatalf("resolve by key: %v", err)
	}
	if byKey.ContextCreated || byKey.Context.ID != "ctx_1" {
		t.Fatalf("resolve by key got %+v", byKey)
	}

	if _, err := s.InitializeContext(ctx, InitializeContextParams{
		ThreadKey: "user-1", ContextID: "ctx_missing",
	}); err == nil {
		t.Fatal("expected error for unknown context id")
	}
}

func TestSaveTriggerMovesThreadToStreaming(t *testing.T) {
	s, _ := openTestStore(t)
	init, exec := seedTurn(t, s)
	ctx := context.Background()

	if exec.Status != transition.ExecutionExecuting {
		t.Fatalf("execution status = %q", exec.Status)
	}
	thread, _, err := s.GetThread(ctx, init.Thread.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if thread.Status != transition.ThreadStreaming {
		t.Fatalf("thread status = %q, want streaming", thread.Status)
	}
	item, found, err := s.GetItem(ctx, "item_trigger")
	if err != nil || !found {
		t.Fatalf("get trigger item: found=%v err=%v", found, err)
	}
	if item.Type != ItemTypeInput || item.Status != transition.ItemStored {
		t.Fatalf("trigger item = %+v", item)
	}

	// A second trigger on the same streaming thread violates the
	// transition contract.
	_, err = s.SaveTriggerAndCreateExecution(ctx, SaveTriggerParams{
		ExecutionID: "exec_2", ThreadID: init.Thread.ID, ContextID: init.Context.ID,
		Trigger: Item{ID: "item_trigger_2"},
	})
	if !errors.Is(err, transition.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestStepLifecycleAndParts(t *testing.T) {
	s, _ := openTestStore(t)
	_, exec := seedTurn(t, s)
	ctx := context.Background()

	step := Step{ID: "step_1", ExecutionID: exec.ID, Iteration: 1, Status: transition.StepRunning, Kind: StepKindMessage}
	if err := s.CreateStep(ctx, step); err != nil {
		t.Fatalf("create step: %v", err)
	}

	parts := []Part{
		NewPart("step_1", 0, "text", map[string]any{"text": "hello"}),
		NewPart("step_1", 1, "reasoning", map[string]any{"text": "thinking"}),
	}
	if err := s.SaveStepParts(ctx, "step_1", parts); err != nil {
		t.Fatalf("save parts: %v", err)
	}
	// Replayed saves are no-ops, not errors.
	if err := s.SaveStepParts(ctx, "step_1", parts); err != nil {
		t.Fatalf("replayed save parts: %v", err)
	}
	got, err := s.ListStepParts(ctx, "step_1")
	if err != nil {
		t.Fatalf("list parts: %v", err)
	}
	if len(got) != 2 || got[0].Key != "step_1:0" || got[1].Index != 1 {
		t.Fatalf("parts = %+v", got)
	}

	bad := Part{Key: "step_1:5", StepID: "step_1", Index: 2, Type: "text"}
	if err := s.SaveStepParts(ctx, "step_1", []Part{bad}); err == nil {
		t.Fatal("expected part key mismatch error")
	}

	if err := s.UpdateStep(ctx, UpdateStepParams{StepID: "step_1", Status: transition.StepCompleted}); err != nil {
		t.Fatalf("complete step: %v", err)
	}
	err = s.UpdateStep(ctx, UpdateStepParams{StepID: "step_1", Status: transition.StepFailed})
	if !errors.Is(err, transition.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition from completed, got %v", err)
	}
}

func TestReactionItemAndCompletion(t *testing.T) {
	s, _ := openTestStore(t)
	init, exec := seedTurn(t, s)
	ctx := context.Background()

	reaction := Item{
		ID:          "item_reaction",
		ThreadID:    init.Thread.ID,
		ExecutionID: exec.ID,
		Status:      transition.ItemPending,
	}
	if err := s.SaveReactionItem(ctx, reaction); err != nil {
		t.Fatalf("save reaction: %v", err)
	}
	// Saving again with updated parts upserts.
	reaction.Parts = []Part{NewPart("step_1", 0, "text", map[string]any{"text": "done"})}
	if err := s.SaveReactionItem(ctx, reaction); err != nil {
		t.Fatalf("upsert reaction: %v", err)
	}

	if err := s.UpdateItem(ctx, UpdateItemParams{ItemID: "item_reaction", Status: transition.ItemCompleted}); err != nil {
		t.Fatalf("complete item: %v", err)
	}
	err := s.UpdateItem(ctx, UpdateItemParams{ItemID: "item_reaction", Status: transition.ItemPending})
	if !errors.Is(err, transition.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if err := s.CompleteExecution(ctx, CompleteExecutionParams{
		ExecutionID: exec.ID, Status: transition.ExecutionCompleted,
	}); err != nil {
		t.Fatalf("complete execution: %v", err)
	}

	gotExec, _, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if gotExec.Status != transition.ExecutionCompleted || gotExec.ReactionItemID != "item_reaction" {
		t.Fatalf("execution = %+v", gotExec)
	}
	cctx, _, err := s.GetContext(ctx, init.Context.ID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if cctx.Status != transition.ContextClosed {
		t.Fatalf("context status = %q", cctx.Status)
	}
	thread, _, err := s.GetThread(ctx, init.Thread.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if thread.Status != transition.ThreadIdle {
		t.Fatalf("thread status = %q", thread.Status)
	}

	// Terminal executions do not move again.
	err = s.CompleteExecution(ctx, CompleteExecutionParams{
		ExecutionID: exec.ID, Status: transition.ExecutionFailed,
	})
	if !errors.Is(err, transition.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCompleteExecutionRejectsNonTerminalStatus(t *testing.T) {
	s, _ := openTestStore(t)
	_, exec := seedTurn(t, s)

	err := s.CompleteExecution(context.Background(), CompleteExecutionParams{
		ExecutionID: exec.ID, Status: transition.ExecutionExecuting,
	})
	if err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestClosedContextReopensForNewTurn(t *testing.T) {
	s, _ := openTestStore(t)
	init, exec := seedTurn(t, s)
	ctx := context.Background()

	if err := s.CompleteExecution(ctx, CompleteExecutionParams{
		ExecutionID: exec.ID, Status: transition.ExecutionCompleted,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	again, err := s.InitializeContext(ctx, InitializeContextParams{
		ThreadKey: "user-1", ContextID: init.Context.ID,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.ContextCreated {
		t.Fatal("context should have been reused")
	}
	if again.Context.Status != transition.ContextOpen {
		t.Fatalf("context status = %q, want open", again.Context.Status)
	}
}

func TestUpdateContextContent(t *testing.T) {
	s, _ := openTestStore(t)
	init, _ := seedTurn(t, s)
	ctx := context.Background()

	content := map[string]any{"summary": "user asked about billing", "turns": float64(3)}
	if err := s.UpdateContextContent(ctx, init.Context.ID, content); err != nil {
		t.Fatalf("update content: %v", err)
	}
	got, _, err := s.GetContext(ctx, init.Context.ID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if got.Content["summary"] != "user asked about billing" || got.Content["turns"] != float64(3) {
		t.Fatalf("content = %+v", got.Content)
	}
}

func TestListThreadItemsOrder(t *testing.T) {
	s, _ := openTestStore(t)
	init, exec := seedTurn(t, s)
	ctx := context.Background()

	if err := s.SaveReactionItem(ctx, Item{
		ID: "item_reaction", ThreadID: init.Thread.ID, ExecutionID: exec.ID,
	}); err != nil {
		t.Fatalf("save reaction: %v", err)
	}
	items, err := s.ListThreadItems(ctx, init.Thread.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Type != ItemTypeInput || items[1].Type != ItemTypeOutput {
		t.Fatalf("items out of order: %+v", items)
	}
}

func TestApprovalDecisionFirstWriteWins(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	token := "tok_abc"
	if err := s.SaveApprovalDecision(ctx, ApprovalDecision{
		Token: token, Approved: false, Comment: "not on prod", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save decision: %v", err)
	}
	// A later, contradictory write is dropped.
	if err := s.SaveApprovalDecision(ctx, ApprovalDecision{
		Token: token, Approved: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, found, err := s.GetApprovalDecision(ctx, token)
	if err != nil || !found {
		t.Fatalf("get decision: found=%v err=%v", found, err)
	}
	if got.Approved || got.Comment != "not on prod" {
		t.Fatalf("decision = %+v", got)
	}

	_, found, err = s.GetApprovalDecision(ctx, "tok_missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if found {
		t.Fatal("missing token reported as found")
	}
}
