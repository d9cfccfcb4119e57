package store

import (
	"context"
	"time"
)

// InitializeContextParams resolves or creates the thread and context a turn
// runs against. ContextID/ContextKey select an existing context; when
// neither matches, the supplied ids are used to create fresh rows.
type InitializeContextParams struct {
	ThreadKey  string
	ContextID  string
	ContextKey string

	// Ids to use when creation is needed. Supplied by the caller so a
	// replayed call is idempotent.
	NewThreadID  string
	NewContextID string
}

// InitializedContext reports what InitializeContext found or made.
type InitializedContext struct {
	Thread         Thread
	Context        Context
	ThreadCreated  bool
	ContextCreated bool
}

// SaveTriggerParams persists the trigger item and opens the execution as
// one atomic step, moving the thread to streaming.
type SaveTriggerParams struct {
	ExecutionID string
	ThreadID    string
	ContextID   string
	Trigger     Item
}

// UpdateStepParams moves a step forward. Status changes are asserted
// against the transition table; Kind and Error update descriptively.
type UpdateStepParams struct {
	StepID string
	Status string
	Kind   string
	Error  string
}

// UpdateItemParams moves an item's status and optionally rewrites its
// parts.
type UpdateItemParams struct {
	ItemID string
	Status string
	Parts  []Part
}

// CompleteExecutionParams closes out a turn: the execution reaches its
// terminal status, the context closes, and the thread returns to idle, all
// in one atomic call.
type CompleteExecutionParams struct {
	ExecutionID string
	Status      string // transition.ExecutionCompleted or transition.ExecutionFailed
	Error       string
}

// ApprovalDecision is a durable approval decision addressed by token.
type ApprovalDecision struct {
	Token     string         `json:"token"`
	Approved  bool           `json:"approved"`
	Comment   string         `json:"comment,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the persistence collaborator the loop controller depends on.
type Store interface {
	InitializeContext(ctx context.Context, params InitializeContextParams) (InitializedContext, error)
	SaveTriggerAndCreateExecution(ctx context.Context, params SaveTriggerParams) (Execution, error)
	CreateStep(ctx context.Context, step Step) error
	UpdateContextContent(ctx context.Context, contextID string, content map[string]any) error
	UpdateStep(ctx context.Context, params UpdateStepParams) error
	SaveStepParts(ctx context.Context, stepID string, parts []Part) error
	SaveReactionItem(ctx context.Context, item Item) error
	UpdateItem(ctx context.Context, params UpdateItemParams) error
	CompleteExecution(ctx context.Context, params CompleteExecutionParams) error
}

// ApprovalStore is the durable side of the internal approval source.
type ApprovalStore interface {
	SaveApprovalDecision(ctx context.Context, decision ApprovalDecision) error
	GetApprovalDecision(ctx context.Context, token string) (ApprovalDecision, bool, error)
}
