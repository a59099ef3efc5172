package crm

import (
	"context"
	"time"
)

// Reader exposes the queries the pipeline needs outside a transaction.
type Reader interface {
	GetOpportunity(ctx context.Context, id string) (Opportunity, error)
	ListPipelineStages(ctx context.Context) ([]PipelineStage, error)
	ListContacts(ctx context.Context, opportunityID string) ([]Contact, error)
	// EnsureContactIntelligence returns the opportunity-scoped intelligence
	// for a contact, creating a default row when none exists yet.
	EnsureContactIntelligence(ctx context.Context, opportunityID, contactID string) (ContactIntelligence, error)
	ListRecentActivities(ctx context.Context, opportunityID string, kind ActivityKind, before time.Time, limit int) ([]Activity, error)
	ListFutureEvents(ctx context.Context, opportunityID string, after time.Time, limit int) ([]Activity, error)
	ListActions(ctx context.Context, opportunityID string, statuses ...ActionStatus) ([]ProposedAction, error)
	// ListActionsWithPendingResults returns executed actions whose resulting
	// activity is still a scheduled, unsent record.
	ListActionsWithPendingResults(ctx context.Context, opportunityID string) ([]ProposedAction, error)
	GetAction(ctx context.Context, id string) (ProposedAction, error)
	ListActiveOpportunityIDs(ctx context.Context) ([]string, error)
}

// Tx is the write surface available inside one atomic unit of work.
type Tx interface {
	GetOpportunity(ctx context.Context, id string) (Opportunity, error)
	UpdateOpportunityStage(ctx context.Context, opportunityID, stageID string) error
	CreateContact(ctx context.Context, opportunityID string, c *Contact) error
	UpsertContactIntelligence(ctx context.Context, ci ContactIntelligence) error

	// GetActionForUpdate loads an action and locks it until the transaction ends.
	GetActionForUpdate(ctx context.Context, id string) (ProposedAction, error)
	InsertAction(ctx context.Context, a *ProposedAction) error
	UpdateAction(ctx context.Context, a ProposedAction) error

	GetActivity(ctx context.Context, id string) (Activity, error)
	InsertActivity(ctx context.Context, a *Activity) error
	UpdateActivity(ctx context.Context, a Activity) error
	SetActivityOrigin(ctx context.Context, activityID, actionID string) error
	// DeleteActivity and ReleaseAttachments are best-effort cleanup steps; a
	// failure must not poison the surrounding transaction.
	DeleteActivity(ctx context.Context, id string) error
	ReleaseAttachments(ctx context.Context, actionID string, attachmentIDs []string) error

	// AfterCommit queues fn to run once the transaction has committed. It is
	// dropped on rollback.
	AfterCommit(fn func())
}

// Repository is the persistence collaborator of the pipeline.
type Repository interface {
	Reader
	// WithTx runs fn atomically; fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Notifier receives action lifecycle changes after they are committed.
type Notifier interface {
	ActionChanged(ctx context.Context, event string, action ProposedAction)
}

// Lifecycle event names.
const (
	EventProposed  = "action.proposed"
	EventModified  = "action.modified"
	EventApproved  = "action.approved"
	EventExecuted  = "action.executed"
	EventRejected  = "action.rejected"
	EventCancelled = "action.cancelled"
)

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) ActionChanged(context.Context, string, ProposedAction) {}
