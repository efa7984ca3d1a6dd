package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	CheckpointStore
	ApprovalStore

	// Event log (append-only, sequenced per session)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, sessionKey string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CheckpointStore persists WorkflowState snapshots keyed by session.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, sessionKey string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, sessionKey string) error
}

// ApprovalStore persists approval requests. ResolveApproval succeeds at most once per ID.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *Approval) error
	ResolveApproval(ctx context.Context, id string, res *ApprovalResolution) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)
	DeleteApprovals(ctx context.Context, sessionKey string) error
}
