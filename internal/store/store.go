// Package store defines the storage ports the orchestration core depends on.
// Two implementations exist: memstore (in-process maps, used by tests and
// ephemeral mode) and repo (SQLite-backed, used in production).
package store

import (
	"context"
	"errors"

	"elara/internal/domain"
)

var ErrNotFound = errors.New("not found")

// SpecialistStore persists workspace-owned specialist agents.
type SpecialistStore interface {
	UpsertSpecialist(ctx context.Context, workspaceID string, s domain.Specialist) error
	// ListSpecialists returns the workspace's specialists sorted by id.
	ListSpecialists(ctx context.Context, workspaceID string) ([]domain.Specialist, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	InsertApproval(ctx context.Context, r domain.ApprovalRequest) error
	GetApproval(ctx context.Context, approvalID string) (domain.ApprovalRequest, error)
	UpdateApproval(ctx context.Context, r domain.ApprovalRequest) error
	// ListApprovals returns a workspace's requests ordered by created_at.
	// status filters when non-empty.
	ListApprovals(ctx context.Context, workspaceID string, status domain.ApprovalStatus) ([]domain.ApprovalRequest, error)
}

// AuditStore persists the per-workspace hash chain. Each append is its own
// durable commit; a failed append surfaces to the caller.
type AuditStore interface {
	// TailHash returns the workspace chain's current tail hash, "" if the
	// chain is empty.
	TailHash(ctx context.Context, workspaceID string) (string, error)
	AppendAudit(ctx context.Context, e domain.AuditEvent) error
	// ListAudit returns the most recent limit events in creation order.
	ListAudit(ctx context.Context, workspaceID string, limit int) ([]domain.AuditEvent, error)
	// AllAudit returns the full chain oldest first, for verification.
	AllAudit(ctx context.Context, workspaceID string) ([]domain.AuditEvent, error)
}

// RunEventStore persists run event sequences, the delivery outbox and the
// per-run replay ACL.
type RunEventStore interface {
	// MaxSeq returns the highest assigned seq for the run, 0 if none.
	MaxSeq(ctx context.Context, agentRunID string) (int64, error)
	// AppendRunEvent stores the event and enqueues it for delivery in the
	// same commit. The (agent_run_id, seq) pair must be unique.
	AppendRunEvent(ctx context.Context, e domain.RunEvent) error
	// ReplayRunEvents returns the run's events with seq > lastSeq in order.
	ReplayRunEvents(ctx context.Context, agentRunID string, lastSeq int64) ([]domain.RunEvent, error)
	// DrainOutbox returns up to maxItems undelivered events oldest first and
	// marks them delivered. A drained event is never returned again.
	DrainOutbox(ctx context.Context, maxItems int) ([]domain.RunEvent, error)
	// GrantRunAccess is an idempotent grant.
	GrantRunAccess(ctx context.Context, a domain.RunAccess) error
	// RunAccess reports whether the actor holds a grant for the run and
	// whether any grants exist for the run at all.
	RunAccess(ctx context.Context, agentRunID, actorID string) (granted bool, known bool, err error)
}

// WorkspaceStore persists the workspace-owner registry and membership.
type WorkspaceStore interface {
	// WorkspaceOwner returns ErrNotFound while the workspace is unclaimed.
	WorkspaceOwner(ctx context.Context, workspaceID string) (string, error)
	ClaimWorkspace(ctx context.Context, workspaceID, ownerID, createdAt string) error
	AddWorkspaceMember(ctx context.Context, workspaceID, userID, createdAt string) error
	IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error)
}
