// Package approval is the human-decision ledger gating high-impact
// delegation. Requests are created pending and transition exactly once to
// approved or denied.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"elara/internal/domain"
	"elara/internal/store"
)

// ErrAlreadyDecided signals a decision on a non-pending request.
var ErrAlreadyDecided = errors.New("approval request is already decided")

// UnauthorizedDeciderError signals a decider other than the original
// requester. The requester-only rule is deliberately isolated here so it can
// be swapped for a distinct-approver rule without touching the orchestrator.
type UnauthorizedDeciderError struct {
	ApprovalID string
}

func (e UnauthorizedDeciderError) Error() string {
	return fmt.Sprintf("only the original requester may decide approval %s", e.ApprovalID)
}

type Ledger struct {
	Store store.ApprovalStore
	Now   func() time.Time
}

func New(st store.ApprovalStore) *Ledger {
	return &Ledger{Store: st, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Create stores a new pending request. It always succeeds given a healthy
// store.
func (l *Ledger) Create(ctx context.Context, workspaceID, actorID string, capability domain.Capability, action, reason string) (domain.ApprovalRequest, error) {
	r := domain.ApprovalRequest{
		ID:          "approval-" + uuid.New().String(),
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		Capability:  capability,
		Action:      action,
		Reason:      reason,
		Status:      domain.ApprovalPending,
		CreatedAt:   l.now().UTC().Format(time.RFC3339),
	}
	if err := l.Store.InsertApproval(ctx, r); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("insert approval: %w", err)
	}
	return r, nil
}

// Decide resolves a pending request. decision must be approved or denied.
func (l *Ledger) Decide(ctx context.Context, approvalID, approverID string, decision domain.ApprovalStatus) (domain.ApprovalRequest, error) {
	if decision != domain.ApprovalApproved && decision != domain.ApprovalDenied {
		return domain.ApprovalRequest{}, fmt.Errorf("invalid decision %q", decision)
	}
	r, err := l.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if r.Status != domain.ApprovalPending {
		return domain.ApprovalRequest{}, ErrAlreadyDecided
	}
	if approverID != r.ActorID {
		return domain.ApprovalRequest{}, UnauthorizedDeciderError{ApprovalID: approvalID}
	}
	decidedAt := l.now().UTC().Format(time.RFC3339)
	r.Status = decision
	r.DecidedAt = &decidedAt
	r.DecidedBy = &approverID
	if err := l.Store.UpdateApproval(ctx, r); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("update approval: %w", err)
	}
	return r, nil
}

// Get returns a request by id.
func (l *Ledger) Get(ctx context.Context, approvalID string) (domain.ApprovalRequest, error) {
	return l.Store.GetApproval(ctx, approvalID)
}

// IsApproved reports whether the stored request matches all five fields
// exactly and is approved. An unknown id is simply not approved.
func (l *Ledger) IsApproved(ctx context.Context, approvalID, workspaceID, actorID string, capability domain.Capability, action string) (bool, error) {
	r, err := l.Store.GetApproval(ctx, approvalID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.WorkspaceID == workspaceID &&
		r.ActorID == actorID &&
		r.Capability == capability &&
		r.Action == action &&
		r.Status == domain.ApprovalApproved, nil
}

// List returns a workspace's requests ordered by creation time; status
// filters when non-empty.
func (l *Ledger) List(ctx context.Context, workspaceID string, status domain.ApprovalStatus) ([]domain.ApprovalRequest, error) {
	return l.Store.ListApprovals(ctx, workspaceID, status)
}
