// Package outbox is the per-run event ledger: a monotonic, gap-free event
// sequence per agent run, a cursor-based replay read, an at-least-once
// delivery queue for an external publisher, and the per-run replay ACL.
package outbox

import (
	"context"
	"fmt"
	"time"

	"elara/internal/domain"
	"elara/internal/store"
)

// AccessDecision is the tri-state result of a run ACL lookup. Unknown means
// no grants exist for the run at all, which callers must not conflate with
// an explicit denial.
type AccessDecision int

const (
	AccessUnknown AccessDecision = iota
	AccessDenied
	AccessAllowed
)

func (d AccessDecision) String() string {
	switch d {
	case AccessAllowed:
		return "allowed"
	case AccessDenied:
		return "denied"
	default:
		return "unknown"
	}
}

type Ledger struct {
	Store store.RunEventStore
	Now   func() time.Time

	// seq assignment races without per-run serialization; the store's
	// (run_id, seq) uniqueness is the backstop, this lock the fast path
	locks store.KeyedMutex
}

func New(st store.RunEventStore) *Ledger {
	return &Ledger{Store: st, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append assigns the run's next seq, stores the event and enqueues it for
// delivery in one commit.
func (l *Ledger) Append(ctx context.Context, agentRunID, eventType string, payload map[string]any) (domain.RunEvent, error) {
	lock := l.locks.Lock(agentRunID)
	defer lock.Unlock()

	maxSeq, err := l.Store.MaxSeq(ctx, agentRunID)
	if err != nil {
		return domain.RunEvent{}, fmt.Errorf("read max seq: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	e := domain.RunEvent{
		AgentRunID: agentRunID,
		Seq:        maxSeq + 1,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  l.now().UTC().Format(time.RFC3339),
	}
	if err := l.Store.AppendRunEvent(ctx, e); err != nil {
		return domain.RunEvent{}, fmt.Errorf("append run event: %w", err)
	}
	return e, nil
}

// Replay returns the run's events with seq > lastSeq in order. Pure read,
// idempotent.
func (l *Ledger) Replay(ctx context.Context, agentRunID string, lastSeq int64) ([]domain.RunEvent, error) {
	return l.Store.ReplayRunEvents(ctx, agentRunID, lastSeq)
}

// Drain returns up to maxItems undelivered events oldest first, marking them
// delivered. Intended for a single external publisher.
func (l *Ledger) Drain(ctx context.Context, maxItems int) ([]domain.RunEvent, error) {
	if maxItems <= 0 {
		maxItems = 100
	}
	return l.Store.DrainOutbox(ctx, maxItems)
}

// GrantAccess idempotently grants an actor replay access to a run.
func (l *Ledger) GrantAccess(ctx context.Context, agentRunID, workspaceID, actorID string) error {
	return l.Store.GrantRunAccess(ctx, domain.RunAccess{
		AgentRunID:  agentRunID,
		WorkspaceID: workspaceID,
		ActorID:     actorID,
	})
}

// Access looks up the run ACL for an actor.
func (l *Ledger) Access(ctx context.Context, agentRunID, actorID string) (AccessDecision, error) {
	granted, known, err := l.Store.RunAccess(ctx, agentRunID, actorID)
	if err != nil {
		return AccessUnknown, err
	}
	if !known {
		return AccessUnknown, nil
	}
	if !granted {
		return AccessDenied, nil
	}
	return AccessAllowed, nil
}
