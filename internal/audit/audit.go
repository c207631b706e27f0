// Package audit is the append-only, hash-linked record of privileged
// actions. Each workspace forms an independent chain; any substitution,
// deletion or reordering of stored events breaks recomputation.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"elara/internal/domain"
	"elara/internal/store"
)

type Chain struct {
	Store store.AuditStore
	Now   func() time.Time

	// appends are serialized per workspace: the chain has no room for a fork
	locks store.KeyedMutex
}

func New(st store.AuditStore) *Chain {
	return &Chain{Store: st, Now: time.Now}
}

func (c *Chain) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// EventHash computes the chain hash for an event given its predecessor's
// hash. The event is serialized as compact JSON with sorted keys; the hash
// is SHA-256 over previousHash + ":" + serialized. Kept pure and separate
// for algorithm agility.
func EventHash(previousHash string, e domain.AuditEvent) (string, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	serialized, err := json.Marshal(map[string]any{
		"workspace_id": e.WorkspaceID,
		"actor_id":     e.ActorID,
		"action":       e.Action,
		"outcome":      e.Outcome,
		"metadata":     metadata,
		"created_at":   e.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("serialize audit event: %w", err)
	}
	sum := sha256.Sum256([]byte(previousHash + ":" + string(serialized)))
	return hex.EncodeToString(sum[:]), nil
}

// Append writes one event to the workspace chain. The write is its own
// durable commit; failures surface to the caller, who decides whether to
// abort the surrounding operation.
func (c *Chain) Append(ctx context.Context, workspaceID, actorID, action, outcome string, metadata map[string]any) (domain.AuditEvent, error) {
	lock := c.locks.Lock(workspaceID)
	defer lock.Unlock()

	previousHash, err := c.Store.TailHash(ctx, workspaceID)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("read chain tail: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	e := domain.AuditEvent{
		ID:           "audit-" + uuid.New().String(),
		WorkspaceID:  workspaceID,
		ActorID:      actorID,
		Action:       action,
		Outcome:      outcome,
		Metadata:     metadata,
		PreviousHash: previousHash,
		CreatedAt:    c.now().UTC().Format(time.RFC3339),
	}
	e.EventHash, err = EventHash(previousHash, e)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	if err := c.Store.AppendAudit(ctx, e); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("append audit event: %w", err)
	}
	return e, nil
}

// Verify recomputes every hash in the workspace chain and confirms both
// previous_hash and event_hash at each step. An empty chain verifies.
func (c *Chain) Verify(ctx context.Context, workspaceID string) (bool, error) {
	events, err := c.Store.AllAudit(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	previousHash := ""
	for _, e := range events {
		if e.PreviousHash != previousHash {
			return false, nil
		}
		computed, err := EventHash(previousHash, e)
		if err != nil {
			return false, err
		}
		if e.EventHash != computed {
			return false, nil
		}
		previousHash = e.EventHash
	}
	return true, nil
}

// List returns the most recent limit events in creation order.
func (c *Chain) List(ctx context.Context, workspaceID string, limit int) ([]domain.AuditEvent, error) {
	return c.Store.ListAudit(ctx, workspaceID, limit)
}
