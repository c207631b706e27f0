// Package memstore is the in-process implementation of the storage ports.
// It backs tests and the ephemeral (non-durable) runtime mode.
package memstore

import (
	"context"
	"sort"
	"sync"

	"elara/internal/domain"
	"elara/internal/store"
)

type ownerRecord struct {
	OwnerID   string
	CreatedAt string
}

// Store keeps every table as an in-process map guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	specialists map[string]map[string]domain.Specialist
	approvals   map[string]domain.ApprovalRequest
	audit       map[string][]domain.AuditEvent
	runEvents   map[string][]domain.RunEvent
	outbox      []domain.RunEvent
	runAccess   map[string]map[string]struct{}
	owners      map[string]ownerRecord
	members     map[string]map[string]struct{}
}

func New() *Store {
	return &Store{
		specialists: make(map[string]map[string]domain.Specialist),
		approvals:   make(map[string]domain.ApprovalRequest),
		audit:       make(map[string][]domain.AuditEvent),
		runEvents:   make(map[string][]domain.RunEvent),
		runAccess:   make(map[string]map[string]struct{}),
		owners:      make(map[string]ownerRecord),
		members:     make(map[string]map[string]struct{}),
	}
}

func (s *Store) UpsertSpecialist(ctx context.Context, workspaceID string, sp domain.Specialist) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.specialists[workspaceID]
	if !ok {
		ws = make(map[string]domain.Specialist)
		s.specialists[workspaceID] = ws
	}
	ws[sp.ID] = sp
	return nil
}

func (s *Store) ListSpecialists(ctx context.Context, workspaceID string) ([]domain.Specialist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.Specialist
	for _, sp := range s.specialists[workspaceID] {
		res = append(res, sp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *Store) InsertApproval(ctx context.Context, r domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[r.ID] = r
	return nil
}

func (s *Store) GetApproval(ctx context.Context, approvalID string) (domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.approvals[approvalID]
	if !ok {
		return domain.ApprovalRequest{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) UpdateApproval(ctx context.Context, r domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[r.ID]; !ok {
		return store.ErrNotFound
	}
	s.approvals[r.ID] = r
	return nil
}

func (s *Store) ListApprovals(ctx context.Context, workspaceID string, status domain.ApprovalStatus) ([]domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.ApprovalRequest
	for _, r := range s.approvals {
		if r.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		res = append(res, r)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt < res[j].CreatedAt
	})
	return res, nil
}

func (s *Store) TailHash(ctx context.Context, workspaceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.audit[workspaceID]
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].EventHash, nil
}

func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[e.WorkspaceID] = append(s.audit[e.WorkspaceID], e)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, workspaceID string, limit int) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.audit[workspaceID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	res := make([]domain.AuditEvent, len(events))
	copy(res, events)
	return res, nil
}

func (s *Store) AllAudit(ctx context.Context, workspaceID string) ([]domain.AuditEvent, error) {
	return s.ListAudit(ctx, workspaceID, 0)
}

func (s *Store) MaxSeq(ctx context.Context, agentRunID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.runEvents[agentRunID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (s *Store) AppendRunEvent(ctx context.Context, e domain.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runEvents[e.AgentRunID] = append(s.runEvents[e.AgentRunID], e)
	s.outbox = append(s.outbox, e)
	return nil
}

func (s *Store) ReplayRunEvents(ctx context.Context, agentRunID string, lastSeq int64) ([]domain.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.RunEvent
	for _, e := range s.runEvents[agentRunID] {
		if e.Seq > lastSeq {
			res = append(res, e)
		}
	}
	return res, nil
}

func (s *Store) DrainOutbox(ctx context.Context, maxItems int) ([]domain.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.outbox)
	if maxItems > 0 && n > maxItems {
		n = maxItems
	}
	drained := make([]domain.RunEvent, n)
	copy(drained, s.outbox[:n])
	s.outbox = s.outbox[n:]
	return drained, nil
}

func (s *Store) GrantRunAccess(ctx context.Context, a domain.RunAccess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actors, ok := s.runAccess[a.AgentRunID]
	if !ok {
		actors = make(map[string]struct{})
		s.runAccess[a.AgentRunID] = actors
	}
	actors[a.ActorID] = struct{}{}
	return nil
}

func (s *Store) RunAccess(ctx context.Context, agentRunID, actorID string) (bool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actors, ok := s.runAccess[agentRunID]
	if !ok || len(actors) == 0 {
		return false, false, nil
	}
	_, granted := actors[actorID]
	return granted, true, nil
}

func (s *Store) WorkspaceOwner(ctx context.Context, workspaceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.owners[workspaceID]
	if !ok {
		return "", store.ErrNotFound
	}
	return rec.OwnerID, nil
}

func (s *Store) ClaimWorkspace(ctx context.Context, workspaceID, ownerID, createdAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[workspaceID]; ok {
		return nil
	}
	s.owners[workspaceID] = ownerRecord{OwnerID: ownerID, CreatedAt: createdAt}
	return nil
}

func (s *Store) AddWorkspaceMember(ctx context.Context, workspaceID, userID, createdAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.members[workspaceID]
	if !ok {
		ws = make(map[string]struct{})
		s.members[workspaceID] = ws
	}
	ws[userID] = struct{}{}
	return nil
}

func (s *Store) IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[workspaceID][userID]
	return ok, nil
}
