// Package runtime is the execution orchestrator: it ties the policy engine,
// approval ledger, audit chain, run event ledger and the memory/completion
// capabilities together into goal execution and companion messaging.
package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"elara/internal/approval"
	"elara/internal/audit"
	"elara/internal/completion"
	"elara/internal/config"
	"elara/internal/domain"
	"elara/internal/memory"
	"elara/internal/outbox"
	"elara/internal/policy"
	"elara/internal/store"
)

type Orchestrator struct {
	Policy      policy.Engine
	Approvals   *approval.Ledger
	Audit       *audit.Chain
	Runs        *outbox.Ledger
	Specialists store.SpecialistStore
	Access      *AccessRegistry
	Memory      memory.Store
	Completion  completion.Client
	Config      *config.Config

	// NewRunID is swappable for tests.
	NewRunID func() string
}

func New(cfg *config.Config, specialists store.SpecialistStore, approvals *approval.Ledger, chain *audit.Chain, runs *outbox.Ledger, access *AccessRegistry, mem memory.Store, client completion.Client) *Orchestrator {
	return &Orchestrator{
		Policy:      policy.New(cfg.Tools.Allowlist),
		Approvals:   approvals,
		Audit:       chain,
		Runs:        runs,
		Specialists: specialists,
		Access:      access,
		Memory:      mem,
		Completion:  client,
		Config:      cfg,
	}
}

func (o *Orchestrator) runID() string {
	if o.NewRunID != nil {
		return o.NewRunID()
	}
	return "run-" + uuid.NewString()
}

// UpsertSpecialist stores a specialist (last write wins) after the
// owner-only policy gate, and audits the write.
func (o *Orchestrator) UpsertSpecialist(ctx context.Context, workspaceID string, actor domain.ActorContext, s domain.Specialist) (domain.Specialist, error) {
	for _, c := range s.Capabilities {
		if !domain.ValidCapability(string(c)) {
			return domain.Specialist{}, fmt.Errorf("unknown capability %q", c)
		}
	}
	decision := o.Policy.CanEditSpecialists(actor)
	if !decision.Allowed {
		return domain.Specialist{}, PermissionError{Reason: decision.Reason}
	}
	if err := o.Specialists.UpsertSpecialist(ctx, workspaceID, s); err != nil {
		return domain.Specialist{}, err
	}
	caps := make([]string, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		caps = append(caps, string(c))
	}
	sort.Strings(caps)
	if _, err := o.Audit.Append(ctx, workspaceID, actor.UserID, "specialist.upserted", "success", map[string]any{
		"specialist_id": s.ID,
		"capabilities":  caps,
	}); err != nil {
		return domain.Specialist{}, err
	}
	return s, nil
}

// ListSpecialists returns the workspace's specialists sorted by id.
func (o *Orchestrator) ListSpecialists(ctx context.Context, workspaceID string) ([]domain.Specialist, error) {
	return o.Specialists.ListSpecialists(ctx, workspaceID)
}

type eligibleSpecialist struct {
	specialist       domain.Specialist
	requiresApproval bool
}

// ExecuteGoal walks one goal-execution attempt: policy filtering, approval
// gating, then delegation to at most MaxDelegations eligible specialists.
// An approval block aborts the whole attempt; nothing written before the
// block (the approval request, its audit entry) is rolled back.
func (o *Orchestrator) ExecuteGoal(ctx context.Context, workspaceID string, actor domain.ActorContext, goal string, approvedRequestIDs []string) (domain.ExecutionReply, error) {
	specialists, err := o.Specialists.ListSpecialists(ctx, workspaceID)
	if err != nil {
		return domain.ExecutionReply{}, err
	}
	var eligible []eligibleSpecialist
	for _, s := range specialists {
		decision := o.Policy.CanDelegate(actor, s.Capabilities)
		if decision.Allowed {
			eligible = append(eligible, eligibleSpecialist{specialist: s, requiresApproval: decision.RequiresApproval})
		}
	}
	if len(eligible) == 0 {
		if _, err := o.Audit.Append(ctx, workspaceID, actor.UserID, "goal.execute", "rejected", map[string]any{
			"reason": "no eligible specialists",
		}); err != nil {
			return domain.ExecutionReply{}, err
		}
		return domain.ExecutionReply{}, ErrNoEligibleSpecialist
	}

	for _, e := range eligible {
		if !e.requiresApproval {
			continue
		}
		capability := domain.CapabilityRunTool
		if domain.HasCapability(e.specialist.Capabilities, domain.CapabilityExternalAction) {
			capability = domain.CapabilityExternalAction
		}
		actionScope := fmt.Sprintf("delegate:%s:%s", e.specialist.ID, goal)
		approved := false
		for _, id := range approvedRequestIDs {
			ok, err := o.Approvals.IsApproved(ctx, id, workspaceID, actor.UserID, capability, actionScope)
			if err != nil {
				return domain.ExecutionReply{}, err
			}
			if ok {
				approved = true
				break
			}
		}
		if approved {
			continue
		}
		request, err := o.Approvals.Create(ctx, workspaceID, actor.UserID, capability, actionScope, "high-impact delegation requires explicit approval")
		if err != nil {
			return domain.ExecutionReply{}, err
		}
		if _, err := o.Audit.Append(ctx, workspaceID, actor.UserID, "approval.requested", "pending", map[string]any{
			"approval_id":   request.ID,
			"specialist_id": e.specialist.ID,
			"capability":    string(capability),
		}); err != nil {
			return domain.ExecutionReply{}, err
		}
		return domain.ExecutionReply{}, ApprovalRequiredError{
			ApprovalID: request.ID,
			Reason:     "high-impact delegation requires explicit approval",
		}
	}

	agentRunID := o.runID()
	if err := o.Runs.GrantAccess(ctx, agentRunID, workspaceID, actor.UserID); err != nil {
		return domain.ExecutionReply{}, err
	}
	if _, err := o.Runs.Append(ctx, agentRunID, "run.started", map[string]any{
		"goal":     goal,
		"actor_id": actor.UserID,
	}); err != nil {
		return domain.ExecutionReply{}, err
	}
	if _, err := o.Audit.Append(ctx, workspaceID, actor.UserID, "goal.execute", "started", map[string]any{
		"agent_run_id": agentRunID,
		"goal":         goal,
	}); err != nil {
		return domain.ExecutionReply{}, err
	}

	maxDelegations := o.Config.Execution.MaxDelegations
	if len(eligible) < maxDelegations {
		maxDelegations = len(eligible)
	}
	var results []domain.DelegatedTaskResult
	for i, e := range eligible[:maxDelegations] {
		s := e.specialist
		task := fmt.Sprintf("Subtask %d: contribute to goal '%s'", i+1, goal)
		if _, err := o.Runs.Append(ctx, agentRunID, "task.delegated", map[string]any{
			"specialist_id": s.ID,
			"task":          task,
		}); err != nil {
			return domain.ExecutionReply{}, err
		}
		output, err := o.Completion.Complete(ctx, fmt.Sprintf("%s | soul=%s", s.Prompt, s.Persona), task)
		if err != nil {
			return domain.ExecutionReply{}, err
		}
		delegated := domain.DelegatedTaskResult{
			SpecialistID:   s.ID,
			SpecialistName: s.Name,
			Task:           task,
			Output:         output,
		}
		results = append(results, delegated)
		if _, err := o.Runs.Append(ctx, agentRunID, "task.completed", map[string]any{
			"specialist_id":   delegated.SpecialistID,
			"specialist_name": delegated.SpecialistName,
			"task":            delegated.Task,
			"output":          delegated.Output,
		}); err != nil {
			return domain.ExecutionReply{}, err
		}
		if _, err := o.Audit.Append(ctx, workspaceID, actor.UserID, "task.delegated", "completed", map[string]any{
			"agent_run_id":  agentRunID,
			"specialist_id": s.ID,
			"task":          task,
		}); err != nil {
			return domain.ExecutionReply{}, err
		}
	}

	summary := fmt.Sprintf("Completed goal with %d delegated specialist contribution(s).", len(results))
	if _, err := o.Runs.Append(ctx, agentRunID, "run.completed", map[string]any{
		"summary": summary,
	}); err != nil {
		return domain.ExecutionReply{}, err
	}
	if _, err := o.Audit.Append(ctx, workspaceID, actor.UserID, "goal.execute", "completed", map[string]any{
		"agent_run_id": agentRunID,
		"summary":      summary,
	}); err != nil {
		return domain.ExecutionReply{}, err
	}

	return domain.ExecutionReply{
		AgentRunID:       agentRunID,
		Summary:          summary,
		DelegatedResults: results,
	}, nil
}

// CompanionMessage handles a non-delegated message: remember it, search the
// companion's memory, call the completion client and record a single run
// event. The event payload carries only the hit count so raw actor input and
// memory ids never enter the replayable stream.
func (o *Orchestrator) CompanionMessage(ctx context.Context, workspaceID, actorID, message string) (domain.CompanionReply, error) {
	agentID := o.Config.Memory.CompanionAgentID
	if err := o.Memory.Upsert(ctx, workspaceID, agentID, memory.NewID(), message); err != nil {
		return domain.CompanionReply{}, err
	}
	matches, err := o.Memory.Search(ctx, workspaceID, agentID, message, o.Config.Memory.TopK)
	if err != nil {
		return domain.CompanionReply{}, err
	}
	hits := make([]string, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, m.MemoryID)
	}

	completionText, err := o.Completion.Complete(ctx, agentID, message)
	if err != nil {
		return domain.CompanionReply{}, err
	}
	response := fmt.Sprintf("I hear you, %s. %s (%d memory hit(s)).", actorID, completionText, len(hits))

	agentRunID := "companion-" + workspaceID
	if _, err := o.Runs.Append(ctx, agentRunID, "companion.message", map[string]any{
		"memory_hit_count": len(hits),
	}); err != nil {
		return domain.CompanionReply{}, err
	}
	if err := o.Runs.GrantAccess(ctx, agentRunID, workspaceID, actorID); err != nil {
		return domain.CompanionReply{}, err
	}
	if _, err := o.Audit.Append(ctx, workspaceID, actorID, "companion.message", "success", map[string]any{
		"memory_hit_count": len(hits),
	}); err != nil {
		return domain.CompanionReply{}, err
	}

	return domain.CompanionReply{Response: response, MemoryHits: hits}, nil
}

// ReplayEvents returns the run's events after lastSeq. A run with no access
// grants at all is closed: unknown denies the same way an explicit mismatch
// does.
func (o *Orchestrator) ReplayEvents(ctx context.Context, agentRunID string, actor domain.ActorContext, lastSeq int64) ([]domain.RunEvent, error) {
	decision, err := o.Runs.Access(ctx, agentRunID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if decision != outbox.AccessAllowed {
		return nil, PermissionError{Reason: "actor is not authorized to replay this run"}
	}
	return o.Runs.Replay(ctx, agentRunID, lastSeq)
}
