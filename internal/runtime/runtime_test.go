package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"elara/internal/approval"
	"elara/internal/audit"
	"elara/internal/completion"
	"elara/internal/config"
	"elara/internal/db"
	"elara/internal/domain"
	"elara/internal/migrate"
	"elara/internal/outbox"
	"elara/internal/repo"
	"elara/internal/runtime"
)

type testEnv struct {
	Orch *runtime.Orchestrator
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	cfg := config.Default()
	clock := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	approvals := approval.New(r)
	approvals.Now = clock
	chain := audit.New(r)
	chain.Now = clock
	runs := outbox.New(r)
	runs.Now = clock
	access := &runtime.AccessRegistry{Workspaces: r, Now: clock}
	orch := runtime.New(cfg, r, approvals, chain, runs, access, repo.MemoryStore{Repo: r}, completion.StubClient{})
	runCounter := 0
	orch.NewRunID = func() string {
		runCounter++
		return fmt.Sprintf("run-%d", runCounter)
	}
	return testEnv{Orch: orch, Repo: r, Ctx: context.Background()}
}

func owner(id string) domain.ActorContext {
	return domain.ActorContext{UserID: id, Role: domain.RoleOwner}
}

func member(id string) domain.ActorContext {
	return domain.ActorContext{UserID: id, Role: domain.RoleMember}
}

func TestExecuteGoalDelegatesToEligibleSpecialist(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.Specialist{
		ID: "spec-a", Name: "Analyst", Prompt: "Analyze deeply", Persona: "Methodical",
		Capabilities: []domain.Capability{domain.CapabilityDelegate, domain.CapabilityWriteMemory},
	}
	if _, err := env.Orch.UpsertSpecialist(env.Ctx, "ws-1", owner("u1"), spec); err != nil {
		t.Fatalf("upsert specialist: %v", err)
	}

	reply, err := env.Orch.ExecuteGoal(env.Ctx, "ws-1", owner("u1"), "build report", nil)
	if err != nil {
		t.Fatalf("execute goal: %v", err)
	}
	if len(reply.DelegatedResults) != 1 {
		t.Fatalf("expected 1 delegated result, got %d", len(reply.DelegatedResults))
	}
	if reply.Summary != "Completed goal with 1 delegated specialist contribution(s)." {
		t.Fatalf("unexpected summary: %q", reply.Summary)
	}
	result := reply.DelegatedResults[0]
	if result.Task != "Subtask 1: contribute to goal 'build report'" {
		t.Fatalf("unexpected task: %q", result.Task)
	}
	if result.Output != "[Analyze deeply | soul=Methodical] Subtask 1: contribute to goal 'build report'" {
		t.Fatalf("unexpected output: %q", result.Output)
	}

	events, err := env.Orch.ReplayEvents(env.Ctx, reply.AgentRunID, owner("u1"), 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	want := []string{"run.started", "task.delegated", "task.completed", "run.completed"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, e := range events {
		if e.EventType != want[i] {
			t.Fatalf("event %d: want %s, got %s", i, want[i], e.EventType)
		}
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d: want seq %d, got %d", i, i+1, e.Seq)
		}
	}
}

func TestExecuteGoalWithoutSpecialistsAuditsRejection(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Orch.ExecuteGoal(env.Ctx, "ws-1", owner("u1"), "build report", nil)
	if !errors.Is(err, runtime.ErrNoEligibleSpecialist) {
		t.Fatalf("expected no-eligible-specialist error, got %v", err)
	}
	entries, err := env.Orch.Audit.List(env.Ctx, "ws-1", 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "goal.execute" || entries[0].Outcome != "rejected" {
		t.Fatalf("expected a rejection audit entry, got %+v", entries)
	}
	if entries[0].Metadata["reason"] != "no eligible specialists" {
		t.Fatalf("unexpected rejection metadata: %+v", entries[0].Metadata)
	}
	// nothing reaches the run ledger
	drained, err := env.Orch.Runs.Drain(env.Ctx, 10)
	if err != nil || len(drained) != 0 {
		t.Fatalf("run ledger should be empty: %+v %v", drained, err)
	}
}

func TestExecuteGoalApprovalRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.Specialist{
		ID: "spec-risky", Name: "Operator", Prompt: "Run ops", Persona: "Cautious",
		Capabilities: []domain.Capability{domain.CapabilityDelegate, domain.CapabilityExternalAction},
	}
	if _, err := env.Orch.UpsertSpecialist(env.Ctx, "ws-1", owner("u1"), spec); err != nil {
		t.Fatalf("upsert specialist: %v", err)
	}

	_, err := env.Orch.ExecuteGoal(env.Ctx, "ws-1", owner("u1"), "ship release", nil)
	var required runtime.ApprovalRequiredError
	if !errors.As(err, &required) {
		t.Fatalf("expected approval-required error, got %v", err)
	}

	req, err := env.Orch.Approvals.Get(env.Ctx, required.ApprovalID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if req.Status != domain.ApprovalPending || req.Capability != domain.CapabilityExternalAction {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Action != "delegate:spec-risky:ship release" {
		t.Fatalf("unexpected action scope: %q", req.Action)
	}

	if _, err := env.Orch.Approvals.Decide(env.Ctx, required.ApprovalID, "u1", domain.ApprovalApproved); err != nil {
		t.Fatalf("decide: %v", err)
	}
	reply, err := env.Orch.ExecuteGoal(env.Ctx, "ws-1", owner("u1"), "ship release", []string{required.ApprovalID})
	if err != nil {
		t.Fatalf("retry with approval: %v", err)
	}
	if len(reply.DelegatedResults) != 1 {
		t.Fatalf("expected exactly 1 delegated result, got %d", len(reply.DelegatedResults))
	}
}

func TestExecuteGoalMemberHighImpactDenied(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.Specialist{
		ID: "spec-risky", Name: "Operator", Prompt: "Run ops", Persona: "Cautious",
		Capabilities: []domain.Capability{domain.CapabilityDelegate, domain.CapabilityExternalAction},
	}
	if _, err := env.Orch.UpsertSpecialist(env.Ctx, "ws-1", owner("u1"), spec); err != nil {
		t.Fatalf("upsert specialist: %v", err)
	}
	// the member sees no eligible specialists at all
	_, err := env.Orch.ExecuteGoal(env.Ctx, "ws-1", member("u2"), "ship release", nil)
	if !errors.Is(err, runtime.ErrNoEligibleSpecialist) {
		t.Fatalf("expected no-eligible-specialist error, got %v", err)
	}
}

func TestExecuteGoalCapsDelegations(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"spec-a", "spec-b", "spec-c"} {
		spec := domain.Specialist{
			ID: id, Name: id, Prompt: "Work", Persona: "Steady",
			Capabilities: []domain.Capability{domain.CapabilityDelegate},
		}
		if _, err := env.Orch.UpsertSpecialist(env.Ctx, "ws-1", owner("u1"), spec); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	reply, err := env.Orch.ExecuteGoal(env.Ctx, "ws-1", owner("u1"), "everything", nil)
	if err != nil {
		t.Fatalf("execute goal: %v", err)
	}
	if len(reply.DelegatedResults) != 2 {
		t.Fatalf("expected delegation cap of 2, got %d", len(reply.DelegatedResults))
	}
	// list order is id-sorted, so spec-a and spec-b run
	if reply.DelegatedResults[0].SpecialistID != "spec-a" || reply.DelegatedResults[1].SpecialistID != "spec-b" {
		t.Fatalf("unexpected delegation order: %+v", reply.DelegatedResults)
	}
}

func TestUpsertSpecialistMemberDenied(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.Specialist{ID: "spec-a", Name: "Analyst", Prompt: "p", Persona: "s", Capabilities: []domain.Capability{domain.CapabilityDelegate}}
	_, err := env.Orch.UpsertSpecialist(env.Ctx, "ws-1", member("u2"), spec)
	var denied runtime.PermissionError
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if denied.Reason != "only owners can create or edit specialist agents" {
		t.Fatalf("unexpected reason: %q", denied.Reason)
	}
	list, err := env.Orch.ListSpecialists(env.Ctx, "ws-1")
	if err != nil || len(list) != 0 {
		t.Fatalf("denied upsert must not persist: %+v %v", list, err)
	}
}

func TestUpsertSpecialistRejectsUnknownCapability(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.Specialist{ID: "spec-a", Name: "Analyst", Prompt: "p", Persona: "s", Capabilities: []domain.Capability{"teleport"}}
	if _, err := env.Orch.UpsertSpecialist(env.Ctx, "ws-1", owner("u1"), spec); err == nil {
		t.Fatal("expected unknown capability error")
	}
}

func TestCompanionMessage(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Orch.CompanionMessage(env.Ctx, "ws-1", "u1", "remember the release checklist"); err != nil {
		t.Fatalf("first message: %v", err)
	}
	reply, err := env.Orch.CompanionMessage(env.Ctx, "ws-1", "u1", "what about the release")
	if err != nil {
		t.Fatalf("second message: %v", err)
	}
	if len(reply.MemoryHits) == 0 {
		t.Fatalf("expected memory hits, got %+v", reply)
	}
	want := fmt.Sprintf("I hear you, u1. [companion_primary] what about the release (%d memory hit(s)).", len(reply.MemoryHits))
	if reply.Response != want {
		t.Fatalf("unexpected response: %q", reply.Response)
	}

	events, err := env.Orch.ReplayEvents(env.Ctx, "companion-ws-1", owner("u1"), 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 companion events, got %d", len(events))
	}
	for _, e := range events {
		if e.EventType != "companion.message" {
			t.Fatalf("unexpected event type: %s", e.EventType)
		}
		if len(e.Payload) != 1 {
			t.Fatalf("payload must carry only the hit count: %+v", e.Payload)
		}
		if _, ok := e.Payload["memory_hit_count"]; !ok {
			t.Fatalf("missing hit count: %+v", e.Payload)
		}
	}
}

func TestReplayDeniesRunsWithoutGrants(t *testing.T) {
	env := newTestEnv(t)
	// an event appended directly, with no access grant, closes the run
	if _, err := env.Orch.Runs.Append(env.Ctx, "run-legacy", "run.started", map[string]any{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	for _, actor := range []domain.ActorContext{owner("u1"), member("u2")} {
		_, err := env.Orch.ReplayEvents(env.Ctx, "run-legacy", actor, 0)
		var denied runtime.PermissionError
		if !errors.As(err, &denied) {
			t.Fatalf("actor %s: expected permission error, got %v", actor.UserID, err)
		}
	}
}

func TestReplayDeniesUngrantedActor(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.Specialist{ID: "spec-a", Name: "Analyst", Prompt: "p", Persona: "s", Capabilities: []domain.Capability{domain.CapabilityDelegate}}
	if _, err := env.Orch.UpsertSpecialist(env.Ctx, "ws-1", owner("u1"), spec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reply, err := env.Orch.ExecuteGoal(env.Ctx, "ws-1", owner("u1"), "build report", nil)
	if err != nil {
		t.Fatalf("execute goal: %v", err)
	}
	if _, err := env.Orch.ReplayEvents(env.Ctx, reply.AgentRunID, member("u2"), 0); err == nil {
		t.Fatal("ungranted actor replayed the run")
	}
}

func TestExecuteGoalChainStaysVerifiable(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.Specialist{ID: "spec-a", Name: "Analyst", Prompt: "p", Persona: "s", Capabilities: []domain.Capability{domain.CapabilityDelegate}}
	if _, err := env.Orch.UpsertSpecialist(env.Ctx, "ws-1", owner("u1"), spec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := env.Orch.ExecuteGoal(env.Ctx, "ws-1", owner("u1"), "build report", nil); err != nil {
		t.Fatalf("execute goal: %v", err)
	}
	ok, err := env.Orch.Audit.Verify(env.Ctx, "ws-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("audit chain failed verification")
	}
}
