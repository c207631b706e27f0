package runtime_test

import (
	"errors"
	"testing"

	"elara/internal/runtime"
)

func TestFirstOwnerClaimsWorkspace(t *testing.T) {
	env := newTestEnv(t)
	access := env.Orch.Access
	if err := access.EnsureWorkspaceAccess(env.Ctx, "ws-1", owner("u1")); err != nil {
		t.Fatalf("first owner: %v", err)
	}
	// same owner keeps access
	if err := access.EnsureWorkspaceAccess(env.Ctx, "ws-1", owner("u1")); err != nil {
		t.Fatalf("repeat owner: %v", err)
	}
	// a different owner is rejected
	err := access.EnsureWorkspaceAccess(env.Ctx, "ws-1", owner("u2"))
	var denied runtime.PermissionError
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	// the claim is workspace scoped
	if err := access.EnsureWorkspaceAccess(env.Ctx, "ws-2", owner("u2")); err != nil {
		t.Fatalf("other workspace: %v", err)
	}
}

func TestMembersMustBeProvisioned(t *testing.T) {
	env := newTestEnv(t)
	access := env.Orch.Access
	if err := access.EnsureWorkspaceAccess(env.Ctx, "ws-1", owner("u1")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := access.EnsureWorkspaceAccess(env.Ctx, "ws-1", member("u2"))
	var denied runtime.PermissionError
	if !errors.As(err, &denied) {
		t.Fatalf("unprovisioned member: expected permission error, got %v", err)
	}
	if err := access.AddMember(env.Ctx, "ws-1", "u2"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := access.EnsureWorkspaceAccess(env.Ctx, "ws-1", member("u2")); err != nil {
		t.Fatalf("provisioned member: %v", err)
	}
}

func TestMemberOnUnclaimedWorkspace(t *testing.T) {
	env := newTestEnv(t)
	access := env.Orch.Access
	err := access.EnsureWorkspaceAccess(env.Ctx, "ws-1", member("u2"))
	var denied runtime.PermissionError
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	// provisioned members may act before any owner claims the workspace
	if err := access.AddMember(env.Ctx, "ws-1", "u2"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := access.EnsureWorkspaceAccess(env.Ctx, "ws-1", member("u2")); err != nil {
		t.Fatalf("member before claim: %v", err)
	}
}
