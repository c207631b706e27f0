package runtime

import (
	"context"
	"errors"
	"time"

	"elara/internal/domain"
	"elara/internal/store"
)

// AccessRegistry authorizes actors against the workspace-owner registry.
// The first owner to touch a workspace claims it; every later call checks
// against that claim. Members must have been provisioned via AddMember.
type AccessRegistry struct {
	Workspaces store.WorkspaceStore
	Now        func() time.Time
}

func (a *AccessRegistry) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *AccessRegistry) EnsureWorkspaceAccess(ctx context.Context, workspaceID string, actor domain.ActorContext) error {
	ownerID, err := a.Workspaces.WorkspaceOwner(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		if actor.Role == domain.RoleOwner {
			if err := a.Workspaces.ClaimWorkspace(ctx, workspaceID, actor.UserID, a.now().Format(time.RFC3339)); err != nil {
				return err
			}
			// the claim is first-write-wins; re-read in case we lost the race
			ownerID, err = a.Workspaces.WorkspaceOwner(ctx, workspaceID)
			if err != nil {
				return err
			}
			if ownerID != actor.UserID {
				return PermissionError{Reason: "actor is not authorized for this workspace"}
			}
			return nil
		}
		member, err := a.Workspaces.IsWorkspaceMember(ctx, workspaceID, actor.UserID)
		if err != nil {
			return err
		}
		if member {
			return nil
		}
		return PermissionError{Reason: "actor is not authorized for this workspace"}
	}
	if err != nil {
		return err
	}

	if actor.Role == domain.RoleOwner {
		if actor.UserID != ownerID {
			return PermissionError{Reason: "actor is not authorized for this workspace"}
		}
		return nil
	}
	member, err := a.Workspaces.IsWorkspaceMember(ctx, workspaceID, actor.UserID)
	if err != nil {
		return err
	}
	if !member {
		return PermissionError{Reason: "actor is not authorized for this workspace"}
	}
	return nil
}

func (a *AccessRegistry) AddMember(ctx context.Context, workspaceID, userID string) error {
	return a.Workspaces.AddWorkspaceMember(ctx, workspaceID, userID, a.now().Format(time.RFC3339))
}
