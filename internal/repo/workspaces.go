package repo

import (
	"context"
	"database/sql"

	"elara/internal/store"
)

func (r Repo) WorkspaceOwner(ctx context.Context, workspaceID string) (string, error) {
	var owner string
	err := r.DB.QueryRowContext(ctx, `SELECT owner_id FROM workspace_owner_record WHERE workspace_id=?`, workspaceID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	return owner, err
}

func (r Repo) ClaimWorkspace(ctx context.Context, workspaceID, ownerID, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO workspace_owner_record(workspace_id,owner_id,created_at) VALUES (?,?,?)`,
		workspaceID, ownerID, createdAt)
	return err
}

func (r Repo) AddWorkspaceMember(ctx context.Context, workspaceID, userID, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO workspace_member_record(workspace_id,user_id,created_at) VALUES (?,?,?)`,
		workspaceID, userID, createdAt)
	return err
}

func (r Repo) IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM workspace_member_record WHERE workspace_id=? AND user_id=?`, workspaceID, userID).Scan(&n)
	return n > 0, err
}
