package repo

import (
	"context"
	"database/sql"

	"elara/internal/domain"
	"elara/internal/store"
)

func scanApproval(row *sql.Row) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var decidedAt, decidedBy sql.NullString
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.ActorID, &a.Capability, &a.Action, &a.Reason, &a.Status, &a.CreatedAt, &decidedAt, &decidedBy)
	if err == sql.ErrNoRows {
		return a, store.ErrNotFound
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	return a, err
}

func (r Repo) InsertApproval(ctx context.Context, a domain.ApprovalRequest) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approval_request_record(id,workspace_id,actor_id,capability,action,reason,status,created_at,decided_at,decided_by) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkspaceID, a.ActorID, a.Capability, a.Action, a.Reason, a.Status, a.CreatedAt, nullablePtr(a.DecidedAt), nullablePtr(a.DecidedBy))
	return err
}

func (r Repo) GetApproval(ctx context.Context, approvalID string) (domain.ApprovalRequest, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT id,workspace_id,actor_id,capability,action,reason,status,created_at,decided_at,decided_by FROM approval_request_record WHERE id=?`, approvalID))
}

func (r Repo) UpdateApproval(ctx context.Context, a domain.ApprovalRequest) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE approval_request_record SET status=?, decided_at=?, decided_by=? WHERE id=?`,
		a.Status, nullablePtr(a.DecidedAt), nullablePtr(a.DecidedBy), a.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r Repo) ListApprovals(ctx context.Context, workspaceID string, status domain.ApprovalStatus) ([]domain.ApprovalRequest, error) {
	query := `SELECT id,workspace_id,actor_id,capability,action,reason,status,created_at,decided_at,decided_by FROM approval_request_record WHERE workspace_id=?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		var a domain.ApprovalRequest
		var decidedAt, decidedBy sql.NullString
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.ActorID, &a.Capability, &a.Action, &a.Reason, &a.Status, &a.CreatedAt, &decidedAt, &decidedBy); err != nil {
			return nil, err
		}
		if decidedAt.Valid {
			a.DecidedAt = &decidedAt.String
		}
		if decidedBy.Valid {
			a.DecidedBy = &decidedBy.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
