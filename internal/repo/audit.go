package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"elara/internal/domain"
)

func (r Repo) TailHash(ctx context.Context, workspaceID string) (string, error) {
	var hash string
	err := r.DB.QueryRowContext(ctx, `SELECT event_hash FROM audit_event_record WHERE workspace_id=? ORDER BY rowid_seq DESC LIMIT 1`, workspaceID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

func (r Repo) AppendAudit(ctx context.Context, e domain.AuditEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO audit_event_record(id,workspace_id,actor_id,action,outcome,metadata_json,previous_hash,event_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.WorkspaceID, e.ActorID, e.Action, e.Outcome, string(meta), e.PreviousHash, e.EventHash, e.CreatedAt)
	return err
}

func (r Repo) ListAudit(ctx context.Context, workspaceID string, limit int) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,actor_id,action,outcome,metadata_json,previous_hash,event_hash,created_at FROM (
		SELECT * FROM audit_event_record WHERE workspace_id=? ORDER BY rowid_seq DESC LIMIT ?
	) ORDER BY rowid_seq`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudit(rows)
}

func (r Repo) AllAudit(ctx context.Context, workspaceID string) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,actor_id,action,outcome,metadata_json,previous_hash,event_hash,created_at FROM audit_event_record WHERE workspace_id=? ORDER BY rowid_seq`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudit(rows)
}

func collectAudit(rows *sql.Rows) ([]domain.AuditEvent, error) {
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var meta string
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ActorID, &e.Action, &e.Outcome, &meta, &e.PreviousHash, &e.EventHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
