package repo

import (
	"context"
	"encoding/json"

	"elara/internal/domain"
)

func (r Repo) UpsertSpecialist(ctx context.Context, workspaceID string, s domain.Specialist) error {
	caps, err := json.Marshal(s.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO specialist_record(workspace_id,id,name,prompt,persona,capabilities_json,updated_at) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(workspace_id,id) DO UPDATE SET name=excluded.name, prompt=excluded.prompt, persona=excluded.persona, capabilities_json=excluded.capabilities_json, updated_at=excluded.updated_at`,
		workspaceID, s.ID, s.Name, s.Prompt, s.Persona, string(caps), stamp())
	return err
}

func (r Repo) ListSpecialists(ctx context.Context, workspaceID string) ([]domain.Specialist, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,prompt,persona,capabilities_json FROM specialist_record WHERE workspace_id=? ORDER BY id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Specialist
	for rows.Next() {
		var s domain.Specialist
		var caps string
		if err := rows.Scan(&s.ID, &s.Name, &s.Prompt, &s.Persona, &caps); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &s.Capabilities); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
