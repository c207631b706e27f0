package repo

import (
	"context"

	"elara/internal/memory"
)

// MemoryStore adapts the SQLite repo to the memory capability port.
// Ranking happens in process over the agent's records; the corpus per
// (workspace, agent) is small enough that SQL-side scoring buys nothing.
type MemoryStore struct {
	Repo Repo
}

func (m MemoryStore) Upsert(ctx context.Context, workspaceID, agentID, memoryID, content string) error {
	now := stamp()
	_, err := m.Repo.DB.ExecContext(ctx, `INSERT INTO memory_record(workspace_id,agent_id,memory_id,content,created_at,updated_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(workspace_id,agent_id,memory_id) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at`,
		workspaceID, agentID, memoryID, content, now, now)
	return err
}

func (m MemoryStore) Search(ctx context.Context, workspaceID, agentID, query string, topK int) ([]memory.Match, error) {
	rows, err := m.Repo.DB.QueryContext(ctx, `SELECT memory_id,content FROM memory_record WHERE workspace_id=? AND agent_id=? ORDER BY memory_id`, workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []memory.Record
	for rows.Next() {
		r := memory.Record{WorkspaceID: workspaceID, AgentID: agentID}
		if err := rows.Scan(&r.MemoryID, &r.Content); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return memory.Rank(records, query, topK), nil
}
