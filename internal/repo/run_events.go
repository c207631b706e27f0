package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"elara/internal/domain"
)

func (r Repo) MaxSeq(ctx context.Context, agentRunID string) (int64, error) {
	var max int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM run_event_record WHERE agent_run_id=?`, agentRunID).Scan(&max)
	return max, err
}

// AppendRunEvent commits the event and its outbox row together so a stored
// event is always eligible for delivery exactly once.
func (r Repo) AppendRunEvent(ctx context.Context, e domain.RunEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO run_event_record(agent_run_id,seq,event_type,payload_json,created_at) VALUES (?,?,?,?,?)`,
		e.AgentRunID, e.Seq, e.EventType, string(payload), e.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO run_event_outbox_record(agent_run_id,seq,published) VALUES (?,?,0)`,
		e.AgentRunID, e.Seq); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ReplayRunEvents(ctx context.Context, agentRunID string, lastSeq int64) ([]domain.RunEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_run_id,seq,event_type,payload_json,created_at FROM run_event_record WHERE agent_run_id=? AND seq>? ORDER BY seq`, agentRunID, lastSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunEvents(rows)
}

func (r Repo) DrainOutbox(ctx context.Context, maxItems int) ([]domain.RunEvent, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT o.outbox_seq, e.agent_run_id, e.seq, e.event_type, e.payload_json, e.created_at
		FROM run_event_outbox_record o JOIN run_event_record e ON e.agent_run_id=o.agent_run_id AND e.seq=o.seq
		WHERE o.published=0 ORDER BY o.outbox_seq LIMIT ?`, maxItems)
	if err != nil {
		return nil, err
	}
	var res []domain.RunEvent
	var drained []int64
	for rows.Next() {
		var outboxSeq int64
		var e domain.RunEvent
		var payload string
		if err := rows.Scan(&outboxSeq, &e.AgentRunID, &e.Seq, &e.EventType, &payload, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, e)
		drained = append(drained, outboxSeq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, seq := range drained {
		if _, err := tx.ExecContext(ctx, `UPDATE run_event_outbox_record SET published=1 WHERE outbox_seq=?`, seq); err != nil {
			return nil, err
		}
	}
	return res, tx.Commit()
}

func (r Repo) GrantRunAccess(ctx context.Context, a domain.RunAccess) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO run_access_record(agent_run_id,workspace_id,actor_id) VALUES (?,?,?)`,
		a.AgentRunID, a.WorkspaceID, a.ActorID)
	return err
}

func (r Repo) RunAccess(ctx context.Context, agentRunID, actorID string) (bool, bool, error) {
	var total, mine int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(actor_id=?),0) FROM run_access_record WHERE agent_run_id=?`, actorID, agentRunID).Scan(&total, &mine)
	if err != nil {
		return false, false, err
	}
	return mine > 0, total > 0, nil
}

func collectRunEvents(rows *sql.Rows) ([]domain.RunEvent, error) {
	var res []domain.RunEvent
	for rows.Next() {
		var e domain.RunEvent
		var payload string
		if err := rows.Scan(&e.AgentRunID, &e.Seq, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
