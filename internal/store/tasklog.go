package store

import (
	"context"
	"fmt"
	"time"
)

// TaskLogEntry records one task execution for later inspection.
type TaskLogEntry struct {
	AgentID   string
	ChannelID int64
	GraphID   string
	TaskID    string
	Kind      string
	Status    string
	Detail    string
	CreatedAt time.Time
}

func (s *Store) LogTask(ctx context.Context, e TaskLogEntry) error {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_log (agent_id, channel_id, graph_id, task_id, kind, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AgentID, e.ChannelID, e.GraphID, e.TaskID, e.Kind, e.Status, e.Detail,
		at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("log task: %w", err)
	}
	return nil
}

// PruneTaskLog deletes entries created before the cutoff and reports how many
// rows went away.
func (s *Store) PruneTaskLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_log WHERE created_at < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune task log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentTaskLog returns the newest entries for an agent, newest first.
func (s *Store) RecentTaskLog(ctx context.Context, agentID string, limit int) ([]TaskLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, channel_id, graph_id, task_id, kind, status, detail, created_at
		 FROM task_log WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent task log: %w", err)
	}
	defer rows.Close()

	var out []TaskLogEntry
	for rows.Next() {
		var e TaskLogEntry
		var created string
		if err := rows.Scan(&e.AgentID, &e.ChannelID, &e.GraphID, &e.TaskID, &e.Kind, &e.Status, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, e)
	}
	return out, rows.Err()
}
