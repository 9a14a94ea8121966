package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
)

// SaveSchedule replaces an agent's schedule document.
func (s *Store) SaveSchedule(ctx context.Context, agentID string, sched *schedule.Schedule) error {
	doc, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (agent_id, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		agentID, string(doc), now)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// LoadSchedule returns nil when the agent has no stored schedule yet.
func (s *Store) LoadSchedule(ctx context.Context, agentID string) (*schedule.Schedule, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM schedules WHERE agent_id = ?`, agentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	var sched schedule.Schedule
	if err := json.Unmarshal([]byte(doc), &sched); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return &sched, nil
}
