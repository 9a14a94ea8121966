package store

import (
	"context"
	"fmt"
	"time"
)

// Memory is one remembered fact for a conversation.
type Memory struct {
	ID        string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertMemory stores or replaces a memory by id. An empty content deletes it,
// which lets the model retract things it no longer believes.
func (s *Store) UpsertMemory(ctx context.Context, agentID string, channelID int64, memoryID, content string) error {
	if content == "" {
		return s.DeleteMemory(ctx, agentID, channelID, memoryID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (agent_id, channel_id, memory_id, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, channel_id, memory_id)
		 DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		agentID, channelID, memoryID, content, now, now)
	if err != nil {
		return fmt.Errorf("upsert memory %s: %w", memoryID, err)
	}
	return nil
}

func (s *Store) DeleteMemory(ctx context.Context, agentID string, channelID int64, memoryID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE agent_id = ? AND channel_id = ? AND memory_id = ?`,
		agentID, channelID, memoryID)
	if err != nil {
		return fmt.Errorf("delete memory %s: %w", memoryID, err)
	}
	return nil
}

// Memories lists a conversation's memories oldest-first.
func (s *Store) Memories(ctx context.Context, agentID string, channelID int64) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, content, created_at, updated_at
		 FROM memories WHERE agent_id = ? AND channel_id = ?
		 ORDER BY created_at, memory_id`,
		agentID, channelID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var created, updated string
		if err := rows.Scan(&m.ID, &m.Content, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		m.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, m)
	}
	return out, rows.Err()
}
