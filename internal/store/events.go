package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Event is an out-of-band occurrence queued for a conversation. Pending
// events are surfaced to the model on the next planning turn and then
// marked delivered.
type Event struct {
	ID        int64
	AgentID   string
	ChannelID int64
	Kind      string
	Payload   string
	CreatedAt time.Time
}

// AppendEvent queues an event for the next planning turn in the conversation.
func (s *Store) AppendEvent(ctx context.Context, agentID string, channelID int64, kind, payload string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (agent_id, channel_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		agentID, channelID, kind, payload, now)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// PendingEvents returns undelivered events for a conversation, oldest first.
func (s *Store) PendingEvents(ctx context.Context, agentID string, channelID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, channel_id, kind, payload, created_at
		 FROM events WHERE agent_id = ? AND channel_id = ? AND delivered = 0
		 ORDER BY id`,
		agentID, channelID)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ChannelID, &e.Kind, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEventsDelivered flags the given events as consumed.
func (s *Store) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET delivered = 1 WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark events delivered: %w", err)
	}
	return nil
}
