package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetConversationModel overrides the llm_name for one conversation.
// Empty name clears the override.
func (s *Store) SetConversationModel(ctx context.Context, agentID string, channelID int64, llmName string) error {
	if llmName == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM conversation_llm WHERE agent_id = ? AND channel_id = ?`,
			agentID, channelID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_llm (agent_id, channel_id, llm_name) VALUES (?, ?, ?)
		 ON CONFLICT (agent_id, channel_id) DO UPDATE SET llm_name = excluded.llm_name`,
		agentID, channelID, llmName)
	if err != nil {
		return fmt.Errorf("set conversation model: %w", err)
	}
	return nil
}

// ConversationModel returns the per-conversation llm_name override, "" if none.
func (s *Store) ConversationModel(ctx context.Context, agentID string, channelID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT llm_name FROM conversation_llm WHERE agent_id = ? AND channel_id = ?`,
		agentID, channelID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

// SetGagged marks a conversation as gagged (inbound messages are read and
// acknowledged but never planned on).
func (s *Store) SetGagged(ctx context.Context, agentID string, channelID int64, gagged bool) error {
	v := 0
	if gagged {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_gagged (agent_id, channel_id, gagged) VALUES (?, ?, ?)
		 ON CONFLICT (agent_id, channel_id) DO UPDATE SET gagged = excluded.gagged`,
		agentID, channelID, v)
	if err != nil {
		return fmt.Errorf("set gagged: %w", err)
	}
	return nil
}

func (s *Store) IsGagged(ctx context.Context, agentID string, channelID int64) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT gagged FROM conversation_gagged WHERE agent_id = ? AND channel_id = ?`,
		agentID, channelID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return v != 0, err
}
