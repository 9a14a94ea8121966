package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Document kinds stored per (agent, channel). Each is a single free-text
// document: the admin or the model replaces it wholesale.
const (
	DocIntention = "intention"
	DocPlan      = "plan"
	DocSummary   = "summary"
	DocNote      = "note"
)

var validDocKinds = map[string]bool{
	DocIntention: true,
	DocPlan:      true,
	DocSummary:   true,
	DocNote:      true,
}

// SetDoc replaces a per-conversation document. Empty content deletes the row.
func (s *Store) SetDoc(ctx context.Context, agentID string, channelID int64, kind, content string) error {
	if !validDocKinds[kind] {
		return fmt.Errorf("unknown document kind %q", kind)
	}
	if content == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM channel_docs WHERE agent_id = ? AND channel_id = ? AND doc_kind = ?`,
			agentID, channelID, kind)
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_docs (agent_id, channel_id, doc_kind, content, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, channel_id, doc_kind)
		 DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		agentID, channelID, kind, content, now)
	if err != nil {
		return fmt.Errorf("set %s: %w", kind, err)
	}
	return nil
}

// Doc fetches a per-conversation document, "" when absent.
func (s *Store) Doc(ctx context.Context, agentID string, channelID int64, kind string) (string, error) {
	if !validDocKinds[kind] {
		return "", fmt.Errorf("unknown document kind %q", kind)
	}
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM channel_docs WHERE agent_id = ? AND channel_id = ? AND doc_kind = ?`,
		agentID, channelID, kind).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", kind, err)
	}
	return content, nil
}
