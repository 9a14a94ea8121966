package store

import (
	"context"
	"fmt"
	"time"
)

// AddProfilePhoto records that a media item has been used as the agent's
// profile photo, so rotation can avoid repeats.
func (s *Store) AddProfilePhoto(ctx context.Context, agentID, uniqueID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_profile_photos (agent_id, unique_id, set_at) VALUES (?, ?, ?)
		 ON CONFLICT (agent_id, unique_id) DO UPDATE SET set_at = excluded.set_at`,
		agentID, uniqueID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("add profile photo: %w", err)
	}
	return nil
}

// ProfilePhotos returns the unique ids already used as profile photos.
func (s *Store) ProfilePhotos(ctx context.Context, agentID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unique_id FROM agent_profile_photos WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("profile photos: %w", err)
	}
	defer rows.Close()

	used := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan profile photo: %w", err)
		}
		used[id] = true
	}
	return used, rows.Err()
}
