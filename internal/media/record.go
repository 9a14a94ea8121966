// Package media resolves attachments to textual descriptions through a
// layered source chain: curated directories first, then the persistent AI
// cache, then gates (unsupported format, per-tick budget), then the LLM.
package media

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// Status is the lifecycle state of a media description.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusNotUnderstood      Status = "not_understood"
	StatusBudgetExhausted    Status = "budget_exhausted"
	StatusUnsupportedFormat  Status = "unsupported_format"
	StatusTimeout            Status = "timeout"
	StatusError              Status = "error"
	StatusPendingDescription Status = "pending_description"
	StatusCurated            Status = "curated"
)

// Record is the persisted description for one unique media id.
// Invariant: Status == ok implies Description is non-empty.
type Record struct {
	UniqueID       string             `json:"unique_id"`
	Description    string             `json:"description,omitempty"`
	Status         Status             `json:"status"`
	Kind           telegram.MediaKind `json:"kind,omitempty"`
	StickerSetName string             `json:"sticker_set_name,omitempty"`
	StickerName    string             `json:"sticker_name,omitempty"`
	MimeType       string             `json:"mime_type,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	Retryable      bool               `json:"retryable,omitempty"`
	TS             time.Time          `json:"ts"`
}

// Usable reports whether the record carries a real description.
func (r *Record) Usable() bool {
	return r != nil && (r.Status == StatusOK || r.Status == StatusCurated) && r.Description != ""
}

// recordPath is "<dir>/<unique_id>.json".
func recordPath(dir, uniqueID string) string {
	return filepath.Join(dir, uniqueID+".json")
}

// writeRecord persists r atomically: write <id>.json.tmp, then rename.
func writeRecord(dir string, r *Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal media record: %w", err)
	}
	path := recordPath(dir, r.UniqueID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write media record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename media record: %w", err)
	}
	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if r.UniqueID == "" {
		r.UniqueID = filepath.Base(path[:len(path)-len(".json")])
	}
	return &r, nil
}
