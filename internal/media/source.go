package media

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// Request carries everything a source may need to describe one media item.
// Download is lazy so cache hits never touch the network.
type Request struct {
	UniqueID        string
	Kind            telegram.MediaKind
	Mime            string
	StickerSetName  string
	StickerSetTitle string
	StickerName     string
	Download        func(ctx context.Context) ([]byte, error)
}

// Source resolves a media request to a record. A (nil, nil) return means
// "not mine" and lets the next source in the chain try.
type Source interface {
	Get(ctx context.Context, req Request) (*Record, error)
}

// Composite calls each source in order and returns the first non-nil record.
type Composite struct {
	Sources []Source
}

func (c *Composite) Get(ctx context.Context, req Request) (*Record, error) {
	for _, s := range c.Sources {
		rec, err := s.Get(ctx, req)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// DirectorySource serves records from one directory of <id>.json files.
// All records are loaded into memory on construction; Get never reads disk.
// Put keeps disk and memory in lockstep.
type DirectorySource struct {
	dir     string
	curated bool

	mu    sync.RWMutex
	cache map[string]*Record
}

// NewDirectorySource eager-loads every record under dir. A missing directory
// is an empty source, not an error.
func NewDirectorySource(dir string, curated bool) *DirectorySource {
	s := &DirectorySource{dir: dir, curated: curated, cache: make(map[string]*Record)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("media: cannot read directory", "dir", dir, "error", err)
		}
		return s
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Warn("media: skipping unreadable record", "file", e.Name(), "error", err)
			continue
		}
		if s.curated && rec.Status == "" {
			rec.Status = StatusCurated
		}
		s.cache[rec.UniqueID] = rec
	}
	slog.Debug("media: directory source loaded", "dir", dir, "records", len(s.cache))
	return s
}

func (s *DirectorySource) Get(_ context.Context, req Request) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[req.UniqueID], nil
}

// Put writes the record atomically and updates the in-memory cache so a
// subsequent Get sees it without re-reading disk.
func (s *DirectorySource) Put(rec *Record) error {
	if err := writeRecord(s.dir, rec); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[rec.UniqueID] = rec
	s.mu.Unlock()
	return nil
}

// Len reports the number of cached records.
func (s *DirectorySource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Dir returns the backing directory.
func (s *DirectorySource) Dir() string { return s.dir }
