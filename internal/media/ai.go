package media

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// animatedEmojiSet is Telegram's built-in emoji sticker pack. The sticker
// name is the emoji itself, so a model call would be wasted.
const animatedEmojiSet = "AnimatedEmojies"

// DescribeTimeout bounds one LLM image/audio description call.
const DescribeTimeout = 12 * time.Second

// AIGeneratingSource downloads the media and asks the LLM to describe it.
// Successful and permanently failed descriptions are cached through Cache;
// timeouts are returned as retryable and deliberately not cached.
type AIGeneratingSource struct {
	// Describe calls the LLM. Wired to llm.Provider.DescribeImage.
	Describe func(ctx context.Context, data []byte, mime string, timeout time.Duration) (string, error)
	Cache    *DirectorySource
	Timeout  time.Duration
	Clock    func() time.Time
}

func (s *AIGeneratingSource) Get(ctx context.Context, req Request) (*Record, error) {
	now := time.Now
	if s.Clock != nil {
		now = s.Clock
	}

	if req.StickerSetName == animatedEmojiSet && req.StickerName != "" {
		rec := &Record{
			UniqueID:       req.UniqueID,
			Description:    req.StickerName,
			Status:         StatusOK,
			Kind:           req.Kind,
			StickerSetName: req.StickerSetName,
			StickerName:    req.StickerName,
			TS:             now(),
		}
		if err := s.Cache.Put(rec); err != nil {
			slog.Warn("media: cache write failed", "id", req.UniqueID, "error", err)
		}
		return rec, nil
	}

	if req.Download == nil {
		return &Record{
			UniqueID:      req.UniqueID,
			Status:        StatusError,
			Kind:          req.Kind,
			FailureReason: "no download handle",
			TS:            now(),
		}, nil
	}

	data, err := req.Download(ctx)
	if err != nil {
		// Download failures are transient (network, flood-wait); do not cache.
		return &Record{
			UniqueID:      req.UniqueID,
			Status:        StatusTimeout,
			Kind:          req.Kind,
			FailureReason: err.Error(),
			Retryable:     true,
			TS:            now(),
		}, nil
	}

	mime := req.Mime
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DescribeTimeout
	}
	desc, err := s.Describe(ctx, data, mime, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Record{
				UniqueID:      req.UniqueID,
				Status:        StatusTimeout,
				Kind:          req.Kind,
				MimeType:      mime,
				FailureReason: err.Error(),
				Retryable:     true,
				TS:            now(),
			}, nil
		}
		rec := &Record{
			UniqueID:       req.UniqueID,
			Status:         StatusError,
			Kind:           req.Kind,
			MimeType:       mime,
			StickerSetName: req.StickerSetName,
			StickerName:    req.StickerName,
			FailureReason:  err.Error(),
			TS:             now(),
		}
		if cerr := s.Cache.Put(rec); cerr != nil {
			slog.Warn("media: cache write failed", "id", req.UniqueID, "error", cerr)
		}
		return rec, nil
	}

	status := StatusOK
	if desc == "" {
		status = StatusNotUnderstood
	}
	rec := &Record{
		UniqueID:       req.UniqueID,
		Description:    desc,
		Status:         status,
		Kind:           req.Kind,
		MimeType:       mime,
		StickerSetName: req.StickerSetName,
		StickerName:    req.StickerName,
		TS:             now(),
	}
	if err := s.Cache.Put(rec); err != nil {
		slog.Warn("media: cache write failed", "id", req.UniqueID, "error", err)
	}
	return rec, nil
}

// ChainConfig assembles the default source chain for one agent.
type ChainConfig struct {
	// CuratedDirs are checked first, in order. The agent-specific curated
	// directory, when present, should be the first entry.
	CuratedDirs []string
	// CacheDir holds AI-generated records.
	CacheDir string
	// Supported gates document MIME types.
	Supported func(mime string) bool
	Budget    *Budget
	Describe  func(ctx context.Context, data []byte, mime string, timeout time.Duration) (string, error)
}

// NewChain builds: curated dirs → AI cache → unsupported gate → budget gate →
// AI generator. It also returns a cached composite over just the curated dirs
// and the AI cache, for lookups that must not consume budget or fabricate
// failure records, and the cache source itself for direct writes during
// sticker import.
func NewChain(cfg ChainConfig) (chain, cached *Composite, cache *DirectorySource) {
	cache = NewDirectorySource(cfg.CacheDir, false)
	var stored []Source
	for _, dir := range cfg.CuratedDirs {
		stored = append(stored, NewDirectorySource(dir, true))
	}
	stored = append(stored, cache)

	sources := append(append([]Source(nil), stored...),
		&UnsupportedFormatSource{Supported: cfg.Supported},
		&BudgetExhaustedSource{Budget: cfg.Budget},
		&AIGeneratingSource{Describe: cfg.Describe, Cache: cache},
	)
	return &Composite{Sources: sources}, &Composite{Sources: stored}, cache
}

// mediaKindOf normalizes transport kinds for record bookkeeping.
func mediaKindOf(m telegram.Media) telegram.MediaKind {
	if m.Kind == "" {
		return telegram.MediaDocument
	}
	return m.Kind
}
