package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/media"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// MediaRecord looks up the stored description for a media id, nil when
// neither the curated dirs nor the AI cache have seen it. The read must not
// reach the generating tail of the chain: an admin browse should never spend
// description budget or mint failure records.
func (a *Agent) MediaRecord(ctx context.Context, uniqueID string) (*media.Record, error) {
	return a.cached.Get(ctx, media.Request{UniqueID: uniqueID})
}

// SetMediaDescription writes a hand-curated description into the AI cache,
// overriding whatever the model produced.
func (a *Agent) SetMediaDescription(uniqueID string, kind telegram.MediaKind, description string) error {
	if description == "" {
		return fmt.Errorf("description must not be empty")
	}
	return a.aiCache.Put(&media.Record{
		UniqueID:    uniqueID,
		Description: description,
		Status:      media.StatusCurated,
		Kind:        kind,
		TS:          a.Clock.Now(),
	})
}

// ExportMedia returns the raw bytes for a media id the agent can reach via
// its Saved Messages cache. Downloads are stashed next to the cached record
// so repeat exports skip the transport.
func (a *Agent) ExportMedia(ctx context.Context, uniqueID string) ([]byte, telegram.MediaKind, error) {
	ref, kind, ok := a.mediaRef(uniqueID)
	if !ok {
		return nil, "", fmt.Errorf("no transport reference for media %q", uniqueID)
	}
	path := a.blobPath(uniqueID, kind)
	if data, err := os.ReadFile(path); err == nil {
		return data, kind, nil
	}
	data, err := a.Client.Download(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			slog.Debug("agent: media blob cache write failed", "agent", a.ID, "media", uniqueID, "error", err)
		}
	}
	return data, kind, nil
}

func (a *Agent) blobPath(uniqueID string, kind telegram.MediaKind) string {
	ext := ".bin"
	switch kind {
	case telegram.MediaPhoto:
		ext = ".jpg"
	case telegram.MediaSticker:
		ext = ".webp"
	case telegram.MediaGIF, telegram.MediaVideo, telegram.MediaAnimation:
		ext = ".mp4"
	}
	return filepath.Join(a.aiCache.Dir(), uniqueID+ext)
}

// ImportStickerSet resolves a set and pushes every sticker through the
// description chain, caching what the model produces. Returns how many
// stickers ended up with a usable description.
func (a *Agent) ImportStickerSet(ctx context.Context, shortName string) (int, error) {
	set, err := a.Client.GetStickerSet(ctx, shortName)
	if err != nil {
		return 0, err
	}
	described := 0
	for _, m := range set.Stickers {
		if m.StickerSetTitle == "" {
			m.StickerSetTitle = set.Title
		}
		if rec := a.injector.Describe(ctx, m); rec.Usable() {
			described++
		}
	}
	return described, nil
}
