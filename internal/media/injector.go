package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// Injector rewrites message history so every attachment is represented by a
// "⟦media⟧ …" sentence the model can read.
type Injector struct {
	Chain    Source
	Download func(ctx context.Context, ref telegram.FileRef) ([]byte, error)
	// ResolveSet fills in a sticker-set title when the message only carries
	// the short name. Optional.
	ResolveSet func(ctx context.Context, shortName string) (*telegram.StickerSet, error)

	setTitles map[string]string
}

// Inject returns a copy of msgs with media sentences appended to each
// message's text. The input slice is not modified.
func (in *Injector) Inject(ctx context.Context, msgs []telegram.Message) []telegram.Message {
	out := make([]telegram.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(out[i].Media) == 0 {
			continue
		}
		var parts []string
		if out[i].Text != "" {
			parts = append(parts, out[i].Text)
		}
		for _, m := range out[i].Media {
			parts = append(parts, in.sentence(ctx, m))
		}
		out[i].Text = strings.Join(parts, "\n")
	}
	return out
}

// Describe resolves one media item through the chain.
func (in *Injector) Describe(ctx context.Context, m telegram.Media) *Record {
	req := Request{
		UniqueID:        m.UniqueID,
		Kind:            mediaKindOf(m),
		Mime:            m.Mime,
		StickerSetName:  m.StickerSetName,
		StickerSetTitle: in.setTitle(ctx, m),
		StickerName:     m.StickerName,
	}
	if in.Download != nil && m.Ref != nil {
		ref := m.Ref
		req.Download = func(ctx context.Context) ([]byte, error) {
			return in.Download(ctx, ref)
		}
	}
	rec, err := in.Chain.Get(ctx, req)
	if err != nil {
		slog.Warn("media: chain lookup failed", "id", m.UniqueID, "error", err)
		return nil
	}
	return rec
}

func (in *Injector) sentence(ctx context.Context, m telegram.Media) string {
	rec := in.Describe(ctx, m)

	label := string(mediaKindOf(m))
	switch m.Kind {
	case telegram.MediaSticker, telegram.MediaAnimatedSticker:
		set := in.setTitle(ctx, m)
		if set == "" {
			set = m.StickerSetName
		}
		name := m.StickerName
		switch {
		case name != "" && set != "":
			label = fmt.Sprintf("sticker %q from the set %q", name, set)
		case name != "":
			label = fmt.Sprintf("sticker %q", name)
		default:
			label = "sticker"
		}
	case telegram.MediaGIF, telegram.MediaAnimation:
		label = "animation"
	}

	if rec.Usable() {
		return fmt.Sprintf("⟦media⟧ %s: %s", label, rec.Description)
	}
	if rec == nil {
		return fmt.Sprintf("⟦media⟧ %s (no description available)", label)
	}
	switch rec.Status {
	case StatusBudgetExhausted, StatusTimeout, StatusPendingDescription:
		return fmt.Sprintf("⟦media⟧ %s (description not yet available)", label)
	case StatusUnsupportedFormat:
		return fmt.Sprintf("⟦media⟧ %s (format cannot be described)", label)
	default:
		return fmt.Sprintf("⟦media⟧ %s (no description available)", label)
	}
}

func (in *Injector) setTitle(ctx context.Context, m telegram.Media) string {
	if m.StickerSetTitle != "" {
		return m.StickerSetTitle
	}
	if m.StickerSetName == "" || in.ResolveSet == nil {
		return ""
	}
	if in.setTitles == nil {
		in.setTitles = make(map[string]string)
	}
	if title, ok := in.setTitles[m.StickerSetName]; ok {
		return title
	}
	set, err := in.ResolveSet(ctx, m.StickerSetName)
	if err != nil {
		slog.Debug("media: sticker set resolution failed", "set", m.StickerSetName, "error", err)
		in.setTitles[m.StickerSetName] = ""
		return ""
	}
	in.setTitles[m.StickerSetName] = set.Title
	return set.Title
}
