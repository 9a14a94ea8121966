package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/prompt"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// savedMediaScanLimit bounds the Saved Messages walk during cache refresh.
const savedMediaScanLimit = 100

// handleEvent receives pushed transport updates. It must not block; anything
// slow goes through the work queue.
func (a *Agent) handleEvent(ev telegram.Event) {
	switch {
	case ev.PartnerTyping != nil:
		a.Queue.Typing.MarkPartnerTyping(a.ID, ev.PartnerTyping.PeerID, a.Clock.Now())
	case ev.NewMessage != nil:
		a.handleIncoming(ev.NewMessage)
	}
}

func (a *Agent) handleIncoming(msg *telegram.Message) {
	if msg.PeerID == telegram.ServicePeerID || msg.Out {
		return
	}
	if msg.Service {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chatType, err := a.Client.ChatTypeOf(ctx, msg.PeerID)
	if err != nil {
		// Unresolvable here means the entity is not cached yet; the periodic
		// scan picks the dialog up once it is.
		slog.Debug("agent: cannot classify peer", "agent", a.ID, "peer", msg.PeerID, "error", err)
		return
	}
	isGroup := chatType != telegram.ChatUser

	if !isGroup {
		// A fresh DM message means the partner may still be composing
		// follow-ups; refresh the hold-off window.
		a.Queue.Typing.MarkPartnerTyping(a.ID, msg.PeerID, a.Clock.Now())
	}

	if a.isBlocked(msg.SenderID) {
		return
	}

	a.Queue.InsertReceivedTask(tasks.ReceivedInsert{
		AgentID:     a.ID,
		ChannelID:   msg.PeerID,
		IsGroupChat: isGroup,
		MessageID:   msg.ID,
		IsCallout:   isGroup && a.isCallout(msg),
	})
}

// isCallout reports whether a group message addresses the agent by name.
func (a *Agent) isCallout(msg *telegram.Message) bool {
	return strings.Contains(strings.ToLower(msg.Text), strings.ToLower(a.Cfg.Name))
}

func (a *Agent) isBlocked(userID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocklist[userID]
}

// scanUnread walks the dialog list and coalesces every unread conversation
// into its received task. Push updates cover the common case; the scan covers
// what push missed (restarts, reactions, unread marks).
func (a *Agent) scanUnread(ctx context.Context) {
	dialogs, err := a.Client.IterDialogs(ctx)
	if err != nil {
		slog.Warn("agent: dialog scan failed", "agent", a.ID, "error", err)
		return
	}
	for _, d := range dialogs {
		if d.Muted || d.PeerID == telegram.ServicePeerID {
			continue
		}
		if d.Type == telegram.ChatUser && a.isBlocked(d.PeerID) {
			continue
		}
		if a.Queue.Gagged != nil && a.Queue.Gagged(a.ID, d.PeerID) {
			continue
		}
		a.scanDialog(ctx, d)
	}
}

func (a *Agent) scanDialog(ctx context.Context, d telegram.Dialog) {
	isGroup := d.Type != telegram.ChatUser

	if d.UnreadReactionsCount > 0 {
		// Reactions only matter on the agent's own messages; reactions among
		// other group members are not the agent's business.
		msgs, err := a.Client.History(ctx, d.PeerID, a.Cfg.HistorySize)
		if err != nil {
			slog.Debug("agent: reaction scan failed", "agent", a.ID, "peer", d.PeerID, "error", err)
		} else {
			for _, m := range msgs {
				if m.Out && len(m.Reactions) > 0 {
					a.Queue.InsertReceivedTask(tasks.ReceivedInsert{
						AgentID:           a.ID,
						ChannelID:         d.PeerID,
						IsGroupChat:       isGroup,
						ReactionMessageID: m.ID,
						ClearReactions:    true,
					})
				}
			}
		}
	}

	if d.UnreadCount == 0 && d.UnreadMentionsCount == 0 && !d.UnreadMark {
		return
	}

	// A lone "joined Telegram" service notice is acknowledged, not planned on.
	if d.Type == telegram.ChatUser && d.UnreadCount == 1 {
		msgs, err := a.Client.History(ctx, d.PeerID, 1)
		if err == nil && len(msgs) == 1 && msgs[0].Service && msgs[0].ServiceKind == "contact_signup" {
			if err := a.Client.ReadAck(ctx, d.PeerID, false, false); err != nil {
				slog.Debug("agent: read ack failed", "agent", a.ID, "peer", d.PeerID, "error", err)
			}
			return
		}
	}

	a.Queue.InsertReceivedTask(tasks.ReceivedInsert{
		AgentID:       a.ID,
		ChannelID:     d.PeerID,
		IsGroupChat:   isGroup,
		IsCallout:     d.UnreadMentionsCount > 0,
		ClearMentions: d.UnreadMentionsCount > 0,
	})
}

// RefreshCaches rebuilds the sticker map, the Saved Messages media catalog,
// and the blocklist. Runs once per connect and on demand from the console.
func (a *Agent) RefreshCaches(ctx context.Context) {
	stickers, catalog := a.loadStickers(ctx)
	mediaRefs, mediaCat := a.loadSavedMedia(ctx)
	blocked := a.loadBlocklist(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if stickers != nil {
		a.stickers = stickers
		a.catalog = catalog
	}
	if mediaRefs != nil {
		a.mediaRefs = mediaRefs
		a.mediaCat = mediaCat
	}
	if blocked != nil {
		a.blocklist = blocked
	}
}

func (a *Agent) loadStickers(ctx context.Context) (map[string]telegram.FileRef, []prompt.Sticker) {
	refs := make(map[string]telegram.FileRef)
	var catalog []prompt.Sticker
	sets := make(map[string]*telegram.StickerSet)

	resolve := func(shortName string) *telegram.StickerSet {
		if set, ok := sets[shortName]; ok {
			return set
		}
		set, err := a.Client.GetStickerSet(ctx, shortName)
		if err != nil {
			slog.Warn("agent: sticker set load failed", "agent", a.ID, "set", shortName, "error", err)
			sets[shortName] = nil
			return nil
		}
		sets[shortName] = set
		return set
	}

	add := func(set *telegram.StickerSet, m telegram.Media) {
		refs[set.ShortName+"/"+m.StickerName] = m.Ref
		catalog = append(catalog, prompt.Sticker{
			SetName:     set.ShortName,
			StickerName: m.StickerName,
			Description: a.describe(ctx, m),
			Premium:     m.Premium,
		})
	}

	for _, name := range a.Cfg.StickerSets {
		set := resolve(name)
		if set == nil {
			continue
		}
		for _, m := range set.Stickers {
			add(set, m)
		}
	}
	for _, ref := range a.Cfg.ExplicitStickers {
		set := resolve(ref.SetName)
		if set == nil {
			continue
		}
		for _, m := range set.Stickers {
			if m.StickerName == ref.StickerName {
				add(set, m)
				break
			}
		}
	}
	if len(sets) == 0 {
		return nil, nil
	}
	slog.Debug("agent: sticker cache refreshed", "agent", a.ID, "stickers", len(refs))
	return refs, catalog
}

// loadSavedMedia indexes the agent's Saved Messages so the model can re-send
// previously stashed attachments by unique id.
func (a *Agent) loadSavedMedia(ctx context.Context) (map[string]savedMedia, []prompt.MediaItem) {
	msgs, err := a.Client.History(ctx, a.Client.SelfID(), savedMediaScanLimit)
	if err != nil {
		slog.Warn("agent: saved messages scan failed", "agent", a.ID, "error", err)
		return nil, nil
	}
	refs := make(map[string]savedMedia)
	var catalog []prompt.MediaItem
	for _, msg := range msgs {
		for _, m := range msg.Media {
			if _, seen := refs[m.UniqueID]; seen {
				continue
			}
			refs[m.UniqueID] = savedMedia{ref: m.Ref, kind: m.Kind}
			catalog = append(catalog, prompt.MediaItem{
				UniqueID:    m.UniqueID,
				Kind:        string(m.Kind),
				Description: a.describe(ctx, m),
			})
		}
	}
	return refs, catalog
}

func (a *Agent) loadBlocklist(ctx context.Context) map[int64]bool {
	ids, err := a.Client.Blocklist(ctx)
	if err != nil {
		slog.Warn("agent: blocklist load failed", "agent", a.ID, "error", err)
		return nil
	}
	blocked := make(map[int64]bool, len(ids))
	for _, id := range ids {
		blocked[id] = true
	}
	return blocked
}

func (a *Agent) describe(ctx context.Context, m telegram.Media) string {
	rec := a.injector.Describe(ctx, m)
	if rec.Usable() {
		return rec.Description
	}
	return ""
}
