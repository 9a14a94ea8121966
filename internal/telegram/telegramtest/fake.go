// Package telegramtest provides an in-memory Client for tests.
package telegramtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// Sent records one outbound message or file.
type Sent struct {
	PeerID  int64
	Text    string
	Ref     telegram.FileRef
	Kind    telegram.MediaKind
	ReplyTo int
	Mode    telegram.ParseMode
}

// Ack records one read acknowledgement.
type Ack struct {
	PeerID         int64
	ClearMentions  bool
	ClearReactions bool
}

// Fake is a scriptable telegram.Client. Zero value is usable; populate the
// maps to script reads, inspect the slices to assert writes.
type Fake struct {
	mu sync.Mutex

	Self      int64
	Premium   bool
	Dialogs   []telegram.Dialog
	Histories map[int64][]telegram.Message
	ChatTypes map[int64]telegram.ChatType
	Details   map[int64]*telegram.ChannelDetails
	Sets      map[string]*telegram.StickerSet
	Blobs     map[string][]byte // keyed by fmt.Sprint(ref)

	// Err, when set, is returned from every mutating call.
	Err error

	SentMessages  []Sent
	SentFiles     []Sent
	ReadAcks      []Ack
	TypingActions []telegram.TypingAction
	Blocked       []int64
	Unblocked     []int64
	Deleted       []int64

	handlers []telegram.EventHandler
	nextID   int
}

var _ telegram.Client = (*Fake)(nil)

func (f *Fake) Run(ctx context.Context, ready func(ctx context.Context) error) error {
	if ready != nil {
		if err := ready(ctx); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *Fake) IsAuthorized(ctx context.Context) (bool, error) { return true, nil }
func (f *Fake) SelfID() int64                                  { return f.Self }
func (f *Fake) HasPremium() bool                               { return f.Premium }

func (f *Fake) OnEvent(h telegram.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// Push delivers an event to all subscribers, as the real transport would.
func (f *Fake) Push(ev telegram.Event) {
	f.mu.Lock()
	hs := append([]telegram.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *Fake) IterDialogs(ctx context.Context) ([]telegram.Dialog, error) {
	return append([]telegram.Dialog(nil), f.Dialogs...), nil
}

func (f *Fake) History(ctx context.Context, peerID int64, limit int) ([]telegram.Message, error) {
	msgs := f.Histories[peerID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]telegram.Message(nil), msgs...), nil
}

func (f *Fake) GetMessages(ctx context.Context, peerID int64, ids []int) ([]telegram.Message, error) {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []telegram.Message
	for _, m := range f.Histories[peerID] {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fake) ChatTypeOf(ctx context.Context, peerID int64) (telegram.ChatType, error) {
	if t, ok := f.ChatTypes[peerID]; ok {
		return t, nil
	}
	return telegram.ChatUser, nil
}

func (f *Fake) ChannelDetails(ctx context.Context, peerID int64) (*telegram.ChannelDetails, error) {
	if d, ok := f.Details[peerID]; ok {
		return d, nil
	}
	return &telegram.ChannelDetails{}, nil
}

func (f *Fake) SendMessage(ctx context.Context, peerID int64, text string, replyTo int, mode telegram.ParseMode) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	f.nextID++
	f.SentMessages = append(f.SentMessages, Sent{PeerID: peerID, Text: text, ReplyTo: replyTo, Mode: mode})
	return 1000 + f.nextID, nil
}

func (f *Fake) SendFile(ctx context.Context, peerID int64, ref telegram.FileRef, kind telegram.MediaKind, replyTo int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.SentFiles = append(f.SentFiles, Sent{PeerID: peerID, Ref: ref, Kind: kind, ReplyTo: replyTo})
	return nil
}

func (f *Fake) ReadAck(ctx context.Context, peerID int64, clearMentions, clearReactions bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadAcks = append(f.ReadAcks, Ack{PeerID: peerID, ClearMentions: clearMentions, ClearReactions: clearReactions})
	return nil
}

func (f *Fake) SetTyping(ctx context.Context, peerID int64, action telegram.TypingAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TypingActions = append(f.TypingActions, action)
	return nil
}

func (f *Fake) Block(ctx context.Context, peerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Blocked = append(f.Blocked, peerID)
	return nil
}

func (f *Fake) Unblock(ctx context.Context, peerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Unblocked = append(f.Unblocked, peerID)
	return nil
}

func (f *Fake) Blocklist(ctx context.Context) ([]int64, error) {
	return append([]int64(nil), f.Blocked...), nil
}

func (f *Fake) DeleteHistory(ctx context.Context, peerID int64, revoke bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Deleted = append(f.Deleted, peerID)
	return nil
}

func (f *Fake) GetStickerSet(ctx context.Context, shortName string) (*telegram.StickerSet, error) {
	if set, ok := f.Sets[shortName]; ok {
		return set, nil
	}
	return nil, fmt.Errorf("sticker set %q not found", shortName)
}

func (f *Fake) Download(ctx context.Context, ref telegram.FileRef) ([]byte, error) {
	if b, ok := f.Blobs[fmt.Sprint(ref)]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no blob for ref %v", ref)
}
