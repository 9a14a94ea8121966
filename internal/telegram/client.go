package telegram

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotAuthorized is returned while the stored session is missing or stale.
// The runtime retries; the admin console can complete login out-of-band.
var ErrNotAuthorized = errors.New("telegram: not authorized")

// ErrEntityUnresolvable means the peer cannot be turned into an input entity
// without triggering a contact lookup. Permanent for block/unblock.
var ErrEntityUnresolvable = errors.New("telegram: entity unresolvable")

// FloodWaitError is the transport's rate-limit pushback. Retryable.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram: flood wait %ds", e.Seconds)
}

// Event is an update pushed by the transport. Exactly one field is set.
type Event struct {
	NewMessage    *Message
	PartnerTyping *TypingEvent
}

// TypingEvent reports that a user started typing in a dialog.
type TypingEvent struct {
	PeerID int64
	UserID int64
}

// EventHandler receives pushed updates. It must not block.
type EventHandler func(Event)

// Client is the minimal MTProto surface the core consumes. Implementations
// must be safe for concurrent use once Run has signalled readiness.
type Client interface {
	// Run connects and blocks until ctx is cancelled or the connection drops.
	// ready is invoked once the session is online and authorized.
	Run(ctx context.Context, ready func(ctx context.Context) error) error

	IsAuthorized(ctx context.Context) (bool, error)
	SelfID() int64

	OnEvent(h EventHandler)

	IterDialogs(ctx context.Context) ([]Dialog, error)
	History(ctx context.Context, peerID int64, limit int) ([]Message, error)
	GetMessages(ctx context.Context, peerID int64, ids []int) ([]Message, error)
	ChatTypeOf(ctx context.Context, peerID int64) (ChatType, error)
	ChannelDetails(ctx context.Context, peerID int64) (*ChannelDetails, error)

	SendMessage(ctx context.Context, peerID int64, text string, replyTo int, mode ParseMode) (int, error)
	SendFile(ctx context.Context, peerID int64, ref FileRef, kind MediaKind, replyTo int) error
	ReadAck(ctx context.Context, peerID int64, clearMentions, clearReactions bool) error
	SetTyping(ctx context.Context, peerID int64, action TypingAction) error

	Block(ctx context.Context, peerID int64) error
	Unblock(ctx context.Context, peerID int64) error
	Blocklist(ctx context.Context) ([]int64, error)
	DeleteHistory(ctx context.Context, peerID int64, revoke bool) error

	GetStickerSet(ctx context.Context, shortName string) (*StickerSet, error)
	Download(ctx context.Context, ref FileRef) ([]byte, error)

	// HasPremium reports whether the agent account can send premium stickers.
	HasPremium() bool
}
