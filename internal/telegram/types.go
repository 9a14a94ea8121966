// Package telegram defines the transport surface the agent core consumes.
// The concrete MTProto binding lives in the gotd subpackage; everything
// above it depends only on these types so tests can run against fakes.
package telegram

import "time"

// ChatType distinguishes the three peer classes.
type ChatType string

const (
	ChatUser    ChatType = "user"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// ServicePeerID is Telegram's system notification account. Messages from it
// are never planned on.
const ServicePeerID int64 = 777000

// Dialog is one entry from the dialog list with its unread counters.
type Dialog struct {
	PeerID               int64
	Type                 ChatType
	Title                string
	UnreadCount          int
	UnreadMentionsCount  int
	UnreadReactionsCount int
	Muted                bool
	UnreadMark           bool
}

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaPhoto           MediaKind = "photo"
	MediaSticker         MediaKind = "sticker"
	MediaAnimatedSticker MediaKind = "animated_sticker"
	MediaVideo           MediaKind = "video"
	MediaGIF             MediaKind = "gif"
	MediaAnimation       MediaKind = "animation"
	MediaAudio           MediaKind = "audio"
	MediaDocument        MediaKind = "document"
)

// FileRef is an opaque handle the binding understands for download and re-send.
type FileRef interface{}

// Media is one attachment extracted from a message. Two values with the same
// UniqueID refer to the same underlying file.
type Media struct {
	Kind            MediaKind
	UniqueID        string
	Mime            string
	StickerSetName  string
	StickerSetTitle string
	StickerName     string
	DurationSec     int
	Premium         bool
	Ref             FileRef
}

// Reaction is one reaction on a message.
type Reaction struct {
	Emoticon string
	ActorID  int64
}

// Message is the transport-neutral view of one chat message.
type Message struct {
	ID         int
	PeerID     int64
	SenderID   int64
	SenderName string
	Out        bool // sent by the agent itself
	Text       string
	Date       time.Time
	ReplyToID  int
	Media      []Media
	Reactions  []Reaction

	// Service messages (joins, sign-up notices) carry no plannable content.
	Service     bool
	ServiceKind string // e.g. "contact_signup"
}

// ChannelDetails describes the conversation partner or group for the prompt.
type ChannelDetails struct {
	Type ChatType

	// Direct messages.
	FirstName string
	LastName  string
	Username  string
	Bio       string
	Birthday  string
	Phone     string

	// Groups and channels.
	Title            string
	ParticipantCount int
	AdminCount       int
	Description      string
	PhotoUniqueID    string

	// PhotoDescription is filled in by the caller from the media chain when
	// a description of the chat photo is available.
	PhotoDescription string
}

// StickerSet is a resolved sticker pack.
type StickerSet struct {
	ShortName string
	Title     string
	Stickers  []Media
}

// ParseMode selects how outbound text is interpreted for formatting.
type ParseMode string

const (
	// ParseNone sends the text verbatim.
	ParseNone ParseMode = ""
	// ParseMarkdown renders **bold**, __italic__, ~~strike~~, `code`,
	// ```pre``` and [label](url) spans as message entities.
	ParseMarkdown ParseMode = "markdown"
)

// TypingAction selects the presence signal sent with SetTyping.
type TypingAction string

const (
	// ActionTyping shows the "typing..." indicator.
	ActionTyping TypingAction = "typing"
	// ActionCancel clears the indicator but still bumps online presence.
	ActionCancel TypingAction = "cancel"
)
