package gotd

import (
	"strconv"
	"time"

	"github.com/gotd/td/tg"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// DocumentRef is a FileRef for a document (sticker, video, audio, file).
type DocumentRef struct {
	ID            int64
	AccessHash    int64
	FileReference []byte
}

// PhotoRef is a FileRef for a photo.
type PhotoRef struct {
	ID            int64
	AccessHash    int64
	FileReference []byte
	ThumbType     string
}

// convertMessage maps a raw tg message onto the core message model.
func (c *Conn) convertMessage(m *tg.Message) *telegram.Message {
	peer := peerID(m.PeerID)
	if peer == 0 {
		return nil
	}
	senderID := peer
	if from, ok := m.FromID.(*tg.PeerUser); ok {
		senderID = from.UserID
	}
	out := &telegram.Message{
		ID:       m.ID,
		PeerID:   peer,
		SenderID: senderID,
		Out:      m.Out,
		Text:     m.Message,
		Date:     time.Unix(int64(m.Date), 0),
	}
	if u, ok := c.peers.user(senderID); ok {
		out.SenderName = displayName(u)
	}
	if reply, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok {
		out.ReplyToID = reply.ReplyToMsgID
	}
	if m.Media != nil {
		if media := convertMedia(m.Media); media != nil {
			out.Media = append(out.Media, *media)
		}
	}
	if reactions, ok := m.GetReactions(); ok {
		for _, r := range reactions.RecentReactions {
			emoji := ""
			if e, ok := r.Reaction.(*tg.ReactionEmoji); ok {
				emoji = e.Emoticon
			}
			out.Reactions = append(out.Reactions, telegram.Reaction{
				Emoticon: emoji,
				ActorID:  peerID(r.PeerID),
			})
		}
	}
	return out
}

func displayName(u *tg.User) string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}

// convertMedia maps photo and document media; everything else is dropped.
func convertMedia(mc tg.MessageMediaClass) *telegram.Media {
	switch m := mc.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		return &telegram.Media{
			Kind:     telegram.MediaPhoto,
			UniqueID: photoUniqueID(photo),
			Mime:     "image/jpeg",
			Ref: PhotoRef{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbType:     largestThumb(photo),
			},
		}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil
		}
		return convertDocument(doc)
	}
	return nil
}

func convertDocument(doc *tg.Document) *telegram.Media {
	media := &telegram.Media{
		Kind:     telegram.MediaDocument,
		UniqueID: docUniqueID(doc),
		Mime:     doc.MimeType,
		Ref: DocumentRef{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		},
	}
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeSticker:
			media.Kind = telegram.MediaSticker
			media.StickerName = a.Alt
			if set, ok := a.Stickerset.(*tg.InputStickerSetShortName); ok {
				media.StickerSetName = set.ShortName
			}
			if doc.MimeType == "application/x-tgsticker" {
				media.Kind = telegram.MediaAnimatedSticker
			}
		case *tg.DocumentAttributeVideo:
			if media.Kind == telegram.MediaDocument {
				media.Kind = telegram.MediaVideo
			}
			media.DurationSec = int(a.Duration)
		case *tg.DocumentAttributeAudio:
			media.Kind = telegram.MediaAudio
			media.DurationSec = int(a.Duration)
		case *tg.DocumentAttributeAnimated:
			media.Kind = telegram.MediaAnimation
		}
	}
	if doc.MimeType == "image/gif" {
		media.Kind = telegram.MediaGIF
	}
	return media
}

// docUniqueID derives a stable cache key for a document. The MTProto id is
// stable per file; the access hash is not part of the key.
func docUniqueID(doc *tg.Document) string {
	return "doc-" + strconv.FormatInt(doc.ID, 10)
}

func photoUniqueID(photo *tg.Photo) string {
	return "photo-" + strconv.FormatInt(photo.ID, 10)
}

func largestThumb(photo *tg.Photo) string {
	best := ""
	for _, s := range photo.Sizes {
		if sz, ok := s.(*tg.PhotoSize); ok {
			best = sz.Type
		}
	}
	return best
}
