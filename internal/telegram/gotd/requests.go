package gotd

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// wrapErr maps MTProto errors onto the core error model.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &telegram.FloodWaitError{Seconds: int(d.Seconds())}
	}
	return err
}

func (c *Conn) IterDialogs(ctx context.Context) ([]telegram.Dialog, error) {
	api, err := c.raw(ctx)
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	var rawDialogs []tg.DialogClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		c.peers.absorbUsersChats(d.Users, d.Chats)
		rawDialogs = d.Dialogs
	case *tg.MessagesDialogsSlice:
		c.peers.absorbUsersChats(d.Users, d.Chats)
		rawDialogs = d.Dialogs
	default:
		return nil, fmt.Errorf("unexpected dialogs type %T", res)
	}

	out := make([]telegram.Dialog, 0, len(rawDialogs))
	for _, dc := range rawDialogs {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		id := peerID(d.Peer)
		chatType, err := c.peers.chatTypeOf(id)
		if err != nil {
			continue
		}
		out = append(out, telegram.Dialog{
			PeerID:               id,
			Type:                 chatType,
			Title:                c.titleOf(id),
			UnreadCount:          d.UnreadCount,
			UnreadMentionsCount:  d.UnreadMentionsCount,
			UnreadReactionsCount: d.UnreadReactionsCount,
			Muted:                muted(d.NotifySettings),
			UnreadMark:           d.UnreadMark,
		})
	}
	return out, nil
}

func muted(s tg.PeerNotifySettings) bool {
	until, ok := s.GetMuteUntil()
	return ok && until > 0
}

func (c *Conn) titleOf(id int64) string {
	c.peers.mu.Lock()
	defer c.peers.mu.Unlock()
	if u, ok := c.peers.users[id]; ok {
		return displayName(u)
	}
	if ch, ok := c.peers.chats[id]; ok {
		return ch.Title
	}
	if ch, ok := c.peers.channels[id]; ok {
		return ch.Title
	}
	return ""
}

func (c *Conn) History(ctx context.Context, peerID int64, limit int) ([]telegram.Message, error) {
	api, err := c.raw(ctx)
	if err != nil {
		return nil, err
	}
	peer, err := c.peers.inputPeer(peerID)
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		Limit: limit,
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return c.collectMessages(res), nil
}

func (c *Conn) GetMessages(ctx context.Context, peerID int64, ids []int) ([]telegram.Message, error) {
	api, err := c.raw(ctx)
	if err != nil {
		return nil, err
	}
	inputIDs := make([]tg.InputMessageClass, 0, len(ids))
	for _, id := range ids {
		inputIDs = append(inputIDs, &tg.InputMessageID{ID: id})
	}
	res, err := api.MessagesGetMessages(ctx, inputIDs)
	if err != nil {
		return nil, wrapErr(err)
	}
	return c.collectMessages(res), nil
}

// collectMessages flattens a messages response, oldest first.
func (c *Conn) collectMessages(res tg.MessagesMessagesClass) []telegram.Message {
	var raw []tg.MessageClass
	switch m := res.(type) {
	case *tg.MessagesMessages:
		c.peers.absorbUsersChats(m.Users, m.Chats)
		raw = m.Messages
	case *tg.MessagesMessagesSlice:
		c.peers.absorbUsersChats(m.Users, m.Chats)
		raw = m.Messages
	case *tg.MessagesChannelMessages:
		c.peers.absorbUsersChats(m.Users, m.Chats)
		raw = m.Messages
	default:
		return nil
	}
	out := make([]telegram.Message, 0, len(raw))
	// The API returns newest first; the core wants chronological order.
	for i := len(raw) - 1; i >= 0; i-- {
		switch m := raw[i].(type) {
		case *tg.Message:
			if converted := c.convertMessage(m); converted != nil {
				out = append(out, *converted)
			}
		case *tg.MessageService:
			out = append(out, telegram.Message{
				ID:          m.ID,
				PeerID:      peerID(m.PeerID),
				Service:     true,
				ServiceKind: serviceKind(m.Action),
			})
		}
	}
	return out
}

func serviceKind(action tg.MessageActionClass) string {
	switch action.(type) {
	case *tg.MessageActionContactSignUp:
		return "contact_signup"
	case *tg.MessageActionChatAddUser:
		return "chat_add_user"
	default:
		return "other"
	}
}

func (c *Conn) ChatTypeOf(ctx context.Context, peerID int64) (telegram.ChatType, error) {
	return c.peers.chatTypeOf(peerID)
}

func (c *Conn) ChannelDetails(ctx context.Context, peerID int64) (*telegram.ChannelDetails, error) {
	api, err := c.raw(ctx)
	if err != nil {
		return nil, err
	}
	chatType, err := c.peers.chatTypeOf(peerID)
	if err != nil {
		return nil, err
	}

	switch chatType {
	case telegram.ChatUser:
		input, err := c.peers.inputUser(peerID)
		if err != nil {
			return nil, err
		}
		full, err := api.UsersGetFullUser(ctx, input)
		if err != nil {
			return nil, wrapErr(err)
		}
		c.peers.absorbUsersChats(full.Users, full.Chats)
		d := &telegram.ChannelDetails{Type: telegram.ChatUser, Bio: full.FullUser.About}
		if u, ok := c.peers.user(peerID); ok {
			d.FirstName = u.FirstName
			d.LastName = u.LastName
			d.Username = u.Username
			d.Phone = u.Phone
		}
		if bday, ok := full.FullUser.GetBirthday(); ok {
			d.Birthday = fmt.Sprintf("%04d-%02d-%02d", bday.Year, bday.Month, bday.Day)
		}
		return d, nil

	default:
		c.peers.mu.Lock()
		ch, isChannel := c.peers.channels[peerID]
		c.peers.mu.Unlock()
		if !isChannel {
			full, err := api.MessagesGetFullChat(ctx, peerID)
			if err != nil {
				return nil, wrapErr(err)
			}
			c.peers.absorbUsersChats(full.Users, full.Chats)
			d := &telegram.ChannelDetails{Type: chatType, Title: c.titleOf(peerID)}
			if cf, ok := full.FullChat.(*tg.ChatFull); ok {
				d.Description = cf.About
				if parts, ok := cf.Participants.(*tg.ChatParticipants); ok {
					d.ParticipantCount = len(parts.Participants)
				}
			}
			return d, nil
		}
		full, err := api.ChannelsGetFullChannel(ctx, &tg.InputChannel{
			ChannelID: ch.ID, AccessHash: ch.AccessHash,
		})
		if err != nil {
			return nil, wrapErr(err)
		}
		c.peers.absorbUsersChats(full.Users, full.Chats)
		d := &telegram.ChannelDetails{Type: chatType, Title: ch.Title}
		if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
			d.Description = cf.About
			d.ParticipantCount = cf.ParticipantsCount
			d.AdminCount = cf.AdminsCount
		}
		return d, nil
	}
}

func (c *Conn) SendMessage(ctx context.Context, peerID int64, text string, replyTo int, mode telegram.ParseMode) (int, error) {
	api, err := c.raw(ctx)
	if err != nil {
		return 0, err
	}
	peer, err := c.peers.inputPeer(peerID)
	if err != nil {
		return 0, err
	}
	var entities []tg.MessageEntityClass
	if mode == telegram.ParseMarkdown {
		text, entities = parseMarkdown(text)
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID(),
	}
	if len(entities) > 0 {
		req.Entities = entities
	}
	if replyTo != 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyTo}
	}
	updates, err := api.MessagesSendMessage(ctx, req)
	if err != nil {
		return 0, wrapErr(err)
	}
	return sentMessageID(updates), nil
}

// sentMessageID digs the new message id out of the updates reply.
func sentMessageID(u tg.UpdatesClass) int {
	switch upd := u.(type) {
	case *tg.UpdateShortSentMessage:
		return upd.ID
	case *tg.Updates:
		for _, item := range upd.Updates {
			if m, ok := item.(*tg.UpdateMessageID); ok {
				return m.ID
			}
		}
	}
	return 0
}

func (c *Conn) SendFile(ctx context.Context, peerID int64, ref telegram.FileRef, kind telegram.MediaKind, replyTo int) error {
	api, err := c.raw(ctx)
	if err != nil {
		return err
	}
	peer, err := c.peers.inputPeer(peerID)
	if err != nil {
		return err
	}
	var media tg.InputMediaClass
	switch r := ref.(type) {
	case DocumentRef:
		media = &tg.InputMediaDocument{ID: &tg.InputDocument{
			ID: r.ID, AccessHash: r.AccessHash, FileReference: r.FileReference,
		}}
	case PhotoRef:
		media = &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID: r.ID, AccessHash: r.AccessHash, FileReference: r.FileReference,
		}}
	default:
		return fmt.Errorf("unsupported file ref %T", ref)
	}
	req := &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    media,
		RandomID: randomID(),
	}
	if replyTo != 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyTo}
	}
	_, err = api.MessagesSendMedia(ctx, req)
	return wrapErr(err)
}

func (c *Conn) ReadAck(ctx context.Context, peerID int64, clearMentions, clearReactions bool) error {
	api, err := c.raw(ctx)
	if err != nil {
		return err
	}
	peer, err := c.peers.inputPeer(peerID)
	if err != nil {
		return err
	}
	if _, err := api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{Peer: peer}); err != nil {
		return wrapErr(err)
	}
	if clearMentions {
		if _, err := api.MessagesReadMentions(ctx, &tg.MessagesReadMentionsRequest{Peer: peer}); err != nil {
			return wrapErr(err)
		}
	}
	if clearReactions {
		if _, err := api.MessagesReadReactions(ctx, &tg.MessagesReadReactionsRequest{Peer: peer}); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func (c *Conn) SetTyping(ctx context.Context, peerID int64, action telegram.TypingAction) error {
	api, err := c.raw(ctx)
	if err != nil {
		return err
	}
	peer, err := c.peers.inputPeer(peerID)
	if err != nil {
		return err
	}
	var tgAction tg.SendMessageActionClass = &tg.SendMessageTypingAction{}
	if action == telegram.ActionCancel {
		tgAction = &tg.SendMessageCancelAction{}
	}
	_, err = api.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{Peer: peer, Action: tgAction})
	return wrapErr(err)
}

func (c *Conn) Block(ctx context.Context, peerID int64) error {
	api, err := c.raw(ctx)
	if err != nil {
		return err
	}
	peer, err := c.peers.inputPeer(peerID)
	if err != nil {
		return err
	}
	_, err = api.ContactsBlock(ctx, &tg.ContactsBlockRequest{ID: peer})
	return wrapErr(err)
}

func (c *Conn) Unblock(ctx context.Context, peerID int64) error {
	api, err := c.raw(ctx)
	if err != nil {
		return err
	}
	peer, err := c.peers.inputPeer(peerID)
	if err != nil {
		return err
	}
	_, err = api.ContactsUnblock(ctx, &tg.ContactsUnblockRequest{ID: peer})
	return wrapErr(err)
}

func (c *Conn) Blocklist(ctx context.Context) ([]int64, error) {
	api, err := c.raw(ctx)
	if err != nil {
		return nil, err
	}
	res, err := api.ContactsGetBlocked(ctx, &tg.ContactsGetBlockedRequest{Limit: 100})
	if err != nil {
		return nil, wrapErr(err)
	}
	var blocked []tg.PeerBlocked
	switch b := res.(type) {
	case *tg.ContactsBlocked:
		c.peers.absorbUsersChats(b.Users, b.Chats)
		blocked = b.Blocked
	case *tg.ContactsBlockedSlice:
		c.peers.absorbUsersChats(b.Users, b.Chats)
		blocked = b.Blocked
	}
	out := make([]int64, 0, len(blocked))
	for _, pb := range blocked {
		out = append(out, peerID(pb.PeerID))
	}
	return out, nil
}

func (c *Conn) DeleteHistory(ctx context.Context, peerID int64, revoke bool) error {
	api, err := c.raw(ctx)
	if err != nil {
		return err
	}
	peer, err := c.peers.inputPeer(peerID)
	if err != nil {
		return err
	}
	_, err = api.MessagesDeleteHistory(ctx, &tg.MessagesDeleteHistoryRequest{
		Peer:   peer,
		Revoke: revoke,
	})
	return wrapErr(err)
}

func (c *Conn) GetStickerSet(ctx context.Context, shortName string) (*telegram.StickerSet, error) {
	api, err := c.raw(ctx)
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetStickerSet(ctx, &tg.MessagesGetStickerSetRequest{
		Stickerset: &tg.InputStickerSetShortName{ShortName: shortName},
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	set, ok := res.(*tg.MessagesStickerSet)
	if !ok {
		return nil, fmt.Errorf("unexpected sticker set reply %T", res)
	}
	out := &telegram.StickerSet{
		ShortName: set.Set.ShortName,
		Title:     set.Set.Title,
	}
	for _, dc := range set.Documents {
		doc, ok := dc.(*tg.Document)
		if !ok {
			continue
		}
		media := convertDocument(doc)
		media.StickerSetName = set.Set.ShortName
		media.StickerSetTitle = set.Set.Title
		out.Stickers = append(out.Stickers, *media)
	}
	return out, nil
}

func (c *Conn) Download(ctx context.Context, ref telegram.FileRef) ([]byte, error) {
	api, err := c.raw(ctx)
	if err != nil {
		return nil, err
	}
	var loc tg.InputFileLocationClass
	switch r := ref.(type) {
	case DocumentRef:
		loc = &tg.InputDocumentFileLocation{
			ID: r.ID, AccessHash: r.AccessHash, FileReference: r.FileReference,
		}
	case PhotoRef:
		loc = &tg.InputPhotoFileLocation{
			ID: r.ID, AccessHash: r.AccessHash, FileReference: r.FileReference,
			ThumbSize: r.ThumbType,
		}
	default:
		return nil, fmt.Errorf("unsupported file ref %T", ref)
	}
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, &buf); err != nil {
		return nil, wrapErr(err)
	}
	return buf.Bytes(), nil
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}
