package gotd

import (
	"sync"

	"github.com/gotd/td/tg"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// peerCache remembers every user, chat, and channel seen in API responses so
// peers can be resolved to input entities without contact lookups. Resolving
// from the cache only is deliberate: a cold lookup through contacts search
// triggers flood limits fast.
type peerCache struct {
	mu       sync.Mutex
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func newPeerCache() *peerCache {
	return &peerCache{
		users:    make(map[int64]*tg.User),
		chats:    make(map[int64]*tg.Chat),
		channels: make(map[int64]*tg.Channel),
	}
}

func (p *peerCache) putUser(u *tg.User) {
	if u == nil {
		return
	}
	p.mu.Lock()
	p.users[u.ID] = u
	p.mu.Unlock()
}

// absorb caches the entities attached to an update.
func (p *peerCache) absorb(e tg.Entities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, u := range e.Users {
		p.users[id] = u
	}
	for id, ch := range e.Chats {
		p.chats[id] = ch
	}
	for id, ch := range e.Channels {
		p.channels[id] = ch
	}
}

// absorbUsersChats caches entities from a messages/dialogs response.
func (p *peerCache) absorbUsersChats(users []tg.UserClass, chats []tg.ChatClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			p.users[u.ID] = u
		}
	}
	for _, cc := range chats {
		switch ch := cc.(type) {
		case *tg.Chat:
			p.chats[ch.ID] = ch
		case *tg.Channel:
			p.channels[ch.ID] = ch
		}
	}
}

// inputPeer resolves a peer id from the cache only.
func (p *peerCache) inputPeer(id int64) (tg.InputPeerClass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.users[id]; ok {
		return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}, nil
	}
	if _, ok := p.chats[id]; ok {
		return &tg.InputPeerChat{ChatID: id}, nil
	}
	if ch, ok := p.channels[id]; ok {
		return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
	}
	return nil, telegram.ErrEntityUnresolvable
}

// inputUser resolves a user id for user-only requests.
func (p *peerCache) inputUser(id int64) (*tg.InputUser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.users[id]; ok {
		return &tg.InputUser{UserID: u.ID, AccessHash: u.AccessHash}, nil
	}
	return nil, telegram.ErrEntityUnresolvable
}

// chatTypeOf classifies a cached peer.
func (p *peerCache) chatTypeOf(id int64) (telegram.ChatType, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[id]; ok {
		return telegram.ChatUser, nil
	}
	if _, ok := p.chats[id]; ok {
		return telegram.ChatGroup, nil
	}
	if ch, ok := p.channels[id]; ok {
		if ch.Megagroup {
			return telegram.ChatGroup, nil
		}
		return telegram.ChatChannel, nil
	}
	return "", telegram.ErrEntityUnresolvable
}

func (p *peerCache) user(id int64) (*tg.User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	return u, ok
}

// peerID flattens a tg peer to the int64 id convention used by the core.
func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	}
	return 0
}
