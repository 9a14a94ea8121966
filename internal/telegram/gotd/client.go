// Package gotd adapts the gotd/td MTProto client to the transport surface
// the core consumes. One Conn represents one logged-in user account.
package gotd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gotd/td/session"
	tdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// Config for one account connection.
type Config struct {
	APIID       int
	APIHash     string
	Phone       string
	SessionPath string
}

// Conn implements telegram.Client on top of gotd/td.
type Conn struct {
	cfg        Config
	dispatcher tg.UpdateDispatcher
	client     *tdclient.Client
	api        *tg.Client

	// limiter paces every request; MTProto flood-waits are expensive.
	limiter *rate.Limiter

	mu       sync.Mutex
	selfID   int64
	premium  bool
	handlers []telegram.EventHandler

	peers *peerCache
}

var _ telegram.Client = (*Conn)(nil)

// New builds a connection. Nothing touches the network until Run.
func New(cfg Config) *Conn {
	c := &Conn{
		cfg:        cfg,
		dispatcher: tg.NewUpdateDispatcher(),
		limiter:    rate.NewLimiter(rate.Every(300*time.Millisecond), 5),
		peers:      newPeerCache(),
	}
	c.dispatcher.OnNewMessage(c.onNewMessage)
	c.dispatcher.OnUserTyping(c.onUserTyping)
	return c
}

// Run connects, verifies authorization, and blocks pumping updates until ctx
// is cancelled or the connection drops. ready runs once online.
func (c *Conn) Run(ctx context.Context, ready func(ctx context.Context) error) error {
	client := tdclient.NewClient(c.cfg.APIID, c.cfg.APIHash, tdclient.Options{
		SessionStorage: &session.FileStorage{Path: c.cfg.SessionPath},
		UpdateHandler:  c.dispatcher,
	})
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return err
		}
		if !status.Authorized {
			// Login is completed out-of-band; the runtime retries.
			return telegram.ErrNotAuthorized
		}

		self, err := client.Self(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.selfID = self.ID
		c.premium = self.Premium
		c.api = client.API()
		c.mu.Unlock()
		c.peers.putUser(self)

		slog.Info("telegram connected", "phone", c.cfg.Phone, "self", self.ID, "premium", self.Premium)

		if ready != nil {
			if err := ready(ctx); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

func (c *Conn) IsAuthorized(ctx context.Context) (bool, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return false, telegram.ErrNotAuthorized
	}
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return false, err
	}
	return status.Authorized, nil
}

func (c *Conn) SelfID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Conn) HasPremium() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.premium
}

func (c *Conn) OnEvent(h telegram.EventHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *Conn) emit(ev telegram.Event) {
	c.mu.Lock()
	hs := append([]telegram.EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *Conn) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	c.peers.absorb(e)
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	converted := c.convertMessage(msg)
	if converted == nil {
		return nil
	}
	c.emit(telegram.Event{NewMessage: converted})
	return nil
}

func (c *Conn) onUserTyping(ctx context.Context, e tg.Entities, u *tg.UpdateUserTyping) error {
	c.peers.absorb(e)
	if _, ok := u.Action.(*tg.SendMessageCancelAction); ok {
		return nil
	}
	c.emit(telegram.Event{PartnerTyping: &telegram.TypingEvent{
		PeerID: u.UserID,
		UserID: u.UserID,
	}})
	return nil
}

// raw returns the API handle, pacing the caller through the limiter first.
func (c *Conn) raw(ctx context.Context) (*tg.Client, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return nil, telegram.ErrNotAuthorized
	}
	return api, nil
}
