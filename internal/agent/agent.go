// Package agent runs one persona: its transport connection, runtime caches,
// event handling, and the periodic unread scan that feeds the work queue.
package agent

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/clock"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/config"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/dispatch"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/llm"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/media"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/prompt"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/store"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

const (
	// authRetryDelay between attempts while the session is not yet authorized.
	authRetryDelay = 30 * time.Second
	// reconnectDelay after a dropped connection.
	reconnectDelay = 10 * time.Second
	// scanInterval drives the unread dialog scan.
	scanInterval = 10 * time.Second
	// scanStaggerMod spreads many agents' startup scans over a few seconds.
	scanStaggerMod = 5
)

type savedMedia struct {
	ref  telegram.FileRef
	kind telegram.MediaKind
}

// Agent is one running persona.
type Agent struct {
	Cfg    config.Agent
	ID     string
	Client telegram.Client
	Queue  *tasks.WorkQueue
	Store  *store.Store
	LLM    llm.Provider
	Clock  clock.Clock

	rolePrompts map[string]string

	chain    *media.Composite
	cached   *media.Composite
	aiCache  *media.DirectorySource
	injector *media.Injector

	mu        sync.Mutex
	stickers  map[string]telegram.FileRef // "set/name"
	mediaRefs map[string]savedMedia
	blocklist map[int64]bool
	catalog   []prompt.Sticker
	mediaCat  []prompt.MediaItem

	disabled atomic.Bool
	execCh   chan func(ctx context.Context)
}

// Options wires an agent's collaborators.
type Options struct {
	Cfg      config.Agent
	Client   telegram.Client
	Queue    *tasks.WorkQueue
	Store    *store.Store
	LLM      llm.Provider
	Clock    clock.Clock
	StateDir string
	Budget   *media.Budget
	// RolePrompts is the shared name -> text map loaded from the config dir.
	RolePrompts map[string]string
}

// New builds the agent and its media chain. The chain layers the agent's
// curated directories over the shared AI cache.
func New(opts Options) *Agent {
	a := &Agent{
		Cfg:         opts.Cfg,
		ID:          opts.Cfg.ID(),
		Client:      opts.Client,
		Queue:       opts.Queue,
		Store:       opts.Store,
		LLM:         opts.LLM,
		Clock:       opts.Clock,
		rolePrompts: opts.RolePrompts,
		stickers:    make(map[string]telegram.FileRef),
		mediaRefs:   make(map[string]savedMedia),
		blocklist:   make(map[int64]bool),
		execCh:      make(chan func(ctx context.Context), 16),
	}
	a.disabled.Store(opts.Cfg.Disabled)

	chain, cached, aiCache := media.NewChain(media.ChainConfig{
		CuratedDirs: opts.Cfg.CuratedDirs,
		CacheDir:    filepath.Join(opts.StateDir, "media"),
		Supported:   opts.LLM.SupportsMime,
		Budget:      opts.Budget,
		Describe:    opts.LLM.DescribeImage,
	})
	a.chain = chain
	a.cached = cached
	a.aiCache = aiCache
	a.injector = &media.Injector{
		Chain:      chain,
		Download:   opts.Client.Download,
		ResolveSet: opts.Client.GetStickerSet,
	}
	return a
}

// SetDisabled flips the agent's disabled flag; the run loop drops the
// connection and parks, and the tick loop cancels its graphs.
func (a *Agent) SetDisabled(v bool) { a.disabled.Store(v) }

func (a *Agent) Disabled() bool { return a.disabled.Load() }

// Env builds the dispatch environment for this agent's handlers.
func (a *Agent) Env() *dispatch.Env {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &dispatch.Env{
		AgentID:             a.ID,
		AgentName:           a.Cfg.Name,
		Clock:               a.Clock,
		Queue:               a.Queue,
		Store:               a.Store,
		Telegram:            a.Client,
		LLM:                 a.LLM,
		Sticker:             a.stickerRef,
		CanonicalStickerSet: a.canonicalSet(),
		MediaRef:            a.mediaRef,
		ResolveStickerSet:   a.Client.GetStickerSet,
		Injector:            a.injector,
		HistorySize:         a.Cfg.HistorySize,
		AgentInstructions:   a.Cfg.Instructions,
		RolePromptNames:     a.Cfg.RolePrompts,
		RolePrompts:         a.rolePrompts,
		StickerCatalog:      append([]prompt.Sticker(nil), a.catalog...),
		MediaCatalog:        append([]prompt.MediaItem(nil), a.mediaCat...),

		ResetOnFirstMessage:          a.Cfg.ResetOnFirstMessage,
		ClearSummariesOnFirstMessage: a.Cfg.ClearSummariesOnFirstMessage,
	}
}

func (a *Agent) canonicalSet() string {
	if len(a.Cfg.StickerSets) > 0 {
		return a.Cfg.StickerSets[0]
	}
	return ""
}

func (a *Agent) stickerRef(setName, stickerName string) (telegram.FileRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.stickers[setName+"/"+stickerName]
	return ref, ok
}

func (a *Agent) mediaRef(uniqueID string) (telegram.FileRef, telegram.MediaKind, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mediaRefs[uniqueID]
	return m.ref, m.kind, ok
}

// Run drives the connect/auth/event loop until ctx is cancelled or the agent
// is disabled.
func (a *Agent) Run(ctx context.Context) error {
	a.Client.OnEvent(a.handleEvent)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.Disabled() {
			// Stay parked; the console may re-enable the agent live.
			if err := a.Clock.Sleep(ctx, reconnectDelay); err != nil {
				return err
			}
			continue
		}

		err := a.Client.Run(ctx, a.online)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, telegram.ErrNotAuthorized):
			slog.Warn("agent not authorized, retrying", "agent", a.ID, "delay", authRetryDelay)
			if err := a.Clock.Sleep(ctx, authRetryDelay); err != nil {
				return err
			}
		default:
			slog.Warn("agent connection dropped, reconnecting",
				"agent", a.ID, "delay", reconnectDelay, "error", err)
			if err := a.Clock.Sleep(ctx, reconnectDelay); err != nil {
				return err
			}
		}
	}
}

// online runs while the connection is up: cache warmup, then the scan loop.
func (a *Agent) online(ctx context.Context) error {
	// Stagger the initial scan so a fleet of agents does not burst the API.
	if err := a.Clock.Sleep(ctx, a.stagger()); err != nil {
		return err
	}
	a.RefreshCaches(ctx)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-a.execCh:
			fn(ctx)
		case <-ticker.C:
			if a.Disabled() {
				return nil
			}
			a.scanUnread(ctx)
		}
	}
}

func (a *Agent) stagger() time.Duration {
	h := fnv.New32a()
	h.Write([]byte(a.Cfg.Name))
	return time.Duration(h.Sum32()%scanStaggerMod) * time.Second
}

// Execute marshals fn onto the agent's loop, as the admin console must for
// anything touching per-agent caches.
func (a *Agent) Execute(ctx context.Context, fn func(ctx context.Context), timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}
	select {
	case a.execCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
