// Package dispatch routes ready tasks to their handlers. Handlers receive a
// per-agent Env giving them the transport, storage, and queue surfaces they
// need without reaching into the agent runtime directly.
package dispatch

import (
	"context"
	"fmt"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/clock"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/llm"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/media"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/prompt"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/store"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// Env is the execution environment one agent's handlers run against.
type Env struct {
	AgentID   string
	AgentName string
	Clock     clock.Clock
	Queue     *tasks.WorkQueue
	Store     *store.Store
	Telegram  telegram.Client
	LLM       llm.Provider

	// Sticker cache lookup: (set short name, sticker name) -> file ref.
	Sticker func(setName, stickerName string) (telegram.FileRef, bool)
	// CanonicalStickerSet is the fallback set when the model names a sticker
	// without a set.
	CanonicalStickerSet string
	// MediaRef resolves a Saved Messages unique id to (ref, kind).
	MediaRef func(uniqueID string) (telegram.FileRef, telegram.MediaKind, bool)
	// ResolveStickerSet fetches a set not present in the cache.
	ResolveStickerSet func(ctx context.Context, shortName string) (*telegram.StickerSet, error)
	// Injector enriches history with media descriptions.
	Injector *media.Injector
	// HistorySize bounds how many messages one planning turn sees.
	HistorySize int

	// Prompt layers.
	AgentInstructions string
	RolePromptNames   []string
	RolePrompts       map[string]string
	StickerCatalog    []prompt.Sticker
	MediaCatalog      []prompt.MediaItem

	// First-message reset policy.
	ResetOnFirstMessage          bool
	ClearSummariesOnFirstMessage bool
}

// HandlerFunc executes one task. A nil return completes the task; a
// tasks.RetryableError schedules a retry; any other error fails the task
// permanently.
type HandlerFunc func(ctx context.Context, env *Env, g *tasks.Graph, n *tasks.Node) error

// Registry maps task kinds to handlers.
type Registry struct {
	handlers  map[string]HandlerFunc
	immediate map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]HandlerFunc),
		immediate: make(map[string]bool),
	}
}

// Register installs a handler for a task kind.
func (r *Registry) Register(kind string, h HandlerFunc) {
	r.handlers[kind] = h
}

// RegisterImmediate installs a handler whose tasks run inline during
// planning instead of being queued.
func (r *Registry) RegisterImmediate(kind string, h HandlerFunc) {
	r.handlers[kind] = h
	r.immediate[kind] = true
}

// Immediate reports whether a kind executes inline at plan time.
func (r *Registry) Immediate(kind string) bool { return r.immediate[kind] }

// Kinds lists the registered task kinds, for the model's allowed-task list.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// Dispatch runs the handler for one task.
func (r *Registry) Dispatch(ctx context.Context, env *Env, g *tasks.Graph, n *tasks.Node) error {
	h, ok := r.handlers[n.Type]
	if !ok {
		return fmt.Errorf("no handler for task kind %q", n.Type)
	}
	return h(ctx, env, g, n)
}
