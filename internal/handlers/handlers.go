// Package handlers implements the concrete task behaviors: outbound sends,
// moderation actions, memory writes, schedule edits, and cross-channel
// triggers. The received pipeline lives in internal/pipeline.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/dispatch"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// Register installs every handler on the registry. think, remember and
// schedule run inline at plan time.
func Register(r *dispatch.Registry) {
	r.Register(tasks.KindSend, Send)
	r.Register(tasks.KindSticker, Sticker)
	r.Register(tasks.KindSendMedia, SendMedia)
	r.Register(tasks.KindBlock, Block)
	r.Register(tasks.KindUnblock, Unblock)
	r.Register(tasks.KindClearConv, ClearConversation)
	r.Register(tasks.KindWait, Wait)
	r.Register(tasks.KindXSend, XSend)
	r.RegisterImmediate(tasks.KindThink, Think)
	r.RegisterImmediate(tasks.KindRemember, Remember)
	r.RegisterImmediate(tasks.KindSchedule, Schedule)
}

// Send delivers a text message. Empty text is a no-op so the model can emit
// placeholder sends without breaking the chain.
func Send(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	text := n.ParamString("text")
	if text == "" {
		return nil
	}
	replyTo := n.ParamInt("in_reply_to")
	msgID, err := env.Telegram.SendMessage(ctx, g.ChannelID(), text, replyTo, telegram.ParseMarkdown)
	if err != nil {
		return sendError(err)
	}
	n.SetParam("sent_message_id", msgID)
	return nil
}

// Sticker resolves a sticker through the agent cache first, then an explicit
// set fetch, then the canonical set, and degrades to a text echo when the
// sticker cannot be found at all.
func Sticker(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	setName := n.ParamString("sticker_set_name")
	stickerName := n.ParamString("sticker_name")
	if stickerName == "" {
		return nil
	}

	if env.Sticker != nil {
		lookup := setName
		if lookup == "" {
			lookup = env.CanonicalStickerSet
		}
		if ref, ok := env.Sticker(lookup, stickerName); ok {
			return sendError(env.Telegram.SendFile(ctx, g.ChannelID(), ref, telegram.MediaSticker, 0))
		}
	}

	// Cache miss with an explicit set: resolve transiently.
	if setName != "" && env.ResolveStickerSet != nil {
		set, err := env.ResolveStickerSet(ctx, setName)
		if err == nil && set != nil {
			for _, m := range set.Stickers {
				if m.StickerName == stickerName {
					return sendError(env.Telegram.SendFile(ctx, g.ChannelID(), m.Ref, telegram.MediaSticker, 0))
				}
			}
		}
	}

	slog.Warn("sticker not found, sending as text",
		"agent", env.AgentID, "set", setName, "sticker", stickerName)
	_, err := env.Telegram.SendMessage(ctx, g.ChannelID(), stickerName, 0, telegram.ParseNone)
	return sendError(err)
}

// SendMedia sends a cached Saved Messages item by unique id.
func SendMedia(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	uniqueID := n.ParamString("unique_id")
	if uniqueID == "" {
		return nil
	}
	if env.MediaRef == nil {
		return fmt.Errorf("no media cache for agent %s", env.AgentID)
	}
	ref, kind, ok := env.MediaRef(uniqueID)
	if !ok {
		return fmt.Errorf("media %s not in cache", uniqueID)
	}
	return sendError(env.Telegram.SendFile(ctx, g.ChannelID(), ref, kind, 0))
}

// Block blocks the conversation peer. Group and channel peers cannot be
// blocked; that is a permanent failure, not a retry.
func Block(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	if err := requireUserPeer(ctx, env, g.ChannelID()); err != nil {
		return err
	}
	return sendError(env.Telegram.Block(ctx, g.ChannelID()))
}

func Unblock(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	if err := requireUserPeer(ctx, env, g.ChannelID()); err != nil {
		return err
	}
	return sendError(env.Telegram.Unblock(ctx, g.ChannelID()))
}

func requireUserPeer(ctx context.Context, env *dispatch.Env, peerID int64) error {
	chatType, err := env.Telegram.ChatTypeOf(ctx, peerID)
	if err != nil {
		if errors.Is(err, telegram.ErrEntityUnresolvable) {
			return fmt.Errorf("peer %d unresolvable: %w", peerID, err)
		}
		return sendError(err)
	}
	if chatType != telegram.ChatUser {
		return fmt.Errorf("peer %d is a %s, only users can be blocked", peerID, chatType)
	}
	return nil
}

// ClearConversation deletes the DM history on both sides.
func ClearConversation(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	if g.IsGroupChat() {
		return fmt.Errorf("clear-conversation is DM-only")
	}
	return sendError(env.Telegram.DeleteHistory(ctx, g.ChannelID(), true))
}

// Wait is a no-op: readiness evaluation already held the task until its
// deadline passed.
func Wait(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	return nil
}

// Think records a self-addressed note. Nothing is sent to the chat.
func Think(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	text := n.ParamString("text")
	if text == "" {
		return nil
	}
	slog.Info("agent thought", "agent", env.AgentID, "channel", g.ChannelID(), "text", text)
	return env.Store.AppendEvent(ctx, env.AgentID, g.ChannelID(), "thought", text)
}

// Remember upserts a memory by id. Channel-scoped unless global:true; empty
// content retracts the memory.
func Remember(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	id := n.ParamString("id")
	if id == "" {
		id = tasks.NewID("mem")
	}
	channelID := g.ChannelID()
	if n.ParamBool("global") {
		channelID = 0
	}
	return env.Store.UpsertMemory(ctx, env.AgentID, channelID, id, n.ParamString("content"))
}

// XSend triggers a planning turn in another conversation, carrying the
// intent into its prompt and bypassing any gag there.
func XSend(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	target, err := parseChannelID(n.Params["target_channel_id"])
	if err != nil {
		return err
	}
	if target == g.ChannelID() {
		return fmt.Errorf("xsend target %d is the current conversation", target)
	}
	isGroup := false
	if chatType, err := env.Telegram.ChatTypeOf(ctx, target); err == nil {
		isGroup = chatType != telegram.ChatUser
	}
	env.Queue.InsertReceivedTask(tasks.ReceivedInsert{
		AgentID:      env.AgentID,
		ChannelID:    target,
		IsGroupChat:  isGroup,
		XSendIntent:  n.ParamString("intent"),
		BypassGagged: true,
	})
	return nil
}

// parseChannelID normalizes the model's target id, which may arrive as a
// number or a string.
func parseChannelID(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case string:
		id, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad target_channel_id %q", x)
		}
		return id, nil
	}
	return 0, fmt.Errorf("missing target_channel_id")
}

// Schedule upserts one activity in the agent's schedule, rejecting overlaps.
func Schedule(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	start, err := time.Parse(time.RFC3339, n.ParamString("start_time"))
	if err != nil {
		return fmt.Errorf("bad start_time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, n.ParamString("end_time"))
	if err != nil {
		return fmt.Errorf("bad end_time: %w", err)
	}
	id := n.ParamString("id")
	if id == "" {
		id = tasks.NewID("act")
	}

	sched, err := env.Store.LoadSchedule(ctx, env.AgentID)
	if err != nil {
		return err
	}
	if sched == nil {
		sched = &schedule.Schedule{}
	}
	if err := sched.Upsert(schedule.Activity{
		ID:          id,
		Start:       start,
		End:         end,
		Name:        n.ParamString("activity_name"),
		Description: n.ParamString("description"),
	}); err != nil {
		return err
	}
	sched.Prune(env.Clock.Now())
	return env.Store.SaveSchedule(ctx, env.AgentID, sched)
}

// sendError classifies transport errors: flood waits and transient network
// failures retry, everything else is terminal for the task.
func sendError(err error) error {
	if err == nil {
		return nil
	}
	var flood *telegram.FloodWaitError
	if errors.As(err, &flood) {
		return tasks.Retryable(err)
	}
	if errors.Is(err, telegram.ErrEntityUnresolvable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tasks.Retryable(err)
	}
	return err
}
