// Package pipeline implements the planning turn that runs when a received
// task executes: gate, fetch history, enrich media, build the prompt, query
// the model, and turn its reply into scheduled tasks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/dispatch"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/llm"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/prompt"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

const (
	// fetchedResourceLifetime keeps retrieved content alive across replans.
	fetchedResourceLifetime = 10 * time.Minute

	// maxRetrievals bounds URL fetches per planning turn.
	maxRetrievals = 3

	// fetchTimeout bounds one URL retrieval.
	fetchTimeout = 60 * time.Second

	// typingFloor is the minimum simulated typing delay before a send.
	typingFloor = 2 * time.Second

	// typingCeiling bounds the simulated delay for long messages.
	typingCeiling = 12 * time.Second

	// typingCharsPerSec approximates composing speed.
	typingCharsPerSec = 20
)

// Pipeline executes received tasks. Registry is used both for immediate
// dispatch of think/remember/schedule and for the allowed-kind list sent to
// the model.
type Pipeline struct {
	Registry *dispatch.Registry

	// Fetch retrieves one URL for the retrieval sub-loop. Nil uses the
	// default fetcher (http/https plus file: inside StateDir).
	Fetch func(ctx context.Context, rawURL string) (string, error)

	// StateDir bounds file: retrievals.
	StateDir string
}

// Register installs the pipeline as the received handler.
func (p *Pipeline) Register(r *dispatch.Registry) {
	r.Register(tasks.KindReceived, p.Received)
}

// Received runs one planning turn for the conversation.
func (p *Pipeline) Received(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
	channelID := g.ChannelID()

	// Talking to ourselves never plans anything.
	if channelID == env.Telegram.SelfID() {
		return nil
	}

	sched, err := env.Store.LoadSchedule(ctx, env.AgentID)
	if err != nil {
		return err
	}
	var current *schedule.Activity
	if sched != nil {
		current, _, _ = sched.Current(env.Clock.Now())
	}
	if schedule.Responsiveness(current) == 0 {
		slog.Debug("planning skipped, agent unresponsive",
			"agent", env.AgentID, "channel", channelID, "activity", current.Name)
		return nil
	}

	// Partner still typing in a DM: step aside for at least the remaining
	// typing window instead of answering a half-written message.
	if !g.IsGroupChat() && env.Queue.Typing != nil {
		if remaining := env.Queue.Typing.RemainingWindow(env.AgentID, channelID, env.Clock.Now()); remaining > 0 {
			deferTask(g, n, remaining)
			return nil
		}
	}

	history, err := env.Telegram.History(ctx, channelID, env.HistorySize)
	if err != nil {
		return tasks.Retryable(err)
	}

	signal, err := p.prepareConversation(ctx, env, g, n, history)
	if err != nil {
		return err
	}

	if env.Injector != nil {
		history = env.Injector.Inject(ctx, history)
	}

	systemPrompt, pending, err := p.buildPrompt(ctx, env, g, signal, sched, history)
	if err != nil {
		return err
	}

	chatType := "user"
	if g.IsGroupChat() {
		chatType = "group"
	}
	model, err := env.Store.ConversationModel(ctx, env.AgentID, channelID)
	if err != nil {
		return err
	}
	reply, err := env.LLM.QueryStructured(ctx, llm.StructuredRequest{
		SystemPrompt:     systemPrompt,
		NowISO:           env.Clock.Now().Format(time.RFC3339),
		ChatType:         chatType,
		History:          toLLMHistory(history),
		HistorySize:      env.HistorySize,
		AllowedTaskTypes: p.Registry.Kinds(),
		Model:            model,
	})
	if err != nil {
		// Prohibited-content refusals and transport hiccups both resolve the
		// same way: wait and try again.
		return tasks.Retryable(err)
	}

	list, err := parseTaskList(reply)
	if err != nil {
		return tasks.Retryable(fmt.Errorf("unparseable reply: %w", err))
	}

	// Retrieval sub-loop: fetch, stash into graph context, and retry the
	// whole turn so the next attempt plans with the content in hand.
	if retrieves := splitKind(&list, tasks.KindRetrieve); len(retrieves) > 0 {
		if err := p.retrieve(ctx, env, g, retrieves); err != nil {
			return err
		}
		return tasks.Retryable(errors.New("retrieved resources, replanning"))
	}

	// Immediate tasks run inline; only deferred work joins the graph.
	deferred := make([]*tasks.Node, 0, len(list))
	for _, task := range list {
		if p.Registry.Immediate(task.Type) {
			if err := p.Registry.Dispatch(ctx, env, g, task); err != nil {
				slog.Warn("immediate task failed",
					"agent", env.AgentID, "channel", channelID, "kind", task.Type, "error", err)
			}
			continue
		}
		deferred = append(deferred, task)
	}

	deferred = dedupeAndReID(deferred)
	scheduleOutbound(g, n, deferred)

	// Pending events were folded into this prompt; consume them.
	if len(pending) > 0 {
		if err := env.Store.MarkEventsDelivered(ctx, pending); err != nil {
			slog.Warn("marking events delivered failed", "agent", env.AgentID, "error", err)
		}
	}

	// The turn consumed the unread window. Acknowledge it, or the next dialog
	// scan replans the same messages forever.
	if err := env.Telegram.ReadAck(ctx, channelID, n.ParamBool("clear_mentions"), n.ParamBool("clear_reactions")); err != nil {
		slog.Warn("read acknowledgement failed", "agent", env.AgentID, "channel", channelID, "error", err)
	}
	return nil
}

// deferTask re-pends the received task behind a fresh wait.
func deferTask(g *tasks.Graph, n *tasks.Node, d time.Duration) {
	if d < time.Second {
		d = time.Second
	}
	wait := &tasks.Node{
		ID:     tasks.NewID("wait"),
		Type:   tasks.KindWait,
		Status: tasks.StatusPending,
		Params: map[string]any{"duration": d.Seconds()},
	}
	g.Tasks = append(g.Tasks, wait)
	n.DependsOn = append(n.DependsOn, wait.ID)
	n.Status = tasks.StatusPending
}

// prepareConversation derives the situational signal and applies the
// first-message reset policy.
func (p *Pipeline) prepareConversation(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node, history []telegram.Message) (prompt.Signal, error) {
	signal := prompt.Signal{
		XSendIntent:       n.ParamString("xsend_intent"),
		TargetMessage:     n.ParamInt("message_id") != 0,
		ReactionsReceived: len(n.ParamIntList("reaction_message_ids")) > 0,
	}

	summary, err := env.Store.Doc(ctx, env.AgentID, g.ChannelID(), "summary")
	if err != nil {
		return signal, err
	}
	agentSpoke := false
	for _, m := range history {
		if m.Out {
			agentSpoke = true
			break
		}
	}
	if len(history) < 5 && !agentSpoke && summary == "" {
		signal.ConversationStart = true
		switch {
		case env.ResetOnFirstMessage:
			if err := env.Store.SetDoc(ctx, env.AgentID, g.ChannelID(), "plan", ""); err != nil {
				return signal, err
			}
			if err := env.Store.SetDoc(ctx, env.AgentID, g.ChannelID(), "summary", ""); err != nil {
				return signal, err
			}
		case env.ClearSummariesOnFirstMessage:
			if err := env.Store.SetDoc(ctx, env.AgentID, g.ChannelID(), "summary", ""); err != nil {
				return signal, err
			}
		}
	}
	return signal, nil
}

// buildPrompt assembles the system prompt and returns the ids of pending
// events folded into it.
func (p *Pipeline) buildPrompt(ctx context.Context, env *dispatch.Env, g *tasks.Graph, signal prompt.Signal, sched *schedule.Schedule, history []telegram.Message) (string, []int64, error) {
	channelID := g.ChannelID()

	memories, err := env.Store.Memories(ctx, env.AgentID, channelID)
	if err != nil {
		return "", nil, err
	}
	global, err := env.Store.Memories(ctx, env.AgentID, 0)
	if err != nil {
		return "", nil, err
	}
	notes, err := env.Store.Doc(ctx, env.AgentID, channelID, "note")
	if err != nil {
		return "", nil, err
	}
	summary, err := env.Store.Doc(ctx, env.AgentID, channelID, "summary")
	if err != nil {
		return "", nil, err
	}
	events, err := env.Store.PendingEvents(ctx, env.AgentID, channelID)
	if err != nil {
		return "", nil, err
	}

	details, err := env.Telegram.ChannelDetails(ctx, channelID)
	if err != nil {
		slog.Warn("channel details unavailable", "agent", env.AgentID, "channel", channelID, "error", err)
		details = nil
	}
	chatType, err := env.Telegram.ChatTypeOf(ctx, channelID)
	if err != nil {
		chatType = telegram.ChatUser
	}

	partnerName := partnerNameOf(details, history)
	loc := time.UTC
	if sched != nil {
		loc = sched.Location()
	}

	in := prompt.Input{
		AgentName:            env.AgentName,
		PartnerName:          partnerName,
		ProviderInstructions: env.LLM.Instructions(),
		AgentInstructions:    env.AgentInstructions,
		RolePromptNames:      env.RolePromptNames,
		RolePrompts:          env.RolePrompts,
		Signal:               signal,
		FetchedResources:     g.FetchedResources(),
		Stickers:             env.StickerCatalog,
		HasPremium:           env.Telegram.HasPremium(),
		Media:                env.MediaCatalog,
		Memories:             append(global, memories...),
		Notes:                notes,
		Now:                  env.Clock.Now(),
		Timezone:             loc,
		Schedule:             sched,
		ChatType:             chatType,
		Details:              details,
		Summary:              summary,
		Events:               events,
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return prompt.Build(in), ids, nil
}

func partnerNameOf(details *telegram.ChannelDetails, history []telegram.Message) string {
	if details != nil {
		if details.Title != "" {
			return details.Title
		}
		if name := strings.TrimSpace(details.FirstName + " " + details.LastName); name != "" {
			return name
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Out && history[i].SenderName != "" {
			return history[i].SenderName
		}
	}
	return "the partner"
}

func toLLMHistory(msgs []telegram.Message) []llm.HistoryMessage {
	out := make([]llm.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Service {
			continue
		}
		out = append(out, llm.HistoryMessage{
			MsgID:      m.ID,
			SenderName: m.SenderName,
			SenderID:   m.SenderID,
			Out:        m.Out,
			TimeISO:    m.Date.Format(time.RFC3339),
			Text:       m.Text,
		})
	}
	return out
}

// splitKind removes tasks of one kind from the list and returns them.
func splitKind(list *[]*tasks.Node, kind string) []*tasks.Node {
	var matched []*tasks.Node
	kept := (*list)[:0]
	for _, n := range *list {
		if n.Type == kind {
			matched = append(matched, n)
		} else {
			kept = append(kept, n)
		}
	}
	*list = kept
	return matched
}

// retrieve fetches up to maxRetrievals new URLs into the graph context and
// plants a preserve-wait so the content survives the replan.
func (p *Pipeline) retrieve(ctx context.Context, env *dispatch.Env, g *tasks.Graph, retrieves []*tasks.Node) error {
	fetched := g.FetchedResources()
	count := 0
	for _, r := range retrieves {
		for _, raw := range urlsOf(r) {
			if count >= maxRetrievals {
				break
			}
			if _, ok := fetched[raw]; ok {
				continue
			}
			content, err := p.fetchURL(ctx, raw)
			if err != nil {
				slog.Warn("retrieval failed", "agent", env.AgentID, "url", raw, "error", err)
				content = fmt.Sprintf("(fetch failed: %v)", err)
			}
			g.AddFetchedResource(raw, content)
			count++
			slog.Info("retrieved resource", "agent", env.AgentID, "channel", g.ChannelID(), "url", raw)
		}
	}

	keep := &tasks.Node{
		ID:     tasks.NewID("wait"),
		Type:   tasks.KindWait,
		Status: tasks.StatusPending,
		Params: map[string]any{
			"duration": fetchedResourceLifetime.Seconds(),
			"preserve": true,
		},
	}
	g.Tasks = append(g.Tasks, keep)
	return nil
}

func urlsOf(n *tasks.Node) []string {
	if raw, ok := n.Params["urls"].([]any); ok {
		var out []string
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	if s := n.ParamString("url"); s != "" {
		return []string{s}
	}
	return nil
}

// fetchURL retrieves http(s) URLs over the network and file: URLs from
// inside the state directory only.
func (p *Pipeline) fetchURL(ctx context.Context, rawURL string) (string, error) {
	if p.Fetch != nil {
		return p.Fetch(ctx, rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("bad url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", err
		}
		return string(body), nil
	case "file":
		name := filepath.Clean(filepath.Join(p.StateDir, filepath.FromSlash(u.Path)))
		if p.StateDir == "" || !strings.HasPrefix(name, filepath.Clean(p.StateDir)+string(filepath.Separator)) {
			return "", fmt.Errorf("file url outside state dir")
		}
		data, err := os.ReadFile(name)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// scheduleOutbound attaches the planned tasks to the graph: outbound sends
// get a typing-flagged wait and chain behind one another so delivery order
// matches plan order; everything else keeps only its declared dependencies.
func scheduleOutbound(g *tasks.Graph, recv *tasks.Node, list []*tasks.Node) {
	var prevOutbound *tasks.Node
	for _, task := range list {
		task.DependsOn = append(task.DependsOn, recv.ID)
		if isOutbound(task.Type) {
			wait := &tasks.Node{
				ID:     tasks.NewID("wait"),
				Type:   tasks.KindWait,
				Status: tasks.StatusPending,
				Params: map[string]any{
					"duration": typingDelay(task).Seconds(),
					"typing":   true,
				},
			}
			if prevOutbound != nil {
				wait.DependsOn = []string{prevOutbound.ID}
			} else {
				wait.DependsOn = []string{recv.ID}
			}
			task.DependsOn = append(task.DependsOn, wait.ID)
			g.Tasks = append(g.Tasks, wait)
			prevOutbound = task
		}
		g.Tasks = append(g.Tasks, task)
	}
}

func isOutbound(kind string) bool {
	switch kind {
	case tasks.KindSend, tasks.KindSticker, tasks.KindSendMedia:
		return true
	}
	return false
}

// typingDelay simulates composing time from the text length.
func typingDelay(n *tasks.Node) time.Duration {
	text := n.ParamString("text")
	if text == "" {
		return typingFloor
	}
	d := time.Duration(float64(len(text))/typingCharsPerSec*float64(time.Second)) + typingFloor/2
	if d < typingFloor {
		d = typingFloor
	}
	if d > typingCeiling {
		d = typingCeiling
	}
	return d
}
