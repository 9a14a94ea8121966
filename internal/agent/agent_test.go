package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/clock"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/config"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/llm"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/media"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram/telegramtest"
)

type stubLLM struct{}

func (stubLLM) Name() string         { return "stub" }
func (stubLLM) Model() string        { return "stub-model" }
func (stubLLM) Instructions() string { return "" }

func (stubLLM) QueryStructured(ctx context.Context, req llm.StructuredRequest) (string, error) {
	return "[]", nil
}

func (stubLLM) QueryJSONSchema(ctx context.Context, systemPrompt string, schema map[string]any, model string, timeout time.Duration) (string, error) {
	return "{}", nil
}

func (stubLLM) DescribeImage(ctx context.Context, data []byte, mime string, timeout time.Duration) (string, error) {
	return "", errors.New("not supported")
}

func (stubLLM) SupportsMime(mime string) bool { return false }

func newTestAgent(t *testing.T, fake *telegramtest.Fake) (*Agent, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	a := New(Options{
		Cfg:      config.Agent{Name: "Tess", Phone: "+15550100", HistorySize: 50},
		Client:   fake,
		Queue:    tasks.NewWorkQueue(""),
		LLM:      stubLLM{},
		Clock:    clk,
		StateDir: t.TempDir(),
		Budget:   media.NewBudget(2),
	})
	return a, clk
}

func TestIncomingDMCreatesReceivedTask(t *testing.T) {
	fake := &telegramtest.Fake{ChatTypes: map[int64]telegram.ChatType{100: telegram.ChatUser}}
	a, clk := newTestAgent(t, fake)

	a.handleEvent(telegram.Event{NewMessage: &telegram.Message{
		ID: 7, PeerID: 100, SenderID: 100, Text: "hi",
	}})

	g := a.Queue.GraphFor(a.ID, 100)
	if g == nil {
		t.Fatal("no graph created for DM")
	}
	task := g.ReceivedTask()
	if task == nil {
		t.Fatal("no received task")
	}
	if got := task.ParamInt("message_id"); got != 7 {
		t.Fatalf("message_id = %d, want 7", got)
	}
	if !a.Queue.Typing.IsPartnerRecentlyTyping(a.ID, 100, clk.Now()) {
		t.Fatal("DM message should refresh the partner typing window")
	}
}

func TestIncomingIgnoresServicePeerAndOwnMessages(t *testing.T) {
	fake := &telegramtest.Fake{}
	a, _ := newTestAgent(t, fake)

	a.handleEvent(telegram.Event{NewMessage: &telegram.Message{
		ID: 1, PeerID: telegram.ServicePeerID, SenderID: telegram.ServicePeerID, Text: "code",
	}})
	a.handleEvent(telegram.Event{NewMessage: &telegram.Message{
		ID: 2, PeerID: 100, SenderID: 42, Out: true, Text: "my own send",
	}})

	if got := len(a.Queue.Graphs()); got != 0 {
		t.Fatalf("graphs = %d, want 0", got)
	}
}

func TestIncomingGroupCallout(t *testing.T) {
	fake := &telegramtest.Fake{ChatTypes: map[int64]telegram.ChatType{200: telegram.ChatGroup}}
	a, clk := newTestAgent(t, fake)

	a.handleEvent(telegram.Event{NewMessage: &telegram.Message{
		ID: 3, PeerID: 200, SenderID: 9, Text: "hey Tess, thoughts?",
	}})

	g := a.Queue.GraphFor(a.ID, 200)
	if g == nil {
		t.Fatal("no graph created for group message")
	}
	task := g.ReceivedTask()
	if !task.ParamBool("is_callout") {
		t.Fatal("name mention should set is_callout")
	}
	if !g.IsGroupChat() {
		t.Fatal("graph should be marked as group chat")
	}
	if a.Queue.Typing.IsPartnerRecentlyTyping(a.ID, 200, clk.Now()) {
		t.Fatal("group messages must not touch the typing gate")
	}
}

func TestIncomingTypingEvent(t *testing.T) {
	fake := &telegramtest.Fake{}
	a, clk := newTestAgent(t, fake)

	a.handleEvent(telegram.Event{PartnerTyping: &telegram.TypingEvent{PeerID: 100, UserID: 100}})

	if !a.Queue.Typing.IsPartnerRecentlyTyping(a.ID, 100, clk.Now()) {
		t.Fatal("typing event should mark the partner typing")
	}
	clk.Advance(tasks.TypingTTL)
	if a.Queue.Typing.IsPartnerRecentlyTyping(a.ID, 100, clk.Now()) {
		t.Fatal("typing window should expire after the TTL")
	}
}

func TestIncomingBlockedSenderIgnored(t *testing.T) {
	fake := &telegramtest.Fake{Blocked: []int64{55}}
	a, _ := newTestAgent(t, fake)
	a.RefreshCaches(context.Background())

	a.handleEvent(telegram.Event{NewMessage: &telegram.Message{
		ID: 4, PeerID: 55, SenderID: 55, Text: "unwelcome",
	}})

	if got := len(a.Queue.Graphs()); got != 0 {
		t.Fatalf("graphs = %d, want 0 for blocked sender", got)
	}
}

func TestScanUnreadDialogs(t *testing.T) {
	fake := &telegramtest.Fake{
		Dialogs: []telegram.Dialog{
			{PeerID: 300, Type: telegram.ChatUser, UnreadCount: 2},
			{PeerID: 301, Type: telegram.ChatUser, UnreadCount: 5, Muted: true},
			{PeerID: 400, Type: telegram.ChatGroup, UnreadCount: 1, UnreadMentionsCount: 1},
		},
	}
	a, _ := newTestAgent(t, fake)

	a.scanUnread(context.Background())

	if g := a.Queue.GraphFor(a.ID, 300); g == nil {
		t.Fatal("unread DM should create a graph")
	}
	if g := a.Queue.GraphFor(a.ID, 301); g != nil {
		t.Fatal("muted dialog must be skipped")
	}
	g := a.Queue.GraphFor(a.ID, 400)
	if g == nil {
		t.Fatal("mentioned group should create a graph")
	}
	task := g.ReceivedTask()
	if !task.ParamBool("is_callout") || !task.ParamBool("clear_mentions") {
		t.Fatalf("mention scan params = %v", task.Params)
	}
}

func TestScanGaggedDialogSkipped(t *testing.T) {
	fake := &telegramtest.Fake{
		Dialogs: []telegram.Dialog{{PeerID: 310, Type: telegram.ChatUser, UnreadCount: 1}},
	}
	a, _ := newTestAgent(t, fake)
	a.Queue.Gagged = func(agentID string, channelID int64) bool { return channelID == 310 }

	a.scanUnread(context.Background())

	if got := len(a.Queue.Graphs()); got != 0 {
		t.Fatalf("graphs = %d, want 0 for gagged conversation", got)
	}
}

func TestScanContactSignupAckedNotPlanned(t *testing.T) {
	fake := &telegramtest.Fake{
		Dialogs: []telegram.Dialog{{PeerID: 500, Type: telegram.ChatUser, UnreadCount: 1}},
		Histories: map[int64][]telegram.Message{
			500: {{ID: 1, PeerID: 500, Service: true, ServiceKind: "contact_signup"}},
		},
	}
	a, _ := newTestAgent(t, fake)

	a.scanUnread(context.Background())

	if got := len(a.Queue.Graphs()); got != 0 {
		t.Fatalf("graphs = %d, want 0 for sign-up notice", got)
	}
	if len(fake.ReadAcks) != 1 || fake.ReadAcks[0].PeerID != 500 {
		t.Fatalf("read acks = %+v, want peer 500", fake.ReadAcks)
	}
}

func TestScanReactionsOnAgentMessagesOnly(t *testing.T) {
	fake := &telegramtest.Fake{
		Dialogs: []telegram.Dialog{{PeerID: 600, Type: telegram.ChatUser, UnreadReactionsCount: 1}},
		Histories: map[int64][]telegram.Message{
			600: {
				{ID: 8, PeerID: 600, SenderID: 600, Reactions: []telegram.Reaction{{Emoticon: "👍", ActorID: 601}}},
				{ID: 9, PeerID: 600, Out: true, Reactions: []telegram.Reaction{{Emoticon: "❤", ActorID: 600}}},
			},
		},
	}
	a, _ := newTestAgent(t, fake)

	a.scanUnread(context.Background())

	g := a.Queue.GraphFor(a.ID, 600)
	if g == nil {
		t.Fatal("reaction on agent message should create a graph")
	}
	task := g.ReceivedTask()
	ids := task.ParamIntList("reaction_message_ids")
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("reaction ids = %v, want [9]", ids)
	}
	if !task.ParamBool("clear_reactions") {
		t.Fatal("reaction scan should request clearing reactions")
	}
}

func TestRefreshCachesStickersAndMedia(t *testing.T) {
	ref := "ref-wave"
	fake := &telegramtest.Fake{
		Self: 42,
		Sets: map[string]*telegram.StickerSet{
			"tess_pack": {
				ShortName: "tess_pack",
				Title:     "Tess Pack",
				Stickers: []telegram.Media{
					{Kind: telegram.MediaSticker, UniqueID: "st-1", StickerSetName: "tess_pack", StickerName: "wave", Ref: ref},
				},
			},
		},
		Histories: map[int64][]telegram.Message{
			42: {{ID: 1, PeerID: 42, Media: []telegram.Media{
				{Kind: telegram.MediaPhoto, UniqueID: "photo-77", Mime: "image/jpeg", Ref: "ref-photo"},
			}}},
		},
	}
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	a := New(Options{
		Cfg: config.Agent{
			Name: "Tess", Phone: "+15550100", HistorySize: 50,
			StickerSets: []string{"tess_pack"},
		},
		Client:   fake,
		Queue:    tasks.NewWorkQueue(""),
		LLM:      stubLLM{},
		Clock:    clk,
		StateDir: t.TempDir(),
		Budget:   media.NewBudget(0),
	})

	a.RefreshCaches(context.Background())

	got, ok := a.stickerRef("tess_pack", "wave")
	if !ok || got != ref {
		t.Fatalf("stickerRef = %v, %v", got, ok)
	}
	mref, kind, ok := a.mediaRef("photo-77")
	if !ok || mref != "ref-photo" || kind != telegram.MediaPhoto {
		t.Fatalf("mediaRef = %v, %v, %v", mref, kind, ok)
	}

	env := a.Env()
	if len(env.StickerCatalog) != 1 || env.StickerCatalog[0].StickerName != "wave" {
		t.Fatalf("sticker catalog = %v", env.StickerCatalog)
	}
	if len(env.MediaCatalog) != 1 || env.MediaCatalog[0].UniqueID != "photo-77" {
		t.Fatalf("media catalog = %v", env.MediaCatalog)
	}
	if env.CanonicalStickerSet != "tess_pack" {
		t.Fatalf("canonical set = %q", env.CanonicalStickerSet)
	}
}

func TestExplicitStickerSubset(t *testing.T) {
	fake := &telegramtest.Fake{
		Sets: map[string]*telegram.StickerSet{
			"extras": {
				ShortName: "extras",
				Title:     "Extras",
				Stickers: []telegram.Media{
					{Kind: telegram.MediaSticker, UniqueID: "st-a", StickerName: "yes", Ref: "ref-a"},
					{Kind: telegram.MediaSticker, UniqueID: "st-b", StickerName: "no", Ref: "ref-b"},
				},
			},
		},
	}
	clk := clock.NewFake(time.Unix(0, 0))
	a := New(Options{
		Cfg: config.Agent{
			Name: "Tess", Phone: "+15550100", HistorySize: 50,
			ExplicitStickers: []config.StickerRef{{SetName: "extras", StickerName: "yes"}},
		},
		Client:   fake,
		Queue:    tasks.NewWorkQueue(""),
		LLM:      stubLLM{},
		Clock:    clk,
		StateDir: t.TempDir(),
		Budget:   media.NewBudget(0),
	})

	a.RefreshCaches(context.Background())

	if _, ok := a.stickerRef("extras", "yes"); !ok {
		t.Fatal("explicit sticker should be cached")
	}
	if _, ok := a.stickerRef("extras", "no"); ok {
		t.Fatal("unlisted sticker from an explicit set should not be cached")
	}
}

func TestDisabledAgentParksUntilCancelled(t *testing.T) {
	fake := &telegramtest.Fake{}
	a, _ := newTestAgent(t, fake)
	a.SetDisabled(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// A disabled agent must not connect; it just waits to be re-enabled.
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
