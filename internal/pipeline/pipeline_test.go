package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/clock"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/dispatch"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/handlers"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/llm"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/store"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram/telegramtest"
)

type fakeLLM struct {
	replies []string
	err     error
	calls   int
	lastReq llm.StructuredRequest
}

func (f *fakeLLM) Name() string         { return "fake" }
func (f *fakeLLM) Model() string        { return "fake-1" }
func (f *fakeLLM) Instructions() string { return "Reply with JSON." }

func (f *fakeLLM) QueryStructured(ctx context.Context, req llm.StructuredRequest) (string, error) {
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	reply := "[]"
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	return reply, nil
}

func (f *fakeLLM) QueryJSONSchema(ctx context.Context, systemPrompt string, schema map[string]any, model string, timeout time.Duration) (string, error) {
	return "{}", nil
}

func (f *fakeLLM) DescribeImage(ctx context.Context, data []byte, mime string, timeout time.Duration) (string, error) {
	return "an image", nil
}

func (f *fakeLLM) SupportsMime(mime string) bool { return true }

type fixture struct {
	env  *dispatch.Env
	fake *telegramtest.Fake
	llm  *fakeLLM
	pipe *Pipeline
	reg  *dispatch.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fakeTG := &telegramtest.Fake{Self: 42}
	fakeTG.Histories = map[int64][]telegram.Message{
		100: {
			{ID: 1, PeerID: 100, SenderID: 100, SenderName: "Bob", Text: "hey", Date: time.Now()},
		},
	}
	model := &fakeLLM{}
	reg := dispatch.NewRegistry()
	handlers.Register(reg)
	pipe := &Pipeline{Registry: reg}
	pipe.Register(reg)

	env := &dispatch.Env{
		AgentID:           "cindy",
		AgentName:         "Cindy",
		Clock:             clock.NewFake(time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)),
		Queue:             tasks.NewWorkQueue(""),
		Store:             st,
		Telegram:          fakeTG,
		LLM:               model,
		HistorySize:       20,
		AgentInstructions: "You are {AgentName}.",
	}
	return &fixture{env: env, fake: fakeTG, llm: model, pipe: pipe, reg: reg}
}

func (f *fixture) receivedGraph() (*tasks.Graph, *tasks.Node) {
	n := f.env.Queue.InsertReceivedTask(tasks.ReceivedInsert{
		AgentID: "cindy", ChannelID: 100, MessageID: 1,
	})
	return f.env.Queue.GraphFor("cindy", 100), n
}

func TestOutboundSendsChainInOrder(t *testing.T) {
	f := newFixture(t)
	f.llm.replies = []string{`[
		{"kind":"send","id":"s1","text":"first message"},
		{"kind":"send","id":"s2","text":"and a second"}
	]`}
	g, n := f.receivedGraph()

	if err := f.pipe.Received(context.Background(), f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}

	var sends, waits []*tasks.Node
	for _, task := range g.Tasks {
		switch task.Type {
		case tasks.KindSend:
			sends = append(sends, task)
		case tasks.KindWait:
			waits = append(waits, task)
		}
	}
	if len(sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(sends))
	}
	if len(waits) != 2 {
		t.Fatalf("typing waits = %d, want 2", len(waits))
	}
	for _, w := range waits {
		if !w.ParamBool("typing") {
			t.Fatalf("wait %s should carry typing flag", w.ID)
		}
		if w.ParamFloat("duration") < 2 {
			t.Fatalf("typing delay below floor: %v", w.ParamFloat("duration"))
		}
	}
	// Second send's wait depends on the first send: delivery order is fixed.
	secondWaitDeps := waits[1].DependsOn
	if len(secondWaitDeps) != 1 || secondWaitDeps[0] != sends[0].ID {
		t.Fatalf("second wait deps = %v, want [%s]", secondWaitDeps, sends[0].ID)
	}
}

func TestRetrievalSubLoopRaisesRetryable(t *testing.T) {
	f := newFixture(t)
	f.llm.replies = []string{`[{"kind":"retrieve","urls":["https://example.com/a"]}]`}
	f.pipe.Fetch = func(ctx context.Context, rawURL string) (string, error) {
		return "fetched content of " + rawURL, nil
	}
	g, n := f.receivedGraph()

	err := f.pipe.Received(context.Background(), f.env, g, n)
	if !tasks.IsRetryable(err) {
		t.Fatalf("retrieval should raise retryable, got %v", err)
	}
	res := g.FetchedResources()
	if res["https://example.com/a"] != "fetched content of https://example.com/a" {
		t.Fatalf("resources = %+v", res)
	}
	// A preserve-flagged wait keeps the content across the next replan.
	found := false
	for _, task := range g.Tasks {
		if task.Type == tasks.KindWait && task.Preserve() {
			found = true
		}
	}
	if !found {
		t.Fatalf("no preserve wait planted")
	}
}

func TestRetrievalBoundsNewURLs(t *testing.T) {
	f := newFixture(t)
	f.llm.replies = []string{`[{"kind":"retrieve","urls":["https://a","https://b","https://c","https://d"]}]`}
	fetched := 0
	f.pipe.Fetch = func(ctx context.Context, rawURL string) (string, error) {
		fetched++
		return "x", nil
	}
	g, n := f.receivedGraph()
	_ = f.pipe.Received(context.Background(), f.env, g, n)
	if fetched != 3 {
		t.Fatalf("fetched %d urls, want 3", fetched)
	}
}

func TestImmediateTasksElided(t *testing.T) {
	f := newFixture(t)
	f.llm.replies = []string{`[
		{"kind":"think","text":"he seems friendly"},
		{"kind":"remember","id":"m9","content":"Bob says hey"},
		{"kind":"send","text":"hello!"}
	]`}
	g, n := f.receivedGraph()

	if err := f.pipe.Received(context.Background(), f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	for _, task := range g.Tasks {
		if task.Type == tasks.KindThink || task.Type == tasks.KindRemember {
			t.Fatalf("immediate task %s queued in graph", task.Type)
		}
	}
	mems, _ := f.env.Store.Memories(context.Background(), "cindy", 100)
	if len(mems) != 1 || mems[0].Content != "Bob says hey" {
		t.Fatalf("memories = %+v", mems)
	}
	events, _ := f.env.Store.PendingEvents(context.Background(), "cindy", 100)
	if len(events) != 1 || events[0].Kind != "thought" {
		t.Fatalf("thought event = %+v", events)
	}
}

func TestCompletedTurnAcknowledgesRead(t *testing.T) {
	f := newFixture(t)
	f.llm.replies = []string{`[{"kind":"send","text":"hi Bob"}]`}
	n := f.env.Queue.InsertReceivedTask(tasks.ReceivedInsert{
		AgentID: "cindy", ChannelID: 100, MessageID: 1,
		ClearMentions: true, ClearReactions: true,
	})
	g := f.env.Queue.GraphFor("cindy", 100)

	if err := f.pipe.Received(context.Background(), f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	if len(f.fake.ReadAcks) != 1 {
		t.Fatalf("read acks = %+v, want exactly one", f.fake.ReadAcks)
	}
	ack := f.fake.ReadAcks[0]
	if ack.PeerID != 100 || !ack.ClearMentions || !ack.ClearReactions {
		t.Fatalf("ack = %+v, want peer 100 with both clear flags", ack)
	}
}

func TestConversationModelOverrideReachesQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.env.Store.SetConversationModel(ctx, "cindy", 100, "grok/grok-3"); err != nil {
		t.Fatalf("SetConversationModel: %v", err)
	}
	g, n := f.receivedGraph()
	if err := f.pipe.Received(ctx, f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	if f.llm.calls != 1 {
		t.Fatalf("LLM calls = %d, want 1", f.llm.calls)
	}
	if f.llm.lastReq.Model != "grok/grok-3" {
		t.Fatalf("request model = %q, want the conversation override", f.llm.lastReq.Model)
	}
}

func TestZeroResponsivenessSkipsPlanning(t *testing.T) {
	f := newFixture(t)
	sched := &schedule.Schedule{Timezone: "UTC"}
	now := f.env.Clock.Now()
	if err := sched.Upsert(schedule.Activity{
		ID: "a", Name: "asleep", Start: now.Add(-time.Hour), End: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := f.env.Store.SaveSchedule(context.Background(), "cindy", sched); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}
	g, n := f.receivedGraph()

	if err := f.pipe.Received(context.Background(), f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	if f.llm.calls != 0 {
		t.Fatalf("LLM called while asleep")
	}
	if len(f.fake.ReadAcks) != 0 {
		t.Fatalf("skipped turn must leave the dialog unread, acks = %+v", f.fake.ReadAcks)
	}
}

func TestPartnerTypingDefersTask(t *testing.T) {
	f := newFixture(t)
	now := f.env.Clock.Now()
	f.env.Queue.Typing.MarkPartnerTyping("cindy", 100, now)
	g, n := f.receivedGraph()

	if err := f.pipe.Received(context.Background(), f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	if f.llm.calls != 0 {
		t.Fatalf("LLM called while partner typing")
	}
	if n.Status != tasks.StatusPending || len(n.DependsOn) == 0 {
		t.Fatalf("task should be re-pended behind a wait, got %+v", n)
	}
}

func TestDedupKeepsLastOccurrence(t *testing.T) {
	f := newFixture(t)
	f.llm.replies = []string{`[
		{"kind":"send","id":"dup","text":"draft"},
		{"kind":"send","id":"dup","text":"final"}
	]`}
	g, n := f.receivedGraph()
	if err := f.pipe.Received(context.Background(), f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	var sends []*tasks.Node
	for _, task := range g.Tasks {
		if task.Type == tasks.KindSend {
			sends = append(sends, task)
		}
	}
	if len(sends) != 1 || sends[0].ParamString("text") != "final" {
		t.Fatalf("sends = %+v", sends)
	}
}

func TestFencedReplyParses(t *testing.T) {
	f := newFixture(t)
	f.llm.replies = []string{"Here you go:\n```json\n[{\"kind\":\"send\",\"text\":\"hi\"}]\n```"}
	g, n := f.receivedGraph()
	if err := f.pipe.Received(context.Background(), f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	found := false
	for _, task := range g.Tasks {
		if task.Type == tasks.KindSend && task.ParamString("text") == "hi" {
			found = true
		}
	}
	if !found {
		t.Fatalf("fenced send not scheduled: %+v", g.Tasks)
	}
}

func TestProhibitedContentIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.llm.err = llm.ErrProhibited
	g, n := f.receivedGraph()
	err := f.pipe.Received(context.Background(), f.env, g, n)
	if !tasks.IsRetryable(err) {
		t.Fatalf("prohibited content should be retryable, got %v", err)
	}
}

func TestSelfConversationIsNoop(t *testing.T) {
	f := newFixture(t)
	n := f.env.Queue.InsertReceivedTask(tasks.ReceivedInsert{
		AgentID: "cindy", ChannelID: 42, MessageID: 1,
	})
	g := f.env.Queue.GraphFor("cindy", 42)
	if err := f.pipe.Received(context.Background(), f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	if f.llm.calls != 0 {
		t.Fatalf("self conversation should not plan")
	}
}

func TestFirstMessageResetClearsDocs(t *testing.T) {
	f := newFixture(t)
	f.env.ResetOnFirstMessage = true
	ctx := context.Background()
	if err := f.env.Store.SetDoc(ctx, "cindy", 100, store.DocPlan, "old plan"); err != nil {
		t.Fatalf("SetDoc: %v", err)
	}
	g, n := f.receivedGraph()
	if err := f.pipe.Received(ctx, f.env, g, n); err != nil {
		t.Fatalf("Received: %v", err)
	}
	plan, _ := f.env.Store.Doc(ctx, "cindy", 100, store.DocPlan)
	if plan != "" {
		t.Fatalf("plan should be cleared on conversation start, got %q", plan)
	}
}
