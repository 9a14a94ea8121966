package tick

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/agent"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/clock"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/config"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/dispatch"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/llm"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/media"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/store"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram/telegramtest"
)

type stubLLM struct {
	schemaReply string
}

func (s stubLLM) Name() string         { return "stub" }
func (s stubLLM) Model() string        { return "stub-model" }
func (s stubLLM) Instructions() string { return "" }

func (s stubLLM) QueryStructured(ctx context.Context, req llm.StructuredRequest) (string, error) {
	return "[]", nil
}

func (s stubLLM) QueryJSONSchema(ctx context.Context, systemPrompt string, schema map[string]any, model string, timeout time.Duration) (string, error) {
	if s.schemaReply == "" {
		return "", errors.New("no reply scripted")
	}
	return s.schemaReply, nil
}

func (s stubLLM) DescribeImage(ctx context.Context, data []byte, mime string, timeout time.Duration) (string, error) {
	return "", errors.New("not supported")
}

func (s stubLLM) SupportsMime(mime string) bool { return false }

type fixture struct {
	loop  *Loop
	fake  *telegramtest.Fake
	agent *agent.Agent
	clk   *clock.Fake
	reg   *dispatch.Registry
}

func newFixture(t *testing.T, provider llm.Provider) *fixture {
	t.Helper()
	fake := &telegramtest.Fake{}
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC))
	q := tasks.NewWorkQueue("")
	a := agent.New(agent.Options{
		Cfg:      config.Agent{Name: "Tess", Phone: "+15550100", HistorySize: 50, Timezone: "UTC"},
		Client:   fake,
		Queue:    q,
		LLM:      provider,
		Clock:    clk,
		StateDir: t.TempDir(),
		Budget:   media.NewBudget(2),
	})
	reg := dispatch.NewRegistry()
	return &fixture{
		loop: &Loop{
			Interval: DefaultInterval,
			BudgetN:  2,
			Clock:    clk,
			Queue:    q,
			Registry: reg,
			Budget:   media.NewBudget(2),
			Agents:   map[string]*agent.Agent{a.ID: a},
		},
		fake:  fake,
		agent: a,
		clk:   clk,
		reg:   reg,
	}
}

func addGraph(f *fixture, nodes ...*tasks.Node) *tasks.Graph {
	g := tasks.NewGraph(f.agent.ID, 100, false)
	g.Tasks = append(g.Tasks, nodes...)
	f.loop.Queue.AddGraph(g)
	return g
}

func TestTickRunsTaskToCompletion(t *testing.T) {
	f := newFixture(t, stubLLM{})
	ran := 0
	f.reg.Register("noop", func(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
		ran++
		return nil
	})
	g := addGraph(f, &tasks.Node{ID: "t1", Type: "noop", Status: tasks.StatusPending})

	f.loop.Tick(context.Background())

	if ran != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
	if g.Tasks[0].Status != tasks.StatusDone {
		t.Fatalf("status = %s, want DONE", g.Tasks[0].Status)
	}
	if f.loop.Queue.GraphFor(f.agent.ID, 100) != nil {
		t.Fatal("complete graph should be removed")
	}
}

func TestTickRetryableFailureInjectsWait(t *testing.T) {
	f := newFixture(t, stubLLM{})
	f.reg.Register("flaky", func(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
		return tasks.Retryable(errors.New("flood wait"))
	})
	g := addGraph(f, &tasks.Node{ID: "t1", Type: "flaky", Status: tasks.StatusPending})

	f.loop.Tick(context.Background())

	n := g.Task("t1")
	if n.Status != tasks.StatusPending {
		t.Fatalf("status = %s, want PENDING after retryable failure", n.Status)
	}
	if n.PreviousRetries != 1 {
		t.Fatalf("retries = %d, want 1", n.PreviousRetries)
	}
	if len(g.Tasks) != 2 || g.Tasks[1].Type != tasks.KindWait {
		t.Fatalf("expected injected wait, tasks = %d", len(g.Tasks))
	}
	if len(n.DependsOn) != 1 || n.DependsOn[0] != g.Tasks[1].ID {
		t.Fatal("failing task should depend on the injected wait")
	}
}

func TestTickPermanentFailurePropagates(t *testing.T) {
	f := newFixture(t, stubLLM{})
	f.reg.Register("broken", func(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
		return errors.New("permanent")
	})
	g := addGraph(f,
		&tasks.Node{ID: "t1", Type: "broken", Status: tasks.StatusPending},
		&tasks.Node{ID: "t2", Type: "broken", Status: tasks.StatusPending, DependsOn: []string{"t1"}},
	)

	f.loop.Tick(context.Background())

	if g.Task("t1").Status != tasks.StatusFailed {
		t.Fatalf("t1 status = %s, want FAILED", g.Task("t1").Status)
	}

	// The dependent fails by propagation on the next scheduling pass.
	f.loop.Tick(context.Background())
	if g.Task("t2").Status != tasks.StatusFailed {
		t.Fatalf("t2 status = %s, want FAILED", g.Task("t2").Status)
	}
	if f.loop.Queue.GraphFor(f.agent.ID, 100) != nil {
		t.Fatal("fully failed graph should be removed")
	}
}

func TestTickDeferredTaskStaysPending(t *testing.T) {
	f := newFixture(t, stubLLM{})
	f.reg.Register("defer", func(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
		n.Status = tasks.StatusPending
		return nil
	})
	g := addGraph(f, &tasks.Node{ID: "t1", Type: "defer", Status: tasks.StatusPending})

	f.loop.Tick(context.Background())

	if g.Task("t1").Status != tasks.StatusPending {
		t.Fatalf("status = %s, want PENDING for self-deferred task", g.Task("t1").Status)
	}
	if f.loop.Queue.GraphFor(f.agent.ID, 100) == nil {
		t.Fatal("deferred graph must stay queued")
	}
}

func TestTickTypingIndicatorForPendingWait(t *testing.T) {
	f := newFixture(t, stubLLM{})
	addGraph(f, &tasks.Node{
		ID: "w1", Type: tasks.KindWait, Status: tasks.StatusPending,
		Params: map[string]any{"typing": true, "duration": 600.0},
	})

	f.loop.presence(context.Background())

	if len(f.fake.TypingActions) != 1 || f.fake.TypingActions[0] != telegram.ActionTyping {
		t.Fatalf("typing actions = %v, want [typing]", f.fake.TypingActions)
	}
}

func TestTickOnlineWaitBumpsPresenceOnly(t *testing.T) {
	f := newFixture(t, stubLLM{})
	addGraph(f, &tasks.Node{
		ID: "w1", Type: tasks.KindWait, Status: tasks.StatusPending,
		Params: map[string]any{"online": true, "duration": 600.0},
	})

	f.loop.presence(context.Background())

	if len(f.fake.TypingActions) != 1 || f.fake.TypingActions[0] != telegram.ActionCancel {
		t.Fatalf("typing actions = %v, want [cancel]", f.fake.TypingActions)
	}
}

func TestTickTypingWinsOverOnline(t *testing.T) {
	f := newFixture(t, stubLLM{})
	addGraph(f,
		&tasks.Node{ID: "w1", Type: tasks.KindWait, Status: tasks.StatusPending,
			Params: map[string]any{"typing": true, "duration": 600.0}},
		&tasks.Node{ID: "w2", Type: tasks.KindWait, Status: tasks.StatusPending,
			Params: map[string]any{"online": true, "duration": 600.0}},
	)

	f.loop.presence(context.Background())

	if len(f.fake.TypingActions) != 1 || f.fake.TypingActions[0] != telegram.ActionTyping {
		t.Fatalf("typing actions = %v, want exactly [typing]", f.fake.TypingActions)
	}
}

func TestTickCancelsGraphsOfDisabledAgent(t *testing.T) {
	f := newFixture(t, stubLLM{})
	f.reg.Register("noop", func(ctx context.Context, env *dispatch.Env, g *tasks.Graph, n *tasks.Node) error {
		return nil
	})
	g := addGraph(f, &tasks.Node{ID: "t1", Type: "noop", Status: tasks.StatusPending})
	f.agent.SetDisabled(true)

	f.loop.Tick(context.Background())

	if f.loop.Queue.GraphFor(f.agent.ID, 100) != nil {
		t.Fatal("disabled agent's graph should be removed")
	}
	if g.Task("t1").Status != tasks.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", g.Task("t1").Status)
	}
}

func TestTickResetsBudget(t *testing.T) {
	f := newFixture(t, stubLLM{})
	for f.loop.Budget.TryConsume() {
	}
	if f.loop.Budget.Remaining() != 0 {
		t.Fatal("budget should be exhausted before the tick")
	}

	f.loop.Tick(context.Background())

	if got := f.loop.Budget.Remaining(); got != 2 {
		t.Fatalf("budget after tick = %d, want 2", got)
	}
}

func TestStripFences(t *testing.T) {
	in := "```json\n{\"activities\": []}\n```"
	if got := stripFences(in); got != `{"activities": []}` {
		t.Fatalf("stripFences = %q", got)
	}
	if got := stripFences(` {"a":1} `); got != `{"a":1}` {
		t.Fatalf("stripFences plain = %q", got)
	}
}

func TestScheduleExtensionPersistsActivities(t *testing.T) {
	reply := `{"activities": [
		{"start_time": "2026-05-01T13:00:00Z", "end_time": "2026-05-01T22:00:00Z", "activity_name": "work"},
		{"start_time": "2026-05-01T22:00:00Z", "end_time": "2026-05-02T07:00:00Z", "activity_name": "sleep", "description": "asleep at home"}
	]}`
	f := newFixture(t, stubLLM{schemaReply: reply})
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	f.loop.Store = st
	f.agent.Cfg.DailySchedule = "Works days, sleeps nights."

	f.loop.extendSchedules(context.Background(), f.clk.Now())

	sched, err := st.LoadSchedule(context.Background(), f.agent.ID)
	if err != nil {
		t.Fatalf("load schedule: %v", err)
	}
	if sched == nil || len(sched.Activities) != 2 {
		t.Fatalf("schedule = %+v, want 2 activities", sched)
	}
	if sched.LastExtended.IsZero() {
		t.Fatal("LastExtended should be stamped")
	}
	current, _, _ := sched.Current(time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC))
	if current == nil || current.Name != "sleep" {
		t.Fatalf("current activity = %+v, want sleep", current)
	}
}

func TestScheduleExtensionSkippedWhenCovered(t *testing.T) {
	f := newFixture(t, stubLLM{})
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	f.loop.Store = st
	f.agent.Cfg.DailySchedule = "Works days, sleeps nights."

	covered := &schedule.Schedule{Timezone: "UTC"}
	if err := covered.Upsert(schedule.Activity{
		ID:    "a1",
		Start: f.clk.Now(),
		End:   f.clk.Now().Add(48 * time.Hour),
		Name:  "trip",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.SaveSchedule(context.Background(), f.agent.ID, covered); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	// The stub errors on any schema query, so reaching the LLM would fail the
	// extension and leave a log entry; a covered schedule never gets there.
	f.loop.extendSchedules(context.Background(), f.clk.Now())

	sched, err := st.LoadSchedule(context.Background(), f.agent.ID)
	if err != nil {
		t.Fatalf("load schedule: %v", err)
	}
	if len(sched.Activities) != 1 {
		t.Fatalf("activities = %d, want unchanged 1", len(sched.Activities))
	}
}
