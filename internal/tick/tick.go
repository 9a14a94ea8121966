// Package tick drives the engine heartbeat: every interval it resets the
// media description budget, emits presence indicators for pending waits,
// executes at most one ready task per conversation round-robin, persists the
// queue, and runs low-frequency maintenance (task log pruning, schedule
// extension).
package tick

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/agent"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/clock"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/dispatch"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/media"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/store"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

const (
	// DefaultInterval between ticks.
	DefaultInterval = 2 * time.Second

	// taskLogRetention keeps two weeks of execution history.
	taskLogRetention = 14 * 24 * time.Hour

	// cleanupCron prunes the task log nightly, off-peak.
	cleanupCron = "0 4 * * *"

	// extendCron re-checks schedule coverage every quarter hour.
	extendCron = "*/15 * * * *"

	// extendTimeout bounds one schedule-generation LLM call.
	extendTimeout = 2 * time.Minute
)

// Loop is the engine heartbeat. One Loop serves every agent in the process.
type Loop struct {
	Interval time.Duration
	BudgetN  int
	Clock    clock.Clock
	Queue    *tasks.WorkQueue
	Registry *dispatch.Registry
	Store    *store.Store
	Budget   *media.Budget
	Agents   map[string]*agent.Agent

	cron        *gronx.Gronx
	lastCleanup time.Time
	lastExtend  time.Time
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	for {
		if err := l.Clock.Sleep(ctx, interval); err != nil {
			return err
		}
		l.Tick(ctx)
	}
}

// Tick runs one heartbeat iteration.
func (l *Loop) Tick(ctx context.Context) {
	now := l.Clock.Now()
	if l.Budget != nil {
		l.Budget.Reset(l.BudgetN)
	}
	l.presence(ctx)
	l.dispatchOne(ctx, now)
	l.maintenance(ctx, now)
	if err := l.Queue.Save(); err != nil {
		slog.Error("tick: work queue save failed", "error", err)
	}
}

// presence emits at most one indicator per conversation: "typing" when a
// typing wait is pending, otherwise a presence bump for an "online" wait.
func (l *Loop) presence(ctx context.Context) {
	for _, g := range l.Queue.Graphs() {
		a := l.Agents[g.AgentID()]
		if a == nil || a.Disabled() {
			continue
		}
		switch {
		case g.TypingWaitPending("typing"):
			if err := a.Client.SetTyping(ctx, g.ChannelID(), telegram.ActionTyping); err != nil {
				slog.Debug("tick: typing indicator failed", "agent", g.AgentID(), "channel", g.ChannelID(), "error", err)
			}
		case g.TypingWaitPending("online"):
			if err := a.Client.SetTyping(ctx, g.ChannelID(), telegram.ActionCancel); err != nil {
				slog.Debug("tick: presence bump failed", "agent", g.AgentID(), "channel", g.ChannelID(), "error", err)
			}
		}
	}
}

// dispatchOne executes the next ready task, if any. A handler may re-pend its
// own task (deferral); only tasks still ACTIVE afterwards complete.
func (l *Loop) dispatchOne(ctx context.Context, now time.Time) {
	g, n := l.Queue.NextTask(now)
	if g == nil {
		return
	}

	a := l.Agents[g.AgentID()]
	if a == nil || a.Disabled() {
		g.CancelPending()
		l.Queue.RemoveGraph(g.ID)
		return
	}

	n.Status = tasks.StatusActive
	err := l.Registry.Dispatch(ctx, a.Env(), g, n)

	status := "done"
	detail := ""
	switch {
	case err == nil:
		if n.Status == tasks.StatusActive {
			n.Status = tasks.StatusDone
		} else {
			status = "deferred"
		}
	case tasks.IsRetryable(err):
		detail = err.Error()
		if n.Fail(g, 0) {
			status = "retry"
		} else {
			status = "failed"
		}
	default:
		detail = err.Error()
		n.Status = tasks.StatusFailed
		status = "failed"
	}

	if err != nil {
		slog.Warn("tick: task did not complete",
			"agent", g.AgentID(), "channel", g.ChannelID(),
			"task", n.ID, "kind", n.Type, "outcome", status, "error", err)
	}
	if l.Store != nil {
		entry := store.TaskLogEntry{
			AgentID:   g.AgentID(),
			ChannelID: g.ChannelID(),
			GraphID:   g.ID,
			TaskID:    n.ID,
			Kind:      n.Type,
			Status:    status,
			Detail:    detail,
			CreatedAt: now,
		}
		if logErr := l.Store.LogTask(ctx, entry); logErr != nil {
			slog.Debug("tick: task log write failed", "error", logErr)
		}
	}

	l.Queue.RemoveIfComplete(g)
}

func (l *Loop) maintenance(ctx context.Context, now time.Time) {
	if l.cron == nil {
		l.cron = gronx.New()
	}

	if due, err := l.cron.IsDue(cleanupCron, now); err == nil && due && now.Sub(l.lastCleanup) > time.Minute {
		l.lastCleanup = now
		if l.Store != nil {
			pruned, err := l.Store.PruneTaskLog(ctx, now.Add(-taskLogRetention))
			if err != nil {
				slog.Warn("tick: task log prune failed", "error", err)
			} else if pruned > 0 {
				slog.Info("tick: task log pruned", "rows", pruned)
			}
		}
	}

	if l.Store == nil {
		return
	}
	due, err := l.cron.IsDue(extendCron, now)
	if err != nil {
		return
	}
	firstRun := l.lastExtend.IsZero()
	if !firstRun && (!due || now.Sub(l.lastExtend) < time.Minute) {
		return
	}
	l.lastExtend = now
	l.extendSchedules(ctx, now)
}

// extendSchedules tops up every agent's activity schedule when coverage drops
// below a day. The generated plan reaches local midnight of the day after
// next.
func (l *Loop) extendSchedules(ctx context.Context, now time.Time) {
	for _, a := range l.Agents {
		if a.Disabled() || a.Cfg.DailySchedule == "" {
			continue
		}
		if err := l.extendSchedule(ctx, a, now); err != nil {
			slog.Warn("tick: schedule extension failed", "agent", a.ID, "error", err)
		}
	}
}

var activityListSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"activities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_time":    map[string]any{"type": "string"},
					"end_time":      map[string]any{"type": "string"},
					"activity_name": map[string]any{"type": "string"},
					"description":   map[string]any{"type": "string"},
				},
				"required": []string{"start_time", "end_time", "activity_name"},
			},
		},
	},
	"required": []string{"activities"},
}

func (l *Loop) extendSchedule(ctx context.Context, a *agent.Agent, now time.Time) error {
	sched, err := l.Store.LoadSchedule(ctx, a.ID)
	if err != nil {
		return err
	}
	if sched == nil {
		sched = &schedule.Schedule{Timezone: a.Cfg.Timezone}
	}
	if !sched.NeedsExtension(now) {
		return nil
	}

	target := sched.ExtensionTarget(now)
	raw, err := a.LLM.QueryJSONSchema(ctx, extensionPrompt(a, sched, now, target), activityListSchema, "", extendTimeout)
	if err != nil {
		return err
	}

	var out struct {
		Activities []struct {
			Start       string `json:"start_time"`
			End         string `json:"end_time"`
			Name        string `json:"activity_name"`
			Description string `json:"description"`
		} `json:"activities"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return err
	}

	added := 0
	for _, act := range out.Activities {
		start, serr := time.Parse(time.RFC3339, act.Start)
		end, eerr := time.Parse(time.RFC3339, act.End)
		if serr != nil || eerr != nil {
			slog.Debug("tick: schedule activity has bad timestamps", "agent", a.ID, "activity", act.Name)
			continue
		}
		err := sched.Upsert(schedule.Activity{
			ID:          tasks.NewID("act"),
			Start:       start,
			End:         end,
			Name:        act.Name,
			Description: act.Description,
		})
		if err != nil {
			slog.Debug("tick: schedule activity rejected", "agent", a.ID, "activity", act.Name, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		return errors.New("schedule extension produced no usable activities")
	}

	sched.LastExtended = now
	sched.Prune(now)
	if err := l.Store.SaveSchedule(ctx, a.ID, sched); err != nil {
		return err
	}
	slog.Info("tick: schedule extended", "agent", a.ID, "activities", added, "until", sched.End())
	return nil
}

func extensionPrompt(a *agent.Agent, sched *schedule.Schedule, now, target time.Time) string {
	loc := sched.Location()
	var b strings.Builder
	b.WriteString("You plan the daily activities of ")
	b.WriteString(a.Cfg.Name)
	b.WriteString(".\n\nTheir typical day:\n")
	b.WriteString(a.Cfg.DailySchedule)
	b.WriteString("\n\nThe current time is ")
	b.WriteString(now.In(loc).Format(time.RFC3339))
	b.WriteString(".\nExtend the schedule with non-overlapping activities from where it ends through ")
	b.WriteString(target.In(loc).Format(time.RFC3339))
	b.WriteString(".\nUse RFC 3339 timestamps with the timezone offset of ")
	b.WriteString(loc.String())
	b.WriteString(".\n")

	recent := sched.RecentActivities(now, 2)
	if len(recent) > 0 {
		b.WriteString("\nRecent and upcoming activities already planned:\n")
		for _, act := range recent {
			b.WriteString("- ")
			b.WriteString(act.Start.In(loc).Format(time.RFC3339))
			b.WriteString(" to ")
			b.WriteString(act.End.In(loc).Format(time.RFC3339))
			b.WriteString(": ")
			b.WriteString(act.Name)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
