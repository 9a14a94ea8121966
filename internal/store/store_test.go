package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoriesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMemory(ctx, "cindy", 100, "m1", "likes tea"); err != nil {
		t.Fatalf("UpsertMemory: %v", err)
	}
	if err := s.UpsertMemory(ctx, "cindy", 100, "m2", "birthday in June"); err != nil {
		t.Fatalf("UpsertMemory: %v", err)
	}
	if err := s.UpsertMemory(ctx, "cindy", 100, "m1", "likes coffee"); err != nil {
		t.Fatalf("UpsertMemory replace: %v", err)
	}

	got, err := s.Memories(ctx, "cindy", 100)
	if err != nil {
		t.Fatalf("Memories: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "m1" || got[0].Content != "likes coffee" {
		t.Fatalf("m1 = %+v", got[0])
	}

	// Empty content retracts.
	if err := s.UpsertMemory(ctx, "cindy", 100, "m2", ""); err != nil {
		t.Fatalf("retract: %v", err)
	}
	got, _ = s.Memories(ctx, "cindy", 100)
	if len(got) != 1 {
		t.Fatalf("after retract len = %d", len(got))
	}

	// Other conversations are isolated.
	other, _ := s.Memories(ctx, "cindy", 200)
	if len(other) != 0 {
		t.Fatalf("channel 200 should be empty, got %d", len(other))
	}
}

func TestDocsPerKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetDoc(ctx, "cindy", 100, DocPlan, "meet at noon"); err != nil {
		t.Fatalf("SetDoc: %v", err)
	}
	if err := s.SetDoc(ctx, "cindy", 100, DocNote, "be gentle"); err != nil {
		t.Fatalf("SetDoc: %v", err)
	}
	plan, err := s.Doc(ctx, "cindy", 100, DocPlan)
	if err != nil || plan != "meet at noon" {
		t.Fatalf("plan = %q, err = %v", plan, err)
	}
	missing, err := s.Doc(ctx, "cindy", 100, DocSummary)
	if err != nil || missing != "" {
		t.Fatalf("absent doc = %q, err = %v", missing, err)
	}
	if err := s.SetDoc(ctx, "cindy", 100, "diary", "x"); err == nil {
		t.Fatalf("unknown kind should fail")
	}
	if err := s.SetDoc(ctx, "cindy", 100, DocPlan, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	plan, _ = s.Doc(ctx, "cindy", 100, DocPlan)
	if plan != "" {
		t.Fatalf("cleared plan = %q", plan)
	}
}

func TestConversationSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	gagged, err := s.IsGagged(ctx, "cindy", 100)
	if err != nil || gagged {
		t.Fatalf("default gagged = %v, err = %v", gagged, err)
	}
	if err := s.SetGagged(ctx, "cindy", 100, true); err != nil {
		t.Fatalf("SetGagged: %v", err)
	}
	if gagged, _ = s.IsGagged(ctx, "cindy", 100); !gagged {
		t.Fatalf("should be gagged")
	}

	if err := s.SetConversationModel(ctx, "cindy", 100, "grok/grok-3"); err != nil {
		t.Fatalf("SetConversationModel: %v", err)
	}
	name, _ := s.ConversationModel(ctx, "cindy", 100)
	if name != "grok/grok-3" {
		t.Fatalf("model = %q", name)
	}
	if err := s.SetConversationModel(ctx, "cindy", 100, ""); err != nil {
		t.Fatalf("clear model: %v", err)
	}
	if name, _ = s.ConversationModel(ctx, "cindy", 100); name != "" {
		t.Fatalf("cleared model = %q", name)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if got, err := s.LoadSchedule(ctx, "cindy"); err != nil || got != nil {
		t.Fatalf("empty load = %+v, err = %v", got, err)
	}

	sched := &schedule.Schedule{Timezone: "America/Los_Angeles"}
	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	if err := sched.Upsert(schedule.Activity{ID: "a1", Name: "hiking", Start: start, End: start.Add(2 * time.Hour)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.SaveSchedule(ctx, "cindy", sched); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}
	got, err := s.LoadSchedule(ctx, "cindy")
	if err != nil {
		t.Fatalf("LoadSchedule: %v", err)
	}
	if got.Timezone != "America/Los_Angeles" || len(got.Activities) != 1 || got.Activities[0].Name != "hiking" {
		t.Fatalf("loaded %+v", got)
	}
}

func TestEventsDelivery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendEvent(ctx, "cindy", 100, "telepathy", "Tell her about the trip"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(ctx, "cindy", 100, "telepathy", "Then wrap up"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	pending, err := s.PendingEvents(ctx, "cindy", 100)
	if err != nil {
		t.Fatalf("PendingEvents: %v", err)
	}
	if len(pending) != 2 || pending[0].Payload != "Tell her about the trip" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := s.MarkEventsDelivered(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("MarkEventsDelivered: %v", err)
	}
	pending, _ = s.PendingEvents(ctx, "cindy", 100)
	if len(pending) != 1 || pending[0].Payload != "Then wrap up" {
		t.Fatalf("after delivery = %+v", pending)
	}
}

func TestTaskLogPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := TaskLogEntry{AgentID: "cindy", ChannelID: 100, GraphID: "g1", TaskID: "t1",
		Kind: "send", Status: "DONE", CreatedAt: now.Add(-20 * 24 * time.Hour)}
	fresh := TaskLogEntry{AgentID: "cindy", ChannelID: 100, GraphID: "g2", TaskID: "t2",
		Kind: "send", Status: "DONE", CreatedAt: now}
	if err := s.LogTask(ctx, old); err != nil {
		t.Fatalf("LogTask: %v", err)
	}
	if err := s.LogTask(ctx, fresh); err != nil {
		t.Fatalf("LogTask: %v", err)
	}

	n, err := s.PruneTaskLog(ctx, now.Add(-14*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("pruned %d, err = %v", n, err)
	}
	entries, _ := s.RecentTaskLog(ctx, "cindy", 10)
	if len(entries) != 1 || entries[0].GraphID != "g2" {
		t.Fatalf("remaining = %+v", entries)
	}
}

func TestProfilePhotos(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddProfilePhoto(ctx, "cindy", "u1"); err != nil {
		t.Fatalf("AddProfilePhoto: %v", err)
	}
	if err := s.AddProfilePhoto(ctx, "cindy", "u1"); err != nil {
		t.Fatalf("repeat AddProfilePhoto: %v", err)
	}
	used, err := s.ProfilePhotos(ctx, "cindy")
	if err != nil {
		t.Fatalf("ProfilePhotos: %v", err)
	}
	if len(used) != 1 || !used["u1"] {
		t.Fatalf("used = %+v", used)
	}
}
