package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func sampleSchedule(t *testing.T) *Schedule {
	t.Helper()
	s := &Schedule{Timezone: "UTC"}
	add := func(id, name, start, end string) {
		t.Helper()
		if err := s.Upsert(Activity{
			ID:    id,
			Name:  name,
			Start: mustParse(t, start),
			End:   mustParse(t, end),
		}); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}
	add("a1", "asleep", "2025-05-10T00:00:00Z", "2025-05-10T08:00:00Z")
	add("a2", "breakfast", "2025-05-10T08:00:00Z", "2025-05-10T09:00:00Z")
	add("a3", "working on the thesis", "2025-05-10T09:00:00Z", "2025-05-10T17:00:00Z")
	return s
}

func TestCurrentAndNext(t *testing.T) {
	s := sampleSchedule(t)

	cur, remaining, next := s.Current(mustParse(t, "2025-05-10T08:30:00Z"))
	if cur == nil || cur.ID != "a2" {
		t.Fatalf("current = %+v, want a2", cur)
	}
	if remaining != 30*time.Minute {
		t.Fatalf("remaining = %v", remaining)
	}
	if next == nil || next.ID != "a3" {
		t.Fatalf("next = %+v, want a3", next)
	}

	// Half-open ranges: the end instant belongs to the following block.
	cur, _, _ = s.Current(mustParse(t, "2025-05-10T09:00:00Z"))
	if cur == nil || cur.ID != "a3" {
		t.Fatalf("current at boundary = %+v, want a3", cur)
	}

	cur, _, next = s.Current(mustParse(t, "2025-05-10T20:00:00Z"))
	if cur != nil || next != nil {
		t.Fatalf("after coverage: current=%+v next=%+v", cur, next)
	}
}

func TestUpsertRejectsOverlap(t *testing.T) {
	s := sampleSchedule(t)
	err := s.Upsert(Activity{
		ID:    "clash",
		Name:  "gym",
		Start: mustParse(t, "2025-05-10T08:30:00Z"),
		End:   mustParse(t, "2025-05-10T10:00:00Z"),
	})
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("err = %v, want ErrOverlap", err)
	}

	// Touching boundaries are fine.
	if err := s.Upsert(Activity{
		ID:    "a4",
		Name:  "gym",
		Start: mustParse(t, "2025-05-10T17:00:00Z"),
		End:   mustParse(t, "2025-05-10T18:00:00Z"),
	}); err != nil {
		t.Fatalf("adjacent Upsert: %v", err)
	}
}

func TestUpsertReplacesByID(t *testing.T) {
	s := sampleSchedule(t)
	if err := s.Upsert(Activity{
		ID:    "a2",
		Name:  "brunch",
		Start: mustParse(t, "2025-05-10T08:00:00Z"),
		End:   mustParse(t, "2025-05-10T09:00:00Z"),
	}); err != nil {
		t.Fatalf("replace Upsert: %v", err)
	}
	if len(s.Activities) != 3 {
		t.Fatalf("len = %d, want 3", len(s.Activities))
	}
	cur, _, _ := s.Current(mustParse(t, "2025-05-10T08:30:00Z"))
	if cur.Name != "brunch" {
		t.Fatalf("name = %q", cur.Name)
	}
}

func TestUpsertRejectsInvertedRange(t *testing.T) {
	s := &Schedule{}
	err := s.Upsert(Activity{
		ID:    "x",
		Name:  "backwards",
		Start: mustParse(t, "2025-05-10T10:00:00Z"),
		End:   mustParse(t, "2025-05-10T09:00:00Z"),
	})
	if err == nil {
		t.Fatalf("inverted range should fail")
	}
}

func TestPruneDropsOldActivities(t *testing.T) {
	s := sampleSchedule(t)
	s.Prune(mustParse(t, "2025-05-12T09:30:00Z"))
	for _, a := range s.Activities {
		if a.ID == "a1" || a.ID == "a2" {
			t.Fatalf("%s should have been pruned", a.ID)
		}
	}
	if len(s.Activities) != 1 || s.Activities[0].ID != "a3" {
		t.Fatalf("kept %+v", s.Activities)
	}
}

func TestNeedsExtensionAndTarget(t *testing.T) {
	s := sampleSchedule(t)
	now := mustParse(t, "2025-05-10T10:00:00Z")
	if !s.NeedsExtension(now) {
		t.Fatalf("coverage ends 17:00 same day, should need extension")
	}
	if err := s.Upsert(Activity{
		ID:    "far",
		Name:  "vacation",
		Start: mustParse(t, "2025-05-11T00:00:00Z"),
		End:   mustParse(t, "2025-05-12T00:00:00Z"),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if s.NeedsExtension(now) {
		t.Fatalf("coverage through May 12 should not need extension")
	}

	target := s.ExtensionTarget(now)
	want := mustParse(t, "2025-05-12T00:00:00Z")
	if !target.Equal(want) {
		t.Fatalf("target = %v, want %v", target, want)
	}
}

func TestResponsiveness(t *testing.T) {
	cases := []struct {
		name string
		want float64
	}{
		{"asleep", 0},
		{"sleeping in", 0},
		{"team meeting", 0.3},
		{"working on the thesis", 0.3},
		{"relaxing at home", 1.0},
	}
	for _, c := range cases {
		got := Responsiveness(&Activity{Name: c.name})
		if got != c.want {
			t.Fatalf("Responsiveness(%q) = %v, want %v", c.name, got, c.want)
		}
	}
	if Responsiveness(nil) != 1.0 {
		t.Fatalf("no activity should be fully responsive")
	}
}
