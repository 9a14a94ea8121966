// Package schedule models an agent's daily activity plan and the
// responsiveness curve derived from it. A responsiveness of zero suppresses
// both the received pipeline and the unread scan.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// retainWindow keeps recently ended activities for LLM context; anything
// ending earlier is dropped on save.
const retainWindow = 48 * time.Hour

// extendThreshold triggers schedule extension when less than this much
// coverage remains.
const extendThreshold = 24 * time.Hour

// Activity is one scheduled block. Ranges are half-open: [Start, End).
type Activity struct {
	ID          string    `json:"id"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	Name        string    `json:"activity_name"`
	Description string    `json:"description,omitempty"`
}

// ErrOverlap rejects activities that collide with an existing block.
var ErrOverlap = errors.New("schedule: activity overlaps an existing one")

// Schedule is an agent's activity plan in its own timezone.
type Schedule struct {
	Timezone     string     `json:"timezone"`
	LastExtended time.Time  `json:"last_extended,omitempty"`
	Activities   []Activity `json:"activities"`
}

// Location resolves the schedule timezone, falling back to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Upsert inserts or replaces an activity by id, enforcing non-overlap
// against all other activities.
func (s *Schedule) Upsert(a Activity) error {
	if !a.End.After(a.Start) {
		return fmt.Errorf("schedule: activity %q ends before it starts", a.Name)
	}
	for _, other := range s.Activities {
		if other.ID == a.ID {
			continue
		}
		if a.Start.Before(other.End) && other.Start.Before(a.End) {
			return fmt.Errorf("%w: %q vs %q", ErrOverlap, a.Name, other.Name)
		}
	}
	for i, other := range s.Activities {
		if other.ID == a.ID {
			s.Activities[i] = a
			s.sort()
			return nil
		}
	}
	s.Activities = append(s.Activities, a)
	s.sort()
	return nil
}

func (s *Schedule) sort() {
	sort.Slice(s.Activities, func(i, j int) bool {
		return s.Activities[i].Start.Before(s.Activities[j].Start)
	})
}

// Prune drops activities that ended more than two days before now.
func (s *Schedule) Prune(now time.Time) {
	cutoff := now.Add(-retainWindow)
	kept := s.Activities[:0]
	for _, a := range s.Activities {
		if a.End.After(cutoff) {
			kept = append(kept, a)
		}
	}
	s.Activities = kept
}

// Current returns the activity covering now, the time remaining in it, and
// the next upcoming activity. Either pointer may be nil.
func (s *Schedule) Current(now time.Time) (current *Activity, remaining time.Duration, next *Activity) {
	for i := range s.Activities {
		a := &s.Activities[i]
		if !now.Before(a.Start) && now.Before(a.End) {
			current = a
			remaining = a.End.Sub(now)
		} else if a.Start.After(now) && next == nil {
			next = a
		}
	}
	return current, remaining, next
}

// End returns when schedule coverage runs out (zero time when empty).
func (s *Schedule) End() time.Time {
	var end time.Time
	for _, a := range s.Activities {
		if a.End.After(end) {
			end = a.End
		}
	}
	return end
}

// NeedsExtension reports whether coverage ends within the threshold.
func (s *Schedule) NeedsExtension(now time.Time) bool {
	return s.End().Before(now.Add(extendThreshold))
}

// ExtensionTarget is midnight (agent-local) of the day after next: the end
// time extension prompts ask the model to plan through.
func (s *Schedule) ExtensionTarget(now time.Time) time.Time {
	local := now.In(s.Location())
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location())
	return day.AddDate(0, 0, 2)
}

// RecentActivities returns activities from the last few days, formatted for
// the extension prompt.
func (s *Schedule) RecentActivities(now time.Time, days int) []Activity {
	cutoff := now.AddDate(0, 0, -days)
	var out []Activity
	for _, a := range s.Activities {
		if a.End.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// Responsiveness maps the current activity to [0, 1]. Sleep-like activities
// silence the agent entirely; everything else defaults to fully responsive
// unless the name carries a known low-attention marker.
func Responsiveness(current *Activity) float64 {
	if current == nil {
		return 1.0
	}
	name := strings.ToLower(current.Name)
	switch {
	case strings.Contains(name, "asleep"), strings.Contains(name, "sleep"):
		return 0
	case strings.Contains(name, "busy"), strings.Contains(name, "meeting"),
		strings.Contains(name, "work"), strings.Contains(name, "driving"):
		return 0.3
	default:
		return 1.0
	}
}
