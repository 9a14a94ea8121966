// Package tasks implements the per-conversation task graph, the process-wide
// work queue with its round-robin scheduler, readiness evaluation, retry
// injection, and the coalescing of inbound events into received tasks.
package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a task lifecycle state. DONE, FAILED and CANCELLED are terminal
// and never reopen.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Well-known task kinds the core itself inspects. Unknown kinds pass through
// to the handler registry untouched.
const (
	KindReceived  = "received"
	KindWait      = "wait"
	KindSend      = "send"
	KindSticker   = "sticker"
	KindSendMedia = "send_media"
	KindBlock     = "block"
	KindUnblock   = "unblock"
	KindThink     = "think"
	KindRemember  = "remember"
	KindRetrieve  = "retrieve"
	KindXSend     = "xsend"
	KindSchedule  = "schedule"
	KindClearConv = "clear-conversation"
)

// DefaultMaxRetries bounds retry injection per task.
const DefaultMaxRetries = 10

// DefaultRetryWait is the short wait injected before re-running a failed task.
const DefaultRetryWait = 10 * time.Second

// Node is one operation in a graph. Dependencies reference ids within the
// same graph only.
type Node struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Params          map[string]any `json:"params,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	Status          Status         `json:"status"`
	PreviousRetries int            `json:"previous_retries,omitempty"`
	MaxRetries      int            `json:"max_retries,omitempty"`
}

// NewID returns a fresh globally-unique task id with a readable prefix.
func NewID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// ParamString fetches a string parameter, "" when absent.
func (n *Node) ParamString(key string) string {
	if n.Params == nil {
		return ""
	}
	s, _ := n.Params[key].(string)
	return s
}

// ParamBool fetches a boolean parameter, false when absent.
func (n *Node) ParamBool(key string) bool {
	if n.Params == nil {
		return false
	}
	b, _ := n.Params[key].(bool)
	return b
}

// ParamInt fetches an integer parameter, tolerating the float64 that JSON
// round-tripping produces. Returns 0 when absent.
func (n *Node) ParamInt(key string) int {
	if n.Params == nil {
		return 0
	}
	switch v := n.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ParamFloat fetches a numeric parameter as float64.
func (n *Node) ParamFloat(key string) float64 {
	if n.Params == nil {
		return 0
	}
	switch v := n.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// ParamIntList fetches a list of ints (e.g. reaction_message_ids).
func (n *Node) ParamIntList(key string) []int {
	if n.Params == nil {
		return nil
	}
	raw, ok := n.Params[key].([]any)
	if !ok {
		// Direct []int assignment before any JSON round trip.
		if ints, ok := n.Params[key].([]int); ok {
			return ints
		}
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch x := v.(type) {
		case int:
			out = append(out, x)
		case float64:
			out = append(out, int(x))
		}
	}
	return out
}

// SetParam initializes the params map on first use.
func (n *Node) SetParam(key string, value any) {
	if n.Params == nil {
		n.Params = make(map[string]any)
	}
	n.Params[key] = value
}

// Preserve reports whether the task survives a replan.
func (n *Node) Preserve() bool { return n.ParamBool("preserve") }

// effectiveUntil resolves a wait task's deadline. A duration-based wait
// converts to an absolute `until` the first time it is evaluated with its
// dependencies complete, which makes serial waits cumulative rather than
// wall-clock.
func (n *Node) effectiveUntil(now time.Time) (time.Time, bool) {
	if s := n.ParamString("until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err == nil {
			return t, true
		}
	}
	if d := n.ParamFloat("duration"); d > 0 {
		until := now.Add(time.Duration(d * float64(time.Second)))
		n.SetParam("until", until.Format(time.RFC3339))
		delete(n.Params, "duration")
		return until, true
	}
	return time.Time{}, false
}

// Fail records a handler failure. Until MaxRetries is exhausted it injects a
// short wait into the graph, chains the failing task behind it, and re-marks
// the task PENDING. Returns true when the task will be retried.
func (n *Node) Fail(g *Graph, retryWait time.Duration) bool {
	n.PreviousRetries++
	max := n.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	if n.PreviousRetries >= max {
		n.Status = StatusFailed
		return false
	}
	if retryWait <= 0 {
		retryWait = DefaultRetryWait
	}
	wait := &Node{
		ID:     NewID("wait"),
		Type:   KindWait,
		Status: StatusPending,
		Params: map[string]any{"duration": retryWait.Seconds()},
	}
	g.Tasks = append(g.Tasks, wait)
	n.DependsOn = append(n.DependsOn, wait.ID)
	n.Status = StatusPending
	return true
}
