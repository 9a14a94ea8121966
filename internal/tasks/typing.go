package tasks

import (
	"sync"
	"time"
)

// TypingTTL is how long a partner's typing stamp gates received tasks.
// The TTL is absolute: re-marking refreshes the stamp but two identical
// marks never extend beyond TTL from the last one.
const TypingTTL = 6 * time.Second

type typingKey struct {
	agentID string
	peerID  int64
}

// TypingTracker is the process-wide (agent, peer) → last-typing map. It only
// gates received tasks in direct messages; groups always bypass it.
type TypingTracker struct {
	mu sync.Mutex
	m  map[typingKey]time.Time
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{m: make(map[typingKey]time.Time)}
}

// MarkPartnerTyping records that the peer is typing right now.
func (t *TypingTracker) MarkPartnerTyping(agentID string, peerID int64, now time.Time) {
	t.mu.Lock()
	t.m[typingKey{agentID, peerID}] = now
	t.mu.Unlock()
}

// IsPartnerRecentlyTyping reports whether the peer typed within the TTL.
func (t *TypingTracker) IsPartnerRecentlyTyping(agentID string, peerID int64, now time.Time) bool {
	t.mu.Lock()
	stamp, ok := t.m[typingKey{agentID, peerID}]
	t.mu.Unlock()
	return ok && now.Sub(stamp) < TypingTTL
}

// RemainingWindow returns how long the typing gate still holds, 0 when open.
func (t *TypingTracker) RemainingWindow(agentID string, peerID int64, now time.Time) time.Duration {
	t.mu.Lock()
	stamp, ok := t.m[typingKey{agentID, peerID}]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	rem := TypingTTL - now.Sub(stamp)
	if rem < 0 {
		return 0
	}
	return rem
}
