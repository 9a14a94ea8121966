package media

import "sync"

// Budget caps AI media descriptions per tick. The tick loop resets it at the
// start of every iteration; the budget gate consumes from it.
type Budget struct {
	mu        sync.Mutex
	remaining int
}

// NewBudget returns a budget with n descriptions available.
func NewBudget(n int) *Budget {
	return &Budget{remaining: n}
}

// Reset restores the budget to n.
func (b *Budget) Reset(n int) {
	b.mu.Lock()
	b.remaining = n
	b.mu.Unlock()
}

// TryConsume takes one unit, returning false when exhausted.
func (b *Budget) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Remaining reports the units left this tick.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}
