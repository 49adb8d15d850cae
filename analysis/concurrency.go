package analysis

import (
	"context"
	"log/slog"
)

// slots limits how many analyses run at once. Aggregating a long stream holds the whole
// event log in memory, so the default is one at a time.
type slots chan struct{}

func newSlots(n int) slots {
	if n <= 0 {
		n = 1
	}
	return make(slots, n)
}

// acquire blocks until a slot is free or ctx is cancelled. Returns false if cancelled.
func (s slots) acquire(ctx context.Context) bool {
	select {
	case s <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s slots) release() {
	select {
	case <-s:
	default:
		slog.Warn("analysis slot release called without corresponding acquire")
	}
}

func (s slots) active() int { return len(s) }
