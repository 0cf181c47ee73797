package worker

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow limits job starts to at most limit within any trailing
// window. Safe for concurrent use.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	starts []time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window}
}

// Wait blocks until a start slot is free, then consumes it.
func (l *SlidingWindow) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)
		if len(l.starts) < l.limit {
			l.starts = append(l.starts, now)
			l.mu.Unlock()
			return nil
		}
		free := l.starts[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		t := time.NewTimer(free)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// TryAcquire consumes a slot without blocking.
func (l *SlidingWindow) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.prune(now)
	if len(l.starts) >= l.limit {
		return false
	}
	l.starts = append(l.starts, now)
	return true
}

// prune drops starts that fell out of the window. Must be called with the
// mutex held.
func (l *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	l.starts = l.starts[i:]
}
