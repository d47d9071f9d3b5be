package scan

import (
	"sync"
	"time"
)

// slidingWindow counts requests per caller over a trailing window. A request
// is admitted if strictly fewer than max admitted requests fall inside the
// window; admitted requests are recorded, rejected ones are not, so rejected
// traffic cannot extend a caller's lockout.
type slidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	calls  map[string][]time.Time

	now func() time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		max:    max,
		window: window,
		calls:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records and admits the request if the caller is under the limit.
func (l *slidingWindow) Allow(caller string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(caller, now)
	if len(recent) >= l.max {
		return false
	}
	l.calls[caller] = append(recent, now)
	return true
}

// Remaining returns how many more requests the caller may make right now.
func (l *slidingWindow) Remaining(caller string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(caller, l.now())
	if len(recent) >= l.max {
		return 0
	}
	return l.max - len(recent)
}

// SetLimits replaces the window parameters. Existing history is kept and
// re-evaluated against the new limits.
func (l *slidingWindow) SetLimits(max int, window time.Duration) {
	l.mu.Lock()
	l.max = max
	l.window = window
	l.mu.Unlock()
}

// prune drops timestamps older than the window and caller entries that
// emptied out, so idle callers do not accumulate.
func (l *slidingWindow) prune(caller string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	history := l.calls[caller]
	i := 0
	for i < len(history) && !history[i].After(cutoff) {
		i++
	}
	recent := history[i:]
	if len(recent) == 0 {
		delete(l.calls, caller)
		return nil
	}
	l.calls[caller] = recent
	return recent
}
