package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttle admits at most one report per interval for each source.
type throttle struct {
	every time.Duration

	mu   sync.Mutex
	lims map[string]*limiter
}

type limiter struct {
	*rate.Limiter
	seen time.Time
}

func newThrottle(every time.Duration) *throttle {
	return &throttle{every: every, lims: map[string]*limiter{}}
}

func (t *throttle) allow(key string, now time.Time) bool {
	if t.every <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.lims[key]
	if !ok {
		l = &limiter{Limiter: rate.NewLimiter(rate.Every(t.every), 1)}
		t.lims[key] = l
	}
	l.seen = now
	return l.AllowN(now, 1)
}

// prune forgets sources idle since before cutoff.
func (t *throttle) prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, l := range t.lims {
		if l.seen.Before(cutoff) {
			delete(t.lims, k)
			n++
		}
	}
	return n
}
