// Package segstats learns per-segment travel durations for a route as an
// exponential moving average over confirmed stop-to-stop arrivals.
package segstats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/store"
)

var ErrInvalidSample = errors.New("invalid segment sample")

// Store updates and reads learned segment durations. Segment i connects stop i
// to stop i+1.
type Store struct {
	db         store.Store
	alpha      float64
	defaultSec float64

	mu     sync.Mutex
	routes map[string]*sync.Mutex
}

func New(db store.Store, alpha, defaultSec float64) *Store {
	return &Store{db: db, alpha: alpha, defaultSec: defaultSec, routes: map[string]*sync.Mutex{}}
}

func (s *Store) routeLock(routeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.routes[routeID]
	if !ok {
		l = &sync.Mutex{}
		s.routes[routeID] = l
	}
	return l
}

// EnsureShape returns stats padded or truncated to exactly stopCount-1
// segments. Missing or unusable entries take the default duration with one sample.
func EnsureShape(stats []model.SegmentStat, stopCount int, defaultSec float64) []model.SegmentStat {
	n := stopCount - 1
	if n < 0 {
		n = 0
	}
	out := make([]model.SegmentStat, n)
	for i := range out {
		if i < len(stats) {
			out[i] = stats[i]
		}
		if !usable(out[i].AvgSec) {
			out[i].AvgSec = defaultSec
		}
		if out[i].Samples <= 0 {
			out[i].Samples = 1
		}
	}
	return out
}

func usable(v float64) bool { return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) }

// Update folds one observed segment duration into the route's average:
// avg' = alpha*observed + (1-alpha)*avg.
func (s *Store) Update(ctx context.Context, routeID string, segment int, observedSec float64) (model.SegmentStat, error) {
	if routeID == "" || segment < 0 || !usable(observedSec) {
		return model.SegmentStat{}, fmt.Errorf("%w: route=%q segment=%d observed=%v", ErrInvalidSample, routeID, segment, observedSec)
	}
	l := s.routeLock(routeID)
	l.Lock()
	defer l.Unlock()

	stats, err := s.db.GetSegmentStats(ctx, routeID)
	if err != nil {
		return model.SegmentStat{}, fmt.Errorf("load segment stats: %w", err)
	}
	// segments never written behave as padded defaults
	cur := EnsureShape(stats, max(len(stats), segment+1)+1, s.defaultSec)[segment]
	next := model.SegmentStat{
		AvgSec:  s.alpha*observedSec + (1-s.alpha)*cur.AvgSec,
		Samples: cur.Samples + 1,
	}
	if err := s.db.SaveSegmentStat(ctx, routeID, segment, next); err != nil {
		return model.SegmentStat{}, err
	}
	return next, nil
}
