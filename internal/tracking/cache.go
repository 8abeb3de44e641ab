package tracking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/metrics"
	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/store"
)

type entry struct {
	mu    sync.Mutex
	state *State
}

// Cache holds tracking state for active trips. Each trip has its own lock, so
// reports for one trip are serialized while different trips run in parallel.
type Cache struct {
	db            store.Store
	defaultSegSec float64

	mu      sync.Mutex
	entries map[string]*entry
}

func NewCache(db store.Store, defaultSegSec float64) *Cache {
	return &Cache{db: db, defaultSegSec: defaultSegSec, entries: map[string]*entry{}}
}

func (c *Cache) slot(tripID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tripID]
	if !ok {
		e = &entry{}
		c.entries[tripID] = e
	}
	return e
}

func (c *Cache) current(tripID string, e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[tripID] == e
}

func (c *Cache) drop(tripID string, e *entry) {
	c.mu.Lock()
	if c.entries[tripID] == e {
		delete(c.entries, tripID)
	}
	n := len(c.entries)
	c.mu.Unlock()
	metrics.ActiveTrips.Set(float64(n))
}

// Do runs fn with the trip's state while holding the trip lock, rebuilding the
// state from storage on a miss. Unknown trips give ErrTripNotFound and
// completed trips are dropped once fn returns, so neither stays cached.
func (c *Cache) Do(ctx context.Context, tripID string, fn func(*State) error) error {
	for {
		e := c.slot(tripID)
		e.mu.Lock()
		if !c.current(tripID, e) {
			// evicted while waiting for the lock
			e.mu.Unlock()
			continue
		}
		if e.state == nil {
			st, err := Rebuild(ctx, c.db, tripID, c.defaultSegSec)
			if err != nil {
				e.mu.Unlock()
				c.drop(tripID, e)
				return err
			}
			e.state = st
			metrics.ActiveTrips.Set(float64(c.Len()))
			log.Debug().Str("trip", tripID).Int("stop", st.CurrentStopIndex).Msg("trip state rebuilt")
		}
		err := fn(e.state)
		completed := e.state.Trip.Status == model.TripCompleted
		e.mu.Unlock()
		if completed {
			c.drop(tripID, e)
		}
		return err
	}
}

// Get returns a copy of the trip's state.
func (c *Cache) Get(ctx context.Context, tripID string) (*State, error) {
	var out *State
	err := c.Do(ctx, tripID, func(st *State) error {
		out = st.Clone()
		return nil
	})
	return out, err
}

// Put installs st as the trip's state, replacing any cached one.
func (c *Cache) Put(st *State) {
	e := &entry{state: st}
	c.mu.Lock()
	c.entries[st.Trip.ID] = e
	n := len(c.entries)
	c.mu.Unlock()
	metrics.ActiveTrips.Set(float64(n))
}

func (c *Cache) Evict(tripID string) {
	c.mu.Lock()
	delete(c.entries, tripID)
	n := len(c.entries)
	c.mu.Unlock()
	metrics.ActiveTrips.Set(float64(n))
}

// IDs returns the cached trip ids in sorted order.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts entries whose trip is gone, completed, or started more than
// staleAfter before now. It returns the evicted ids.
func (c *Cache) Sweep(ctx context.Context, now time.Time, staleAfter time.Duration) []string {
	var evicted []string
	for _, id := range c.IDs() {
		trip, err := c.db.GetTrip(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			log.Error().Err(err).Str("trip", id).Msg("sweep: load trip")
			continue
		case trip.Status == model.TripCompleted:
		case staleAfter > 0 && !trip.StartedAt.IsZero() && now.Sub(trip.StartedAt) > staleAfter:
		default:
			continue
		}
		c.Evict(id)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		log.Info().Int("evicted", len(evicted)).Int("remaining", c.Len()).Msg("trip cache swept")
	}
	return evicted
}
