// Package eta estimates arrival times for a trip's remaining stops and decides
// when a new estimate is worth publishing.
package eta

import (
	"context"
	"math"
	"time"

	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/metrics"
	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/routing"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

type Config struct {
	Alpha          float64       // smoothing factor in (0,1]
	MinSpeed       float64       // m/s; slower reports use AssumedSpeed
	AssumedSpeed   float64       // m/s
	ShortRange     float64       // meters under which the first leg is straight-line
	RoutingTTL     time.Duration // routing lookups older than this are refreshed
	EmitDelta      time.Duration // smallest per-stop change that triggers a publish
	DefaultSegment float64       // seconds
}

func DefaultConfig() Config {
	return Config{
		Alpha:          0.25,
		MinSpeed:       0.8,
		AssumedSpeed:   5,
		ShortRange:     100,
		RoutingTTL:     15 * time.Second,
		EmitDelta:      5 * time.Second,
		DefaultSegment: 120,
	}
}

// Router is the routing lookup used for the first and subsequent legs.
// *routing.Client satisfies it.
type Router interface {
	Legs(ctx context.Context, key string, waypoints []geo.Point) (routing.Legs, bool)
}

// Result is a published ETA set.
type Result struct {
	TripID  string             `json:"tripId"`
	ETAs    map[string]float64 `json:"etas"`
	Entries []model.ETAEntry   `json:"entries"`
	At      time.Time          `json:"at"`
}

type Engine struct {
	cfg    Config
	router Router
}

// NewEngine builds an engine. A nil router disables routed legs.
func NewEngine(cfg Config, router Router) *Engine {
	return &Engine{cfg: cfg, router: router}
}

// DefaultSegment is the duration assumed for a segment with no history.
func (e *Engine) DefaultSegment() float64 { return e.cfg.DefaultSegment }

// Velocity is the speed used for straight-line legs.
func (e *Engine) Velocity(speed *float64) float64 {
	if speed != nil && *speed >= e.cfg.MinSpeed && !math.IsInf(*speed, 0) {
		return *speed
	}
	return e.cfg.AssumedSpeed
}

// RefreshRouting replaces the trip's routing cache when it has expired or was
// fetched for another stop. The cache is stamped even when the lookup fails so
// a dead routing service is not hammered on every report.
func (e *Engine) RefreshRouting(ctx context.Context, st *tracking.State, pos geo.Point, now time.Time) {
	if st.Done() {
		return
	}
	cur := st.CurrentStopIndex
	rc := st.Routing
	if !rc.FetchedAt.IsZero() && now.Sub(rc.FetchedAt) < e.cfg.RoutingTTL && rc.OriginIndex == cur {
		return
	}
	st.Routing = tracking.RoutingCache{FetchedAt: now, OriginIndex: cur}
	if e.router == nil {
		return
	}
	waypoints := make([]geo.Point, 0, len(st.Stops)-cur+1)
	waypoints = append(waypoints, pos)
	for _, s := range st.Stops[cur:] {
		waypoints = append(waypoints, s.Point)
	}
	legs, ok := e.router.Legs(ctx, routing.CacheKey(st.Trip.ID, cur, pos), waypoints)
	if !ok {
		return
	}
	first := legs.First
	st.Routing.First = &first
	st.Routing.Rest = append([]float64(nil), legs.Rest...)
}

// firstLeg estimates seconds to the current stop; ok=false passes to the next strategy.
type firstLeg func(st *tracking.State, remaining, velocity float64) (float64, bool)

// laterLeg estimates seconds from stop j-1 to stop j.
type laterLeg func(st *tracking.State, j int) (float64, bool)

func (e *Engine) firstLegs() []firstLeg {
	return []firstLeg{
		// shortRange
		func(_ *tracking.State, remaining, v float64) (float64, bool) {
			return remaining / v, remaining < e.cfg.ShortRange
		},
		// routedFirstLeg
		func(st *tracking.State, _, _ float64) (float64, bool) {
			if st.Routing.First == nil || st.Routing.OriginIndex != st.CurrentStopIndex {
				return 0, false
			}
			return *st.Routing.First, true
		},
		// direct
		func(_ *tracking.State, remaining, v float64) (float64, bool) {
			return remaining / v, true
		},
	}
}

func (e *Engine) laterLegs() []laterLeg {
	return []laterLeg{
		// routedLeg
		func(st *tracking.State, j int) (float64, bool) {
			i := j - st.CurrentStopIndex - 1
			if st.Routing.OriginIndex != st.CurrentStopIndex || i < 0 || i >= len(st.Routing.Rest) {
				return 0, false
			}
			return st.Routing.Rest[i], true
		},
		// learnedSegment
		func(st *tracking.State, j int) (float64, bool) {
			if j-1 >= len(st.Route.SegStats) {
				return 0, false
			}
			avg := st.Route.SegStats[j-1].AvgSec
			return avg, avg > 0 && !math.IsInf(avg, 0) && !math.IsNaN(avg)
		},
		// defaultSegment
		func(*tracking.State, int) (float64, bool) {
			return e.cfg.DefaultSegment, true
		},
	}
}

// ComputeRaw returns unsmoothed ETAs in milliseconds keyed by stop key, for
// the current stop and every stop after it.
func (e *Engine) ComputeRaw(st *tracking.State, pos geo.Point, velocity float64) map[string]float64 {
	out := map[string]float64{}
	if st.Done() {
		return out
	}
	if velocity <= 0 {
		velocity = e.cfg.AssumedSpeed
	}
	cur := st.CurrentStopIndex
	remaining := geo.RemainingAlongPath(st.Route.Path, pos, st.Stops[cur].Point)
	if math.IsInf(remaining, 0) || math.IsNaN(remaining) {
		remaining = 0
	}

	var acc float64
	for _, s := range e.firstLegs() {
		if sec, ok := s(st, remaining, velocity); ok {
			acc = max(sec, 0)
			break
		}
	}
	out[st.Stops[cur].Key] = acc * 1000

	later := e.laterLegs()
	for j := cur + 1; j < len(st.Stops); j++ {
		for _, s := range later {
			if sec, ok := s(st, j); ok {
				acc += max(sec, 0)
				break
			}
		}
		out[st.Stops[j].Key] = acc * 1000
	}
	return out
}

// Smooth blends raw into prev with an exponential moving average. Keys absent
// from raw are dropped; keys new to prev are seeded with the raw value.
func Smooth(prev, raw map[string]float64, alpha float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for k, r := range raw {
		v := r
		if p, ok := prev[k]; ok {
			v = p + alpha*(r-p)
		}
		out[k] = max(v, 0)
	}
	return out
}

// ShouldEmit reports whether next differs from the last published set by more
// than threshold for any stop, or covers different stops.
func ShouldEmit(prev, next map[string]float64, threshold time.Duration, force bool) bool {
	if force || len(prev) == 0 || len(prev) != len(next) {
		return true
	}
	limit := float64(threshold.Milliseconds())
	for k, v := range next {
		p, ok := prev[k]
		if !ok || math.Abs(v-p) > limit {
			return true
		}
	}
	return false
}

// Entries lists etas in stop order with whole-millisecond values.
func Entries(etas map[string]float64, stops []tracking.ResolvedStop) []model.ETAEntry {
	out := make([]model.ETAEntry, 0, len(etas))
	for _, s := range stops {
		v, ok := etas[s.Key]
		if !ok {
			continue
		}
		out = append(out, model.ETAEntry{StopID: s.Key, ETAMs: int64(max(0, math.Round(v)))})
	}
	return out
}

// Payload is the eta_update event body: the ordered list plus the same values
// keyed by stop.
func Payload(tripID string, entries []model.ETAEntry, at time.Time) map[string]any {
	byStop := make(map[string]int64, len(entries))
	for _, e := range entries {
		byStop[e.StopID] = e.ETAMs
	}
	return map[string]any{
		"tripId":    tripID,
		"etas":      entries,
		"etasMap":   byStop,
		"timestamp": at,
	}
}

// Update computes, smooths, and decides on publishing ETAs for the fix at pos.
// The smoothing state always advances; the published set only when it returns true.
func (e *Engine) Update(ctx context.Context, st *tracking.State, pos geo.Point, speed *float64, force bool, now time.Time) (Result, bool) {
	if st.Done() {
		return Result{}, false
	}
	force = force || len(st.ETACache) == 0
	e.RefreshRouting(ctx, st, pos, now)
	raw := e.ComputeRaw(st, pos, e.Velocity(speed))
	st.ETACache = Smooth(st.ETACache, raw, e.cfg.Alpha)
	if !ShouldEmit(st.Emitted, st.ETACache, e.cfg.EmitDelta, force) {
		return Result{}, false
	}
	st.Emitted = clone(st.ETACache)
	st.LastEmit = now
	metrics.ETAEmits.Inc()
	return Result{
		TripID:  st.Trip.ID,
		ETAs:    clone(st.ETACache),
		Entries: Entries(st.ETACache, st.Stops),
		At:      now,
	}, true
}

func clone(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
