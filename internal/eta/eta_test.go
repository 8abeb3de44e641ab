package eta

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/routing"
	"github.com/Sandeepjatav78/Raahi/internal/segstats"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

type fakeRouter struct {
	legs  routing.Legs
	ok    bool
	calls int
	keys  []string
	wps   [][]geo.Point
}

func (f *fakeRouter) Legs(_ context.Context, key string, waypoints []geo.Point) (routing.Legs, bool) {
	f.calls++
	f.keys = append(f.keys, key)
	f.wps = append(f.wps, waypoints)
	return f.legs, f.ok
}

const metersPerDegLat = 111194.9

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newState(n int) *tracking.State {
	st := &tracking.State{
		Trip:     model.Trip{ID: "t1", RouteID: "r1"},
		Route:    model.Route{ID: "r1", SegStats: segstats.EnsureShape(nil, n, 120)},
		ETACache: map[string]float64{},
		Emitted:  map[string]float64{},
		Routing:  tracking.RoutingCache{OriginIndex: -1},
	}
	for i := 0; i < n; i++ {
		st.Stops = append(st.Stops, tracking.ResolvedStop{
			Index: i,
			Key:   fmt.Sprint(i + 1),
			Name:  fmt.Sprintf("Stop %d", i),
			Point: geo.Point{Lat: 28.6 + float64(i)*0.009, Lng: 77.2},
		})
	}
	return st
}

// south returns a point meters before stop i.
func south(st *tracking.State, i int, meters float64) geo.Point {
	p := st.Stops[i].Point
	return geo.Point{Lat: p.Lat - meters/metersPerDegLat, Lng: p.Lng}
}

func ptr(v float64) *float64 { return &v }

func TestVelocity(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	assert.Equal(t, 5.0, e.Velocity(nil))
	assert.Equal(t, 5.0, e.Velocity(ptr(0.5)))
	assert.Equal(t, 0.8, e.Velocity(ptr(0.8)))
	assert.Equal(t, 12.0, e.Velocity(ptr(12)))
}

func TestComputeRawShortRange(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	st := newState(4)
	raw := e.ComputeRaw(st, south(st, 0, 50), 5)
	assert.InDelta(t, 10_000, raw["1"], 1)
	assert.InDelta(t, 130_000, raw["2"], 1)
	assert.InDelta(t, 250_000, raw["3"], 1)
	assert.InDelta(t, 370_000, raw["4"], 1)
}

func TestComputeRawRoutedLegs(t *testing.T) {
	r := &fakeRouter{legs: routing.Legs{First: 200, Rest: []float64{90, 95}}, ok: true}
	e := NewEngine(DefaultConfig(), r)
	st := newState(4)
	pos := south(st, 0, 500)

	e.RefreshRouting(context.Background(), st, pos, now)
	require.Equal(t, 1, r.calls)
	assert.Len(t, r.wps[0], 5)
	assert.Equal(t, pos, r.wps[0][0])
	assert.Equal(t, routing.CacheKey("t1", 0, pos), r.keys[0])

	raw := e.ComputeRaw(st, pos, 5)
	assert.InDelta(t, 200_000, raw["1"], 1e-6)
	assert.InDelta(t, 290_000, raw["2"], 1e-6)
	assert.InDelta(t, 385_000, raw["3"], 1e-6)
	// no routed leg left, the learned segment fills in
	assert.InDelta(t, 505_000, raw["4"], 1e-6)
}

func TestComputeRawUsesLearnedSegments(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	st := newState(3)
	st.Route.SegStats[0] = model.SegmentStat{AvgSec: 60, Samples: 4}
	st.Route.SegStats[1] = model.SegmentStat{AvgSec: 0, Samples: 0}
	raw := e.ComputeRaw(st, south(st, 0, 500), 5)
	assert.InDelta(t, 100_000, raw["1"], 1)
	assert.InDelta(t, 160_000, raw["2"], 1)
	assert.InDelta(t, 280_000, raw["3"], 1, "unusable average falls back to the default")
}

func TestComputeRawSkipsPassedStops(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	st := newState(4)
	st.CurrentStopIndex = 2
	raw := e.ComputeRaw(st, south(st, 2, 50), 5)
	assert.Len(t, raw, 2)
	assert.NotContains(t, raw, "1")

	st.CurrentStopIndex = 4
	assert.Empty(t, e.ComputeRaw(st, south(st, 3, 0), 5))
}

func TestRoutingFailureStampsCache(t *testing.T) {
	r := &fakeRouter{}
	e := NewEngine(DefaultConfig(), r)
	st := newState(3)
	pos := south(st, 0, 500)

	e.RefreshRouting(context.Background(), st, pos, now)
	e.RefreshRouting(context.Background(), st, pos, now.Add(10*time.Second))
	assert.Equal(t, 1, r.calls, "failed lookup is not retried within the ttl")
	assert.Equal(t, now, st.Routing.FetchedAt)
	assert.Nil(t, st.Routing.First)
	assert.InDelta(t, 100_000, e.ComputeRaw(st, pos, 5)["1"], 1)

	e.RefreshRouting(context.Background(), st, pos, now.Add(15*time.Second))
	assert.Equal(t, 2, r.calls)

	// a new target stop invalidates the cache
	st.CurrentStopIndex = 1
	e.RefreshRouting(context.Background(), st, pos, now.Add(16*time.Second))
	assert.Equal(t, 3, r.calls)
	assert.Equal(t, 1, st.Routing.OriginIndex)
}

func TestSmooth(t *testing.T) {
	got := Smooth(map[string]float64{"1": 100, "gone": 5}, map[string]float64{"1": 200, "2": 50, "3": -10}, 0.25)
	assert.Equal(t, map[string]float64{"1": 125, "2": 50, "3": 0}, got)
}

func TestSmoothConverges(t *testing.T) {
	const target = 90_000.0
	cur := map[string]float64{"1": 30_000}
	gap := target - cur["1"]
	for i := 0; i < 20; i++ {
		cur = Smooth(cur, map[string]float64{"1": target}, 0.25)
		next := target - cur["1"]
		assert.InDelta(t, 0.75*gap, next, 1e-6, "step %d", i)
		gap = next
	}
	assert.Less(t, gap, 200.0)

	// from above as well
	cur = map[string]float64{"1": 200_000}
	for i := 0; i < 50; i++ {
		cur = Smooth(cur, map[string]float64{"1": target}, 0.25)
	}
	assert.InDelta(t, target, cur["1"], 1)
}

func TestShouldEmit(t *testing.T) {
	prev := map[string]float64{"1": 60_000, "2": 120_000}
	assert.True(t, ShouldEmit(nil, prev, 5*time.Second, false))
	assert.True(t, ShouldEmit(prev, prev, 5*time.Second, true))
	assert.False(t, ShouldEmit(prev, map[string]float64{"1": 64_999, "2": 120_000}, 5*time.Second, false))
	assert.False(t, ShouldEmit(prev, map[string]float64{"1": 65_000, "2": 120_000}, 5*time.Second, false), "exactly the threshold")
	assert.False(t, ShouldEmit(prev, map[string]float64{"1": 55_000, "2": 120_000}, 5*time.Second, false))
	assert.True(t, ShouldEmit(prev, map[string]float64{"1": 65_001, "2": 120_000}, 5*time.Second, false))
	assert.True(t, ShouldEmit(prev, map[string]float64{"1": 60_000, "2": 114_999}, 5*time.Second, false))
	assert.True(t, ShouldEmit(prev, map[string]float64{"2": 120_000}, 5*time.Second, false))
	assert.True(t, ShouldEmit(prev, map[string]float64{"1": 60_000, "3": 120_000}, 5*time.Second, false))
}

func TestEntriesOrderedAndRounded(t *testing.T) {
	st := newState(3)
	got := Entries(map[string]float64{"3": 2500.6, "1": 10.4, "2": -3}, st.Stops)
	assert.Equal(t, []model.ETAEntry{{StopID: "1", ETAMs: 10}, {StopID: "2", ETAMs: 0}, {StopID: "3", ETAMs: 2501}}, got)
}

func TestUpdateEmitsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(DefaultConfig(), nil)
	st := newState(3)

	res, ok := e.Update(ctx, st, south(st, 0, 500), nil, false, now)
	require.True(t, ok, "first estimate always publishes")
	assert.Equal(t, "t1", res.TripID)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, int64(100_000), res.Entries[0].ETAMs)
	assert.Equal(t, now, st.LastEmit)

	// 10 m closer: 2 s raw change, 0.5 s after smoothing
	_, ok = e.Update(ctx, st, south(st, 0, 490), nil, false, now.Add(time.Second))
	assert.False(t, ok)
	assert.InDelta(t, 99_500, st.ETACache["1"], 1)
	assert.InDelta(t, 100_000, st.Emitted["1"], 1)

	_, ok = e.Update(ctx, st, south(st, 0, 490), nil, true, now.Add(2*time.Second))
	assert.True(t, ok, "forced")

	// a big jump publishes without force
	_, ok = e.Update(ctx, st, south(st, 0, 300), nil, false, now.Add(3*time.Second))
	assert.True(t, ok)
}

func TestUpdateDoneTrip(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	st := newState(2)
	st.CurrentStopIndex = 2
	_, ok := e.Update(context.Background(), st, geo.Point{Lat: 1, Lng: 1}, nil, true, now)
	assert.False(t, ok)
}
