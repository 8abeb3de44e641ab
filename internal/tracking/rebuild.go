package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/segstats"
	"github.com/Sandeepjatav78/Raahi/internal/store"
)

// Rebuild reconstructs a trip's tracking state from durable storage. It only
// reads, so calling it twice yields equal states.
func Rebuild(ctx context.Context, db store.Store, tripID string, defaultSegSec float64) (*State, error) {
	trip, err := db.GetTrip(ctx, tripID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load trip: %w", err)
	}
	route, err := db.GetRoute(ctx, trip.RouteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load route: %w", err)
	}
	if route.ID == "" {
		route.ID = trip.RouteID
	}

	stops := route.Stops
	if len(stops) == 0 {
		stops, err = db.ListStopsByRoute(ctx, trip.RouteID)
		if err != nil {
			return nil, fmt.Errorf("load stops: %w", err)
		}
	}
	stops = sortBySeq(stops)
	route.Stops = stops
	route.SegStats = segstats.EnsureShape(route.SegStats, len(stops), defaultSegSec)

	st := newState(trip, route, resolveStops(stops))
	st.LastPosition = trip.LastPosition

	events, err := db.ListStopEvents(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load stop events: %w", err)
	}
	cur := 0
	left := map[int]bool{}
	for _, ev := range events {
		if ev.StopIndex < 0 || ev.StopIndex >= len(stops) {
			continue
		}
		switch ev.Status {
		case model.StatusArrived:
			st.ArrivalLog[ev.StopIndex] = ev.Timestamp.UnixMilli()
			cur = max(cur, ev.StopIndex)
		case model.StatusLeft:
			left[ev.StopIndex] = true
			cur = max(cur, ev.StopIndex+1)
		}
	}
	cur = max(cur, trip.CurrentStopIndex)
	cur = min(max(cur, 0), len(stops))
	st.CurrentStopIndex = cur
	st.resetWindow(cur)
	if _, ok := st.ArrivalLog[cur]; ok && !left[cur] {
		st.Window.ArrivedMarked = true
	}
	return st, nil
}

// sortBySeq orders stops by sequence. Stops without one keep their relative
// order after the sequenced ones.
func sortBySeq(stops []model.Stop) []model.Stop {
	out := append([]model.Stop(nil), stops...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Seq, out[j].Seq
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	return out
}
