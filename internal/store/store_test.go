package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/model"
)

func seq(n int) *int { return &n }

func newSQLite(t *testing.T) *SQL {
	t.Helper()
	s, err := NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": newSQLite(t),
	}
}

func TestTripLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetTrip(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			tr, err := s.CreateTrip(ctx, model.Trip{VehicleID: "bus-1", RouteID: "r1"})
			require.NoError(t, err)
			assert.NotEmpty(t, tr.ID)
			assert.Equal(t, model.TripOngoing, tr.Status)

			speed := 4.2
			ts := time.UnixMilli(1_700_000_000_000).UTC()
			require.NoError(t, s.UpdateTripPosition(ctx, tr.ID, model.Position{Lat: 1, Lng: 2, Timestamp: ts, Speed: &speed}))
			assert.ErrorIs(t, s.UpdateTripPosition(ctx, "nope", model.Position{}), ErrNotFound)

			idx, err := s.SetTripStopIndex(ctx, tr.ID, 2)
			require.NoError(t, err)
			assert.Equal(t, 2, idx)
			idx, err = s.SetTripStopIndex(ctx, tr.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, idx, "index must never decrease")
			_, err = s.SetTripStopIndex(ctx, "nope", 1)
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := s.GetTrip(ctx, tr.ID)
			require.NoError(t, err)
			require.NotNil(t, got.LastPosition)
			assert.Equal(t, 1.0, got.LastPosition.Lat)
			assert.Equal(t, ts, got.LastPosition.Timestamp)
			assert.Equal(t, 4.2, *got.LastPosition.Speed)

			active, err := s.ListActiveTrips(ctx)
			require.NoError(t, err)
			assert.Len(t, active, 1)

			ended, err := s.EndTrip(ctx, tr.ID, time.Now())
			require.NoError(t, err)
			assert.Equal(t, model.TripCompleted, ended.Status)
			assert.NotNil(t, ended.EndedAt)
			active, err = s.ListActiveTrips(ctx)
			require.NoError(t, err)
			assert.Empty(t, active)
		})
	}
}

func TestRoutesAndCatalog(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := model.Route{
				ID:   "r1",
				Name: "Campus loop",
				Stops: []model.Stop{
					{ID: "b", Name: "Library", Lat: 1.001, Lng: 2, Seq: seq(2)},
					{ID: "a", Name: "Gate", Lat: 1, Lng: 2, Seq: seq(1)},
				},
				Path: []geo.Point{{Lat: 1, Lng: 2}, {Lat: 1.001, Lng: 2}},
			}
			require.NoError(t, s.UpsertRoute(ctx, r))

			got, err := s.GetRoute(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "Campus loop", got.Name)
			assert.Len(t, got.Stops, 2)
			assert.Len(t, got.Path, 2)

			require.NoError(t, s.UpsertStops(ctx, "r1", []model.Stop{{ID: "c", Name: "Hostel", Lat: 1.002, Lng: 2, Seq: seq(3)}}))
			cat, err := s.ListStopsByRoute(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, cat, 3)
			assert.Equal(t, []string{"a", "b", "c"}, []string{cat[0].ID, cat[1].ID, cat[2].ID})

			_, err = s.GetRoute(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStopEventsOrderedByTimestamp(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr, err := s.CreateTrip(ctx, model.Trip{VehicleID: "bus-1", RouteID: "r1"})
			require.NoError(t, err)
			base := time.UnixMilli(1_700_000_000_000)
			_, err = s.InsertStopEvent(ctx, model.StopEvent{TripID: tr.ID, StopIndex: 0, Status: model.StatusLeft, Timestamp: base.Add(5 * time.Second), Source: model.SourceAuto})
			require.NoError(t, err)
			eta := 2.5
			_, err = s.InsertStopEvent(ctx, model.StopEvent{TripID: tr.ID, StopIndex: 0, Status: model.StatusArrived, Timestamp: base, Source: model.SourceAuto,
				Location: &model.Position{Lat: 1, Lng: 2}, ETAMinutes: &eta})
			require.NoError(t, err)

			evs, err := s.ListStopEvents(ctx, tr.ID)
			require.NoError(t, err)
			require.Len(t, evs, 2)
			assert.Equal(t, model.StatusArrived, evs[0].Status)
			assert.Equal(t, model.StatusLeft, evs[1].Status)
			require.NotNil(t, evs[0].ETAMinutes)
			assert.Equal(t, 2.5, *evs[0].ETAMinutes)
		})
	}
}

func TestSegmentStats(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetSegmentStats(ctx, "r1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.UpsertRoute(ctx, model.Route{ID: "r1"}))
			require.NoError(t, s.SaveSegmentStat(ctx, "r1", 1, model.SegmentStat{AvgSec: 90, Samples: 3}))
			require.NoError(t, s.SaveSegmentStat(ctx, "r1", 1, model.SegmentStat{AvgSec: 95, Samples: 4}))

			stats, err := s.GetSegmentStats(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, stats, 2)
			assert.Equal(t, model.SegmentStat{}, stats[0])
			assert.Equal(t, model.SegmentStat{AvgSec: 95, Samples: 4}, stats[1])
		})
	}
}

func TestDeliveriesQueue(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sub, err := s.CreateSubscription(ctx, model.Subscription{VehicleID: "bus-1", URL: "http://example.test/hook", Secret: "k", StopKey: "3", ProximityMeters: 800})
			require.NoError(t, err)
			subs, err := s.ListSubscriptionsForVehicle(ctx, "bus-1")
			require.NoError(t, err)
			require.Len(t, subs, 1)
			assert.Equal(t, "3", subs[0].StopKey)
			assert.Equal(t, 800.0, subs[0].ProximityMeters)
			assert.Empty(t, subs[0].LastAlertTripID)

			require.NoError(t, s.MarkSubscriptionAlerted(ctx, sub.ID, "t1"))
			subs, err = s.ListSubscriptionsForVehicle(ctx, "bus-1")
			require.NoError(t, err)
			assert.Equal(t, "t1", subs[0].LastAlertTripID)
			assert.ErrorIs(t, s.MarkSubscriptionAlerted(ctx, "nope", "t1"), ErrNotFound)

			id, err := s.EnqueueDelivery(ctx, sub.ID, "stop_arrived", sub.URL, sub.Secret, []byte(`{"a":1}`))
			require.NoError(t, err)
			due, err := s.FetchDueDeliveries(ctx, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, `{"a":1}`, string(due[0].Payload))

			later := time.Now().Add(time.Hour)
			require.NoError(t, s.MarkDelivery(ctx, id, false, &later, "boom", 500))
			due, err = s.FetchDueDeliveries(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, due, "rescheduled delivery is not due")

			require.NoError(t, s.FailDelivery(ctx, id, "boom", 500))
			assert.ErrorIs(t, s.FailDelivery(ctx, "nope", "", 0), ErrNotFound)

			require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
			assert.ErrorIs(t, s.DeleteSubscription(ctx, sub.ID), ErrNotFound)
		})
	}
}

func TestPlaceholderRewrite(t *testing.T) {
	s := &SQL{dialect: DialectSQLite}
	assert.Equal(t, "SELECT * FROM t WHERE a=?1 AND b=?12", s.q("SELECT * FROM t WHERE a=$1 AND b=$12"))
	pg := &SQL{dialect: DialectPostgres}
	assert.Equal(t, "a=$1", pg.q("a=$1"))
}
