//go:build postgres_integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sandeepjatav78/Raahi/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Ping(ctx))
	require.NoError(t, p.Migrate(ctx))
	require.NoError(t, p.Migrate(ctx), "migrations are idempotent")

	routeID := "it-" + uuid.NewString()
	require.NoError(t, p.UpsertRoute(ctx, model.Route{ID: routeID, Name: "integration", Stops: []model.Stop{
		{ID: routeID + "-a", Name: "A", Lat: 28.6, Lng: 77.2, Seq: seq(1)},
		{ID: routeID + "-b", Name: "B", Lat: 28.61, Lng: 77.2, Seq: seq(2)},
	}}))
	stops, err := p.ListStopsByRoute(ctx, routeID)
	require.NoError(t, err)
	assert.Len(t, stops, 2)

	tr, err := p.CreateTrip(ctx, model.Trip{VehicleID: "bus-it", RouteID: routeID})
	require.NoError(t, err)
	idx, err := p.SetTripStopIndex(ctx, tr.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	idx, err = p.SetTripStopIndex(ctx, tr.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx, "stop index never decreases")

	_, err = p.InsertStopEvent(ctx, model.StopEvent{TripID: tr.ID, StopIndex: 0, Status: model.StatusArrived, Timestamp: time.Now().UTC(), Source: model.SourceAuto})
	require.NoError(t, err)
	evs, err := p.ListStopEvents(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	require.NoError(t, p.SaveSegmentStat(ctx, routeID, 0, model.SegmentStat{AvgSec: 90, Samples: 1}))
	require.NoError(t, p.SaveSegmentStat(ctx, routeID, 0, model.SegmentStat{AvgSec: 95, Samples: 2}))
	stats, err := p.GetSegmentStats(ctx, routeID)
	require.NoError(t, err)
	require.NotEmpty(t, stats)
	assert.Equal(t, model.SegmentStat{AvgSec: 95, Samples: 2}, stats[0])

	ended, err := p.EndTrip(ctx, tr.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, model.TripCompleted, ended.Status)
}
