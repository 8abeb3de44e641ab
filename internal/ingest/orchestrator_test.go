package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sandeepjatav78/Raahi/internal/eta"
	"github.com/Sandeepjatav78/Raahi/internal/events"
	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/segstats"
	"github.com/Sandeepjatav78/Raahi/internal/store"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

const metersPerDegLat = 111194.9

type fakeNotifier struct {
	mu     sync.Mutex
	types  []string
	msgs   []string
	alerts []string
}

func (f *fakeNotifier) NotifyVehicle(_ context.Context, vehicleID, eventType, message string, _ map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, vehicleID+"/"+eventType)
	f.msgs = append(f.msgs, message)
	return 1, nil
}

func (f *fakeNotifier) NotifySubscription(_ context.Context, sub model.Subscription, eventType, message string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, sub.ID+"/"+eventType)
	f.msgs = append(f.msgs, message)
	return nil
}

type harness struct {
	o        *Orchestrator
	db       *store.Memory
	broker   *events.Memory
	notifier *fakeNotifier
	clock    time.Time
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db := store.NewMemory()
	stops := make([]model.Stop, 4)
	for i := range stops {
		seq := i + 1
		stops[i] = model.Stop{ID: fmt.Sprintf("s%d", i), Name: fmt.Sprintf("Stop %d", i), Lat: 28.6 + float64(i)*0.009, Lng: 77.2, Seq: &seq}
	}
	require.NoError(t, db.UpsertRoute(ctx, model.Route{ID: "r1", Name: "Route 1", Stops: stops}))

	h := &harness{db: db, broker: events.NewMemory(), notifier: &fakeNotifier{}, clock: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	cache := tracking.NewCache(db, 120)
	tr := tracking.NewTracker(tracking.DefaultConfig(), db, segstats.New(db, 0.15, 120))
	engine := eta.NewEngine(eta.DefaultConfig(), nil)
	h.o = New(DefaultConfig(), db, cache, tr, engine, h.broker, h.notifier)
	h.o.now = func() time.Time { return h.clock }
	return h
}

// at builds a report meters south of stop i stamped with the harness clock.
func (h *harness) at(trip string, i int, meters float64) model.PositionReport {
	return model.PositionReport{
		TripID:    trip,
		Lat:       28.6 + float64(i)*0.009 - meters/metersPerDegLat,
		Lng:       77.2,
		Timestamp: h.clock.UnixMilli(),
	}
}

func drain(ch chan events.Event) []string {
	var out []string
	for {
		select {
		case e := <-ch:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

// collect returns the pending events by type, keeping the last of each.
func collect(ch chan events.Event) map[string]events.Event {
	out := map[string]events.Event{}
	for {
		select {
		case e := <-ch:
			out[e.Type] = e
		default:
			return out
		}
	}
}

func (h *harness) start(t *testing.T, id string) model.Trip {
	t.Helper()
	trip, _, err := h.o.StartTrip(context.Background(), model.TripStart{ID: id, VehicleID: "bus-" + id, RouteID: "r1"})
	require.NoError(t, err)
	return trip
}

func TestHandlePositionRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for name, r := range map[string]model.PositionReport{
		"no trip": {Lat: 1, Lng: 1},
		"lat":     {TripID: "t1", Lat: 91, Lng: 1},
		"lng":     {TripID: "t1", Lat: 1, Lng: -181},
	} {
		_, err := h.o.HandlePosition(ctx, r)
		assert.ErrorIs(t, err, ErrInvalidReport, name)
	}
	_, err := h.o.HandlePosition(ctx, model.PositionReport{TripID: "ghost", Lat: 1, Lng: 1})
	assert.ErrorIs(t, err, tracking.ErrTripNotFound)
	assert.Zero(t, h.o.Cache().Len())
}

func TestHandlePositionThrottlesPerSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1")

	_, err := h.o.HandlePosition(ctx, h.at("t1", 0, 500))
	require.NoError(t, err)
	h.advance(500 * time.Millisecond)
	_, err = h.o.HandlePosition(ctx, h.at("t1", 0, 490))
	assert.ErrorIs(t, err, ErrThrottled)

	// another source for the same trip has its own budget
	r := h.at("t1", 0, 490)
	r.Source = "gtfsrt:bus"
	_, err = h.o.HandlePosition(ctx, r)
	assert.NoError(t, err)

	h.advance(time.Second)
	_, err = h.o.HandlePosition(ctx, h.at("t1", 0, 480))
	assert.NoError(t, err)
}

func TestDwellPublishesArrivalAndETA(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trip := h.start(t, "t1")
	sub := h.broker.Subscribe(events.TripChannel(trip.ID))
	admin := h.broker.Subscribe(events.AdminChannel)
	drain(sub)
	drain(admin)

	out, err := h.o.HandlePosition(ctx, h.at("t1", 0, 500))
	require.NoError(t, err)
	require.NotNil(t, out.ETA, "first estimate is always published")
	assert.Equal(t, []string{events.LocationUpdate, events.ETAUpdate}, drain(sub))

	for i := 0; i < 3; i++ {
		h.advance(time.Second)
		out, err = h.o.HandlePosition(ctx, h.at("t1", 0, 10))
		require.NoError(t, err)
	}
	assert.Empty(t, out.Transitions, "two seconds of dwell is not enough")
	h.advance(time.Second)
	out, err = h.o.HandlePosition(ctx, h.at("t1", 0, 10))
	require.NoError(t, err)
	require.Len(t, out.Transitions, 1)
	assert.Equal(t, model.StatusArrived, out.Transitions[0].Event.Status)
	require.NotNil(t, out.ETA, "transitions force a publish")

	assert.Contains(t, drain(sub), events.StopArrived)
	assert.Contains(t, drain(admin), events.StopArrived)

	h.o.Wait()
	assert.Contains(t, h.notifier.types, "bus-t1/stop_arrived")
	assert.Contains(t, h.notifier.msgs, "Bus arrived at Stop 0")

	stored, err := h.db.GetTrip(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastPosition)
	assert.Equal(t, 0, stored.CurrentStopIndex)
}

func TestInferredSpeed(t *testing.T) {
	h := newHarness(t)
	last := &model.Position{Lat: 28.6, Lng: 77.2, Timestamp: h.clock}
	p := model.Position{Lat: 28.6 + 100/metersPerDegLat, Lng: 77.2}

	v := h.o.inferSpeed(last, p.Point(), h.clock.Add(10*time.Second))
	require.NotNil(t, v)
	assert.InDelta(t, 10, *v, 0.01)

	assert.Nil(t, h.o.inferSpeed(last, last.Point(), h.clock.Add(10*time.Second)), "stationary")
	assert.Nil(t, h.o.inferSpeed(last, p.Point(), h.clock), "no elapsed time")
	assert.Nil(t, h.o.inferSpeed(nil, p.Point(), h.clock))
}

func TestManualAndEndTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trip := h.start(t, "t1")
	sub := h.broker.Subscribe(events.TripChannel(trip.ID))
	drain(sub)

	_, err := h.o.Manual(ctx, "t1", model.ManualEvent{StopIndex: 0, Status: model.StatusLeft})
	assert.ErrorIs(t, err, tracking.ErrNotArrived)

	tr, err := h.o.Manual(ctx, "t1", model.ManualEvent{StopIndex: 1, Status: model.StatusArrived, Lat: 28.609, Lng: 77.2})
	require.NoError(t, err)
	assert.Equal(t, model.SourceManual, tr.Event.Source)
	assert.Equal(t, []string{events.StopArrived, events.ETAUpdate}, drain(sub))

	st, err := h.o.Cache().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStopIndex)
	assert.NotContains(t, st.ETACache, "1", "passed stops are not estimated")

	ended, err := h.o.EndTrip(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, model.TripCompleted, ended.Status)
	assert.Equal(t, []string{events.TripEnded}, drain(sub))
	assert.Zero(t, h.o.Cache().Len())

	_, err = h.o.EndTrip(ctx, "t1", "")
	assert.ErrorIs(t, err, tracking.ErrTripEnded)
	h.advance(time.Minute)
	_, err = h.o.HandlePosition(ctx, h.at("t1", 1, 0))
	assert.ErrorIs(t, err, tracking.ErrTripEnded)
	assert.Empty(t, h.o.Cache().IDs(), "a completed trip is not cached again")
	_, err = h.o.Manual(ctx, "t1", model.ManualEvent{StopIndex: 2, Status: model.StatusArrived})
	assert.ErrorIs(t, err, tracking.ErrTripEnded)
}

func TestSOS(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1")
	admin := h.broker.Subscribe(events.AdminChannel)

	ev, err := h.o.SOS(ctx, "t1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, -1, ev.StopIndex)
	assert.Equal(t, "EMERGENCY ALERT", ev.StopName)
	assert.Equal(t, "Bus Breakdown", ev.Message)
	assert.Equal(t, model.StatusSOS, ev.Status)
	assert.Equal(t, []string{events.SOS}, drain(admin))

	h.o.Wait()
	assert.Contains(t, h.notifier.types, "bus-t1/sos")

	history, err := h.db.ListStopEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)

	// SOS does not move the trip
	st, err := h.o.Cache().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentStopIndex)
}

func TestStartTripUnknownRoute(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.o.StartTrip(context.Background(), model.TripStart{VehicleID: "bus", RouteID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownRoute)
}

func TestStartTripReusesOngoingTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := h.broker.Subscribe(events.AdminChannel)

	first, created, err := h.o.StartTrip(ctx, model.TripStart{VehicleID: "bus-9", RouteID: "r1"})
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := h.o.StartTrip(ctx, model.TripStart{ID: "other", VehicleID: "bus-9", RouteID: "r1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, []string{events.TripStarted}, drain(admin))

	active, err := h.db.ListActiveTrips(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	// once ended the vehicle can start fresh
	_, err = h.o.EndTrip(ctx, first.ID, "")
	require.NoError(t, err)
	next, created, err := h.o.StartTrip(ctx, model.TripStart{VehicleID: "bus-9", RouteID: "r1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestEventPayloads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1")
	sub := h.broker.Subscribe(events.TripChannel("t1"))

	_, err := h.o.HandlePosition(ctx, h.at("t1", 0, 500))
	require.NoError(t, err)
	got := collect(sub)
	require.Contains(t, got, events.LocationUpdate)
	assert.Equal(t, 5.0, got[events.LocationUpdate].Data["speed"], "assumed speed when none is reported")

	require.Contains(t, got, events.ETAUpdate)
	data := got[events.ETAUpdate].Data
	assert.Equal(t, "t1", data["tripId"])
	assert.Contains(t, data, "etas")
	assert.NotContains(t, data, "byStop")
	byStop, ok := data["etasMap"].(map[string]int64)
	require.True(t, ok, "etasMap is keyed by stop")
	assert.Len(t, byStop, len(data["etas"].([]model.ETAEntry)))
	assert.Positive(t, byStop["2"])

	h.advance(time.Second)
	r := h.at("t1", 0, 480)
	fast := 12.0
	r.Speed = &fast
	_, err = h.o.HandlePosition(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 12.0, collect(sub)[events.LocationUpdate].Data["speed"])
}

func TestProximityAlertOncePerTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1")
	near, err := h.db.CreateSubscription(ctx, model.Subscription{VehicleID: "bus-t1", URL: "http://rider.example/a", StopKey: "3"})
	require.NoError(t, err)
	_, err = h.db.CreateSubscription(ctx, model.Subscription{VehicleID: "bus-t1", URL: "http://rider.example/b", StopKey: "4", ProximityMeters: 100, ProximityMinutes: 1})
	require.NoError(t, err)
	_, err = h.db.CreateSubscription(ctx, model.Subscription{VehicleID: "bus-t1", URL: "http://rider.example/c"})
	require.NoError(t, err)

	speed := 5.0
	report := func(i int, meters float64) {
		t.Helper()
		h.advance(2 * time.Second)
		r := h.at("t1", i, meters)
		r.Speed = &speed
		_, err := h.o.HandlePosition(ctx, r)
		require.NoError(t, err)
		h.o.Wait()
	}

	report(0, 3000)
	assert.Empty(t, h.notifier.alerts, "too far and too slow")

	report(2, 400)
	assert.Equal(t, []string{near.ID + "/" + events.BusNearby}, h.notifier.alerts)
	var alertMsg string
	for _, m := range h.notifier.msgs {
		if strings.Contains(m, "min away") {
			alertMsg = m
		}
	}
	assert.Contains(t, alertMsg, "Stop 2")

	report(2, 200)
	assert.Len(t, h.notifier.alerts, 1, "alerted once per trip")

	subs, err := h.db.ListSubscriptionsForVehicle(ctx, "bus-t1")
	require.NoError(t, err)
	for _, s := range subs {
		if s.ID == near.ID {
			assert.Equal(t, "t1", s.LastAlertTripID)
		} else {
			assert.Empty(t, s.LastAlertTripID, s.URL)
		}
	}

	// a rebuilt state still knows the alert went out
	h.o.Cache().Evict("t1")
	report(2, 150)
	assert.Len(t, h.notifier.alerts, 1)
}

func TestHeartbeatRefreshesIdleTrips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1")
	h.start(t, "t2")
	sub := h.broker.Subscribe(events.TripChannel("t1"))

	r := h.at("t1", 0, 600)
	fast := 20.0
	r.Speed = &fast
	_, err := h.o.HandlePosition(ctx, r)
	require.NoError(t, err)
	drain(sub)

	// not idle yet
	h.advance(5 * time.Second)
	assert.Zero(t, h.o.Heartbeat(ctx))

	// idle: recomputed at the assumed speed, which moves the estimate a lot
	h.advance(15 * time.Second)
	assert.Equal(t, 1, h.o.Heartbeat(ctx), "t2 has no position and is skipped")
	assert.Equal(t, []string{events.ETAUpdate}, drain(sub))
}

func TestSweepEndsStaleTrips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "old")
	h.advance(13 * time.Hour)
	h.start(t, "fresh")
	admin := h.broker.Subscribe(events.AdminChannel)

	ended := h.o.Sweep(ctx)
	assert.Equal(t, []string{"old"}, ended)
	assert.Equal(t, []string{events.TripEnded}, drain(admin))
	assert.Equal(t, []string{"fresh"}, h.o.Cache().IDs())

	trip, err := h.db.GetTrip(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.TripCompleted, trip.Status)
}

func TestConcurrentTrips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		h.start(t, id)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r := h.at(id, 0, 0)
			r.Force = true
			_, err := h.o.HandlePosition(ctx, r)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	for _, id := range ids {
		st, err := h.o.Cache().Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, st.Window.ArrivedMarked, id)
	}
}
