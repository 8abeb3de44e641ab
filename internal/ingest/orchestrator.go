// Package ingest turns inbound position reports and operator actions into
// tracking updates, published events, and rider notifications.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/eta"
	"github.com/Sandeepjatav78/Raahi/internal/events"
	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/metrics"
	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/store"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

var (
	ErrInvalidReport = errors.New("invalid position report")
	ErrThrottled     = errors.New("position report throttled")
	ErrUnknownRoute  = errors.New("route not found")
)

const (
	sosStopName   = "EMERGENCY ALERT"
	sosDefaultMsg = "Bus Breakdown"
)

type Config struct {
	MinUpdateInterval time.Duration // per-source throttle
	MinSpeed          float64       // m/s; slower inferred speeds are discarded
	NotifyTimeout     time.Duration
	HeartbeatIdle     time.Duration
	StaleTripAfter    time.Duration
	Workers           int // heartbeat fan-out
}

func DefaultConfig() Config {
	return Config{
		MinUpdateInterval: time.Second,
		MinSpeed:          0.8,
		NotifyTimeout:     5 * time.Second,
		HeartbeatIdle:     15 * time.Second,
		StaleTripAfter:    12 * time.Hour,
		Workers:           8,
	}
}

// Notifier queues rider notifications. *notify.Publisher satisfies it.
type Notifier interface {
	NotifyVehicle(ctx context.Context, vehicleID, eventType, message string, data map[string]any) (int, error)
	NotifySubscription(ctx context.Context, sub model.Subscription, eventType, message string, data map[string]any) error
}

// Outcome describes what one accepted report did.
type Outcome struct {
	TripID      string                `json:"tripId"`
	StopIndex   int                   `json:"currentStopIndex"`
	Transitions []tracking.Transition `json:"transitions,omitempty"`
	ETA         *eta.Result           `json:"eta,omitempty"`
}

// Orchestrator is the single entry point for position reports and trip
// lifecycle actions. Work for one trip runs under that trip's cache lock.
type Orchestrator struct {
	cfg      Config
	db       store.Store
	cache    *tracking.Cache
	tracker  *tracking.Tracker
	eta      *eta.Engine
	broker   events.Broker
	notifier Notifier
	throttle *throttle
	now      func() time.Time

	startMu sync.Mutex     // one ongoing trip per vehicle
	wg      sync.WaitGroup // in-flight notifications
}

func New(cfg Config, db store.Store, cache *tracking.Cache, tracker *tracking.Tracker, engine *eta.Engine, broker events.Broker, notifier Notifier) *Orchestrator {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		db:       db,
		cache:    cache,
		tracker:  tracker,
		eta:      engine,
		broker:   broker,
		notifier: notifier,
		throttle: newThrottle(cfg.MinUpdateInterval),
		now:      time.Now,
	}
}

// Cache exposes the trip state cache for read paths.
func (o *Orchestrator) Cache() *tracking.Cache { return o.cache }

// Wait blocks until queued notifications have been handed to the notifier.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// HandlePosition validates, throttles, and applies one position report.
func (o *Orchestrator) HandlePosition(ctx context.Context, r model.PositionReport) (Outcome, error) {
	p := geo.Point{Lat: r.Lat, Lng: r.Lng}
	if r.TripID == "" || !p.Valid() {
		metrics.PositionReports.WithLabelValues("invalid").Inc()
		return Outcome{}, fmt.Errorf("%w: trip=%q lat=%v lng=%v", ErrInvalidReport, r.TripID, r.Lat, r.Lng)
	}
	now := o.now()
	key := r.Source
	if key == "" {
		key = "trip:" + r.TripID
	}
	if !o.throttle.allow(key, now) {
		metrics.PositionReports.WithLabelValues("throttled").Inc()
		return Outcome{}, ErrThrottled
	}
	ts := now
	if r.Timestamp > 0 {
		ts = time.UnixMilli(r.Timestamp)
	}

	var (
		out     = Outcome{TripID: r.TripID}
		vehicle string
		alerts  []alert
	)
	err := o.do(ctx, r.TripID, func(st *tracking.State) error {
		if st.Trip.Status == model.TripCompleted {
			return tracking.ErrTripEnded
		}
		vehicle = st.Trip.VehicleID
		speed := r.Speed
		if speed == nil || *speed <= 0 {
			speed = o.inferSpeed(st.LastPosition, p, ts)
		}
		pos := model.Position{Lat: r.Lat, Lng: r.Lng, Timestamp: ts, Speed: speed, Heading: r.Heading}

		out.Transitions = o.tracker.Observe(ctx, st, pos, r.Force)
		st.LastPosition = &pos
		st.Trip.LastPosition = &pos
		st.LastReportAt = now
		if err := o.db.UpdateTripPosition(ctx, st.Trip.ID, pos); err != nil {
			log.Error().Err(err).Str("trip", st.Trip.ID).Msg("persist position")
		}

		o.publishLocation(st, pos, o.eta.Velocity(speed))
		o.publishTransitions(st, out.Transitions)
		if res, ok := o.eta.Update(ctx, st, p, speed, r.Force || len(out.Transitions) > 0, now); ok {
			o.publishETA(res)
			out.ETA = &res
		}
		alerts = o.nearby(ctx, st, p, speed)
		out.StopIndex = st.CurrentStopIndex
		return nil
	})
	switch {
	case errors.Is(err, tracking.ErrTripNotFound):
		metrics.PositionReports.WithLabelValues("unknown_trip").Inc()
		return Outcome{}, err
	case errors.Is(err, tracking.ErrTripEnded):
		metrics.PositionReports.WithLabelValues("ended").Inc()
		return Outcome{}, err
	case err != nil:
		metrics.PositionReports.WithLabelValues("error").Inc()
		return Outcome{}, err
	}
	metrics.PositionReports.WithLabelValues("accepted").Inc()
	for _, tr := range out.Transitions {
		o.notifyTransition(vehicle, tr)
	}
	o.sendAlerts(r.TripID, alerts)
	return out, nil
}

// inferSpeed derives m/s from the previous fix. Nil when unknown or too slow.
func (o *Orchestrator) inferSpeed(last *model.Position, p geo.Point, ts time.Time) *float64 {
	if last == nil {
		return nil
	}
	dt := ts.Sub(last.Timestamp).Seconds()
	if dt <= 0 {
		return nil
	}
	v := geo.Distance(last.Point(), p) / dt
	if math.IsNaN(v) || math.IsInf(v, 0) || v < o.cfg.MinSpeed {
		return nil
	}
	return &v
}

// Manual applies an operator ARRIVED/LEFT and republishes ETAs.
func (o *Orchestrator) Manual(ctx context.Context, tripID string, ev model.ManualEvent) (tracking.Transition, error) {
	now := o.now()
	at := now
	if ev.Timestamp > 0 {
		at = time.UnixMilli(ev.Timestamp)
	}
	var (
		tr      tracking.Transition
		vehicle string
	)
	err := o.do(ctx, tripID, func(st *tracking.State) error {
		if st.Trip.Status == model.TripCompleted {
			return tracking.ErrTripEnded
		}
		vehicle = st.Trip.VehicleID
		var err error
		tr, err = o.tracker.Manual(ctx, st, ev, at)
		if err != nil {
			return err
		}
		o.publishTransitions(st, []tracking.Transition{tr})

		p := geo.Point{Lat: ev.Lat, Lng: ev.Lng}
		if (ev.Lat == 0 && ev.Lng == 0) || !p.Valid() {
			if st.LastPosition == nil {
				return nil
			}
			p = st.LastPosition.Point()
		}
		if res, ok := o.eta.Update(ctx, st, p, nil, true, now); ok {
			o.publishETA(res)
		}
		return nil
	})
	if err != nil {
		return tracking.Transition{}, err
	}
	o.notifyTransition(vehicle, tr)
	return tr, nil
}

// SOS records an emergency for the trip and alerts the trip, admins, and riders.
func (o *Orchestrator) SOS(ctx context.Context, tripID, message string, pos *model.Position) (model.StopEvent, error) {
	if message == "" {
		message = sosDefaultMsg
	}
	var (
		saved   model.StopEvent
		vehicle string
	)
	err := o.do(ctx, tripID, func(st *tracking.State) error {
		vehicle = st.Trip.VehicleID
		loc := pos
		if loc == nil || !loc.Point().Valid() {
			loc = st.LastPosition
		}
		ev := model.StopEvent{
			TripID:    tripID,
			StopIndex: -1,
			StopName:  sosStopName,
			Status:    model.StatusSOS,
			Message:   message,
			Timestamp: o.now(),
			Location:  loc,
			Source:    model.SourceManual,
		}
		var err error
		saved, err = o.db.InsertStopEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("persist sos: %w", err)
		}
		evt := events.Event{Type: events.SOS, Data: map[string]any{
			"tripId":    tripID,
			"busId":     st.Trip.VehicleID,
			"message":   message,
			"location":  loc,
			"timestamp": saved.Timestamp,
		}}
		o.broker.Publish(events.TripChannel(tripID), evt)
		o.broker.Publish(events.AdminChannel, evt)
		return nil
	})
	if err != nil {
		return model.StopEvent{}, err
	}
	log.Warn().Str("trip", tripID).Str("vehicle", vehicle).Str("message", message).Msg("sos raised")
	o.notifyAsync(vehicle, events.SOS, "Emergency: "+message, map[string]any{"tripId": tripID})
	return saved, nil
}

// StartTrip creates an ONGOING trip on an existing route and caches its state.
// A vehicle already on an ONGOING trip gets that trip back with created false.
func (o *Orchestrator) StartTrip(ctx context.Context, req model.TripStart) (model.Trip, bool, error) {
	if _, err := o.db.GetRoute(ctx, req.RouteID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Trip{}, false, ErrUnknownRoute
		}
		return model.Trip{}, false, err
	}
	o.startMu.Lock()
	defer o.startMu.Unlock()
	active, err := o.db.ListActiveTrips(ctx)
	if err != nil {
		return model.Trip{}, false, fmt.Errorf("list active trips: %w", err)
	}
	for _, t := range active {
		if t.VehicleID == req.VehicleID && t.Status == model.TripOngoing {
			log.Info().Str("trip", t.ID).Str("vehicle", t.VehicleID).Msg("vehicle already on trip")
			return t, false, nil
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	trip, err := o.db.CreateTrip(ctx, model.Trip{
		ID:        id,
		VehicleID: req.VehicleID,
		DriverID:  req.DriverID,
		RouteID:   req.RouteID,
		Status:    model.TripOngoing,
		StartedAt: o.now().UTC(),
	})
	if err != nil {
		return model.Trip{}, false, fmt.Errorf("create trip: %w", err)
	}
	st, err := tracking.Rebuild(ctx, o.db, trip.ID, o.eta.DefaultSegment())
	if err != nil {
		return model.Trip{}, false, err
	}
	o.cache.Put(st)

	evt := events.Event{Type: events.TripStarted, Data: map[string]any{
		"tripId":    trip.ID,
		"busId":     trip.VehicleID,
		"routeId":   trip.RouteID,
		"startedAt": trip.StartedAt,
	}}
	o.broker.Publish(events.TripChannel(trip.ID), evt)
	o.broker.Publish(events.AdminChannel, evt)
	log.Info().Str("trip", trip.ID).Str("vehicle", trip.VehicleID).Str("route", trip.RouteID).Msg("trip started")
	o.notifyAsync(trip.VehicleID, events.TripStarted, "Trip started", map[string]any{"tripId": trip.ID})
	return trip, true, nil
}

// EndTrip completes the trip and drops its cached state. reason is carried on
// the trip_ended event.
func (o *Orchestrator) EndTrip(ctx context.Context, tripID, reason string) (model.Trip, error) {
	var ended model.Trip
	err := o.do(ctx, tripID, func(st *tracking.State) error {
		if st.Trip.Status == model.TripCompleted {
			return tracking.ErrTripEnded
		}
		var err error
		ended, err = o.db.EndTrip(ctx, tripID, o.now().UTC())
		if errors.Is(err, store.ErrNotFound) {
			return tracking.ErrTripNotFound
		}
		if err != nil {
			return fmt.Errorf("end trip: %w", err)
		}
		st.Trip = ended
		return nil
	})
	if err != nil {
		return model.Trip{}, err
	}
	o.cache.Evict(tripID)

	if reason == "" {
		reason = "completed"
	}
	evt := events.Event{Type: events.TripEnded, Data: map[string]any{
		"tripId":  tripID,
		"busId":   ended.VehicleID,
		"reason":  reason,
		"endedAt": ended.EndedAt,
	}}
	o.broker.Publish(events.TripChannel(tripID), evt)
	o.broker.Publish(events.AdminChannel, evt)
	log.Info().Str("trip", tripID).Str("reason", reason).Msg("trip ended")
	o.notifyAsync(ended.VehicleID, events.TripEnded, "Trip completed", map[string]any{"tripId": tripID, "reason": reason})
	return ended, nil
}

// do runs fn under the trip lock, turning a panic into an error so one bad
// trip cannot take the process down.
func (o *Orchestrator) do(ctx context.Context, tripID string, fn func(*tracking.State) error) error {
	return o.cache.Do(ctx, tripID, func(st *tracking.State) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("trip", tripID).Interface("panic", r).Msg("recovered while processing trip")
				err = fmt.Errorf("processing trip %s: panic: %v", tripID, r)
			}
		}()
		return fn(st)
	})
}

// publishLocation broadcasts the fix. speed is the velocity the ETA legs use,
// so it is present even when the device reported none.
func (o *Orchestrator) publishLocation(st *tracking.State, pos model.Position, speed float64) {
	data := map[string]any{
		"tripId":    st.Trip.ID,
		"busId":     st.Trip.VehicleID,
		"lat":       pos.Lat,
		"lng":       pos.Lng,
		"speed":     speed,
		"timestamp": pos.Timestamp,
	}
	if pos.Heading != nil {
		data["heading"] = *pos.Heading
	}
	evt := events.Event{Type: events.LocationUpdate, Data: data}
	o.broker.Publish(events.TripChannel(st.Trip.ID), evt)
	o.broker.Publish(events.AdminChannel, evt)
}

func (o *Orchestrator) publishTransitions(st *tracking.State, trs []tracking.Transition) {
	for _, tr := range trs {
		typ := events.StopArrived
		if tr.Event.Status == model.StatusLeft {
			typ = events.StopLeft
		}
		evt := events.Event{Type: typ, Data: map[string]any{
			"tripId":           st.Trip.ID,
			"busId":            st.Trip.VehicleID,
			"stopIndex":        tr.Event.StopIndex,
			"stopName":         tr.Event.StopName,
			"status":           tr.Event.Status,
			"source":           tr.Event.Source,
			"timestamp":        tr.Event.Timestamp,
			"currentStopIndex": st.CurrentStopIndex,
		}}
		o.broker.Publish(events.TripChannel(st.Trip.ID), evt)
		o.broker.Publish(events.AdminChannel, evt)
	}
}

func (o *Orchestrator) publishETA(res eta.Result) {
	o.broker.Publish(events.TripChannel(res.TripID), events.Event{Type: events.ETAUpdate, Data: eta.Payload(res.TripID, res.Entries, res.At)})
}

func (o *Orchestrator) notifyTransition(vehicle string, tr tracking.Transition) {
	typ, msg := events.StopArrived, "Bus arrived at "+tr.Event.StopName
	if tr.Event.Status == model.StatusLeft {
		typ, msg = events.StopLeft, "Bus left "+tr.Event.StopName
	}
	o.notifyAsync(vehicle, typ, msg, map[string]any{
		"tripId":    tr.Event.TripID,
		"stopIndex": tr.Event.StopIndex,
		"stopName":  tr.Event.StopName,
	})
}

// notifyAsync hands a notification to the notifier off the request path.
func (o *Orchestrator) notifyAsync(vehicle, eventType, message string, data map[string]any) {
	if o.notifier == nil || vehicle == "" {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.NotifyTimeout)
		defer cancel()
		if _, err := o.notifier.NotifyVehicle(ctx, vehicle, eventType, message, data); err != nil {
			log.Warn().Err(err).Str("vehicle", vehicle).Str("event", eventType).Msg("notify riders")
		}
	}()
}
