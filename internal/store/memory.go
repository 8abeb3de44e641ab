package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sandeepjatav78/Raahi/internal/model"
)

// Memory is an in-process store used when no database is configured and in tests.
type Memory struct {
	mu         sync.Mutex
	trips      map[string]model.Trip
	routes     map[string]model.Route
	catalog    map[string][]model.Stop             // routeId -> stops
	events     map[string][]model.StopEvent        // tripId -> events
	segs       map[string]map[int]model.SegmentStat // routeId -> idx -> stat
	subs       map[string]model.Subscription       // id -> subscription
	deliveries map[string]*memDelivery             // id -> delivery state
	order      []string                            // delivery ids in enqueue order
}

func NewMemory() *Memory {
	return &Memory{
		trips:      map[string]model.Trip{},
		routes:     map[string]model.Route{},
		catalog:    map[string][]model.Stop{},
		events:     map[string][]model.StopEvent{},
		segs:       map[string]map[int]model.SegmentStat{},
		subs:       map[string]model.Subscription{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments Delivery with its last outcome
type memDelivery struct {
	Delivery
	LastError    string
	ResponseCode int
	DeliveredAt  *time.Time
}

func (m *Memory) CreateTrip(ctx context.Context, t model.Trip) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = model.TripOngoing
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	m.trips[t.ID] = t
	return t, nil
}

func (m *Memory) GetTrip(ctx context.Context, id string) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return model.Trip{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListActiveTrips(ctx context.Context) ([]model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Trip{}
	for _, t := range m.trips {
		if t.Status == model.TripOngoing {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) UpdateTripPosition(ctx context.Context, id string, pos model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	p := pos
	t.LastPosition = &p
	m.trips[id] = t
	return nil
}

func (m *Memory) SetTripStopIndex(ctx context.Context, id string, idx int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return 0, ErrNotFound
	}
	if idx > t.CurrentStopIndex {
		t.CurrentStopIndex = idx
		m.trips[id] = t
	}
	return t.CurrentStopIndex, nil
}

func (m *Memory) EndTrip(ctx context.Context, id string, endedAt time.Time) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return model.Trip{}, ErrNotFound
	}
	if t.Status != model.TripCompleted {
		t.Status = model.TripCompleted
		ts := endedAt.UTC()
		t.EndedAt = &ts
		m.trips[id] = t
	}
	return t, nil
}

func (m *Memory) UpsertRoute(ctx context.Context, r model.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Stops = append([]model.Stop(nil), r.Stops...)
	for i := range r.Stops {
		r.Stops[i].RouteID = r.ID
	}
	r.SegStats = nil
	m.routes[r.ID] = r
	m.catalog[r.ID] = append([]model.Stop(nil), r.Stops...)
	return nil
}

func (m *Memory) GetRoute(ctx context.Context, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	r.Stops = append([]model.Stop(nil), r.Stops...)
	r.Path = append(r.Path[:0:0], r.Path...)
	r.SegStats = m.denseSegs(id)
	return r, nil
}

func (m *Memory) UpsertStops(ctx context.Context, routeID string, stops []model.Stop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.catalog[routeID]
	for _, s := range stops {
		s.RouteID = routeID
		replaced := false
		for i := range cur {
			if cur[i].ID == s.ID {
				cur[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			cur = append(cur, s)
		}
	}
	m.catalog[routeID] = cur
	return nil
}

func (m *Memory) ListStopsByRoute(ctx context.Context, routeID string) ([]model.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.Stop(nil), m.catalog[routeID]...)
	sortStops(out)
	return out, nil
}

func (m *Memory) InsertStopEvent(ctx context.Context, e model.StopEvent) (model.StopEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[e.TripID]; !ok {
		return model.StopEvent{}, ErrNotFound
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	m.events[e.TripID] = append(m.events[e.TripID], e)
	return e, nil
}

func (m *Memory) ListStopEvents(ctx context.Context, tripID string) ([]model.StopEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.StopEvent(nil), m.events[tripID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) GetSegmentStats(ctx context.Context, routeID string) ([]model.SegmentStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[routeID]; !ok {
		return nil, ErrNotFound
	}
	return m.denseSegs(routeID), nil
}

func (m *Memory) SaveSegmentStat(ctx context.Context, routeID string, idx int, st model.SegmentStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[routeID]; !ok {
		return ErrNotFound
	}
	if m.segs[routeID] == nil {
		m.segs[routeID] = map[int]model.SegmentStat{}
	}
	m.segs[routeID][idx] = st
	return nil
}

// denseSegs flattens the sparse per-index stats; caller holds mu.
func (m *Memory) denseSegs(routeID string) []model.SegmentStat {
	sparse := m.segs[routeID]
	n := 0
	for idx := range sparse {
		if idx+1 > n {
			n = idx + 1
		}
	}
	out := make([]model.SegmentStat, n)
	for idx, st := range sparse {
		out[idx] = st
	}
	return out
}

func (m *Memory) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	m.subs[sub.ID] = sub
	return sub, nil
}

func (m *Memory) ListSubscriptionsForVehicle(ctx context.Context, vehicleID string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, s := range m.subs {
		if s.VehicleID == vehicleID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) MarkSubscriptionAlerted(ctx context.Context, id, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.LastAlertTripID = tripID
	m.subs[id] = s
	return nil
}

func (m *Memory) EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{Delivery: Delivery{
		ID:             id,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		URL:            url,
		Secret:         secret,
		Payload:        append([]byte(nil), payload...),
		Status:         DeliveryPending,
		NextAttemptAt:  time.Now(),
	}}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := time.Now()
	out := []Delivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if d == nil || d.Status != DeliveryPending || d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d.Delivery)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.ResponseCode = responseCode
	if success {
		now := time.Now()
		d.Status = DeliveryDelivered
		d.DeliveredAt = &now
		return nil
	}
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	return nil
}

// DeliveryStatus returns the status and attempt count of a delivery.
func (m *Memory) DeliveryStatus(id string) (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return "", 0
	}
	return d.Status, d.Attempts
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// sortStops orders stops by sequence; stops without one keep their relative order at the end.
func sortStops(stops []model.Stop) {
	sort.SliceStable(stops, func(i, j int) bool {
		a, b := stops[i].Seq, stops[j].Seq
		switch {
		case a != nil && b != nil:
			return *a < *b
		case a != nil:
			return true
		default:
			return false
		}
	})
}
