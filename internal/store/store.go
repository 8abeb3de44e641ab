package store

import (
	"context"
	"errors"
	"time"

	"github.com/Sandeepjatav78/Raahi/internal/model"
)

// Store is the durable persistence interface used by the tracking engine.
type Store interface {
	// Trips
	CreateTrip(ctx context.Context, t model.Trip) (model.Trip, error)
	GetTrip(ctx context.Context, id string) (model.Trip, error)
	ListActiveTrips(ctx context.Context) ([]model.Trip, error)
	UpdateTripPosition(ctx context.Context, id string, pos model.Position) error
	// SetTripStopIndex raises the trip's current stop index to idx if it is
	// lower and returns the stored value. The index never decreases.
	SetTripStopIndex(ctx context.Context, id string, idx int) (int, error)
	EndTrip(ctx context.Context, id string, endedAt time.Time) (model.Trip, error)

	// Routes and the stop catalog
	UpsertRoute(ctx context.Context, r model.Route) error
	GetRoute(ctx context.Context, id string) (model.Route, error)
	UpsertStops(ctx context.Context, routeID string, stops []model.Stop) error
	ListStopsByRoute(ctx context.Context, routeID string) ([]model.Stop, error)

	// Stop events, ordered by timestamp
	InsertStopEvent(ctx context.Context, e model.StopEvent) (model.StopEvent, error)
	ListStopEvents(ctx context.Context, tripID string) ([]model.StopEvent, error)

	// Segment statistics
	GetSegmentStats(ctx context.Context, routeID string) ([]model.SegmentStat, error)
	SaveSegmentStat(ctx context.Context, routeID string, idx int, st model.SegmentStat) error

	// Rider subscriptions
	CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	ListSubscriptionsForVehicle(ctx context.Context, vehicleID string) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	// MarkSubscriptionAlerted records that the subscription's proximity alert
	// was sent for tripID.
	MarkSubscriptionAlerted(ctx context.Context, id, tripID string) error

	// Notification deliveries
	EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error
	FailDelivery(ctx context.Context, id string, lastError string, responseCode int) error

	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("not found")
