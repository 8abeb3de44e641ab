package model

import (
	"strconv"
	"time"

	"github.com/Sandeepjatav78/Raahi/internal/geo"
)

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripPending   TripStatus = "PENDING"
	TripOngoing   TripStatus = "ONGOING"
	TripCompleted TripStatus = "COMPLETED"
)

// Trip is one traversal of a Route by a vehicle.
type Trip struct {
	ID               string     `json:"id"`
	VehicleID        string     `json:"vehicleId"`
	DriverID         string     `json:"driverId,omitempty"`
	RouteID          string     `json:"routeId"`
	Status           TripStatus `json:"status"`
	CurrentStopIndex int        `json:"currentStopIndex"`
	LastPosition     *Position  `json:"lastPosition,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
}

// Stop is a fixed waypoint on a route.
type Stop struct {
	ID      string  `json:"id" yaml:"id"`
	RouteID string  `json:"routeId,omitempty" yaml:"-"`
	Name    string  `json:"name" yaml:"name"`
	Lat     float64 `json:"lat" yaml:"lat" validate:"latitude"`
	Lng     float64 `json:"lng" yaml:"lng" validate:"longitude"`
	Seq     *int    `json:"seq,omitempty" yaml:"seq" validate:"omitempty,gte=0"`
}

// Key is the stable identifier used to address ETAs for this stop. The
// sequence number wins over any generated id so that live and historical
// lookups agree.
func (s Stop) Key() string {
	if s.Seq != nil {
		return strconv.Itoa(*s.Seq)
	}
	return s.ID
}

// Point returns the stop location.
func (s Stop) Point() geo.Point { return geo.Point{Lat: s.Lat, Lng: s.Lng} }

// SegmentStat is the learned travel duration between consecutive stops.
type SegmentStat struct {
	AvgSec  float64 `json:"avgSec"`
	Samples int     `json:"samples"`
}

// Route is an ordered sequence of stops with optional path geometry.
type Route struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Stops    []Stop        `json:"stops" yaml:"stops" validate:"min=1,dive"`
	Path     []geo.Point   `json:"path,omitempty" yaml:"path"`
	SegStats []SegmentStat `json:"segStats,omitempty" yaml:"-"`
}

// EventStatus is the kind of a StopEvent.
type EventStatus string

const (
	StatusArrived EventStatus = "ARRIVED"
	StatusLeft    EventStatus = "LEFT"
	StatusSOS     EventStatus = "SOS"
)

// EventSource records whether a StopEvent was detected or entered by an operator.
type EventSource string

const (
	SourceAuto   EventSource = "auto"
	SourceManual EventSource = "manual"
)

// StopEvent is the append-only history entry for a trip.
type StopEvent struct {
	ID         string      `json:"id"`
	TripID     string      `json:"tripId"`
	StopIndex  int         `json:"stopIndex"`
	StopName   string      `json:"stopName,omitempty"`
	Status     EventStatus `json:"status"`
	Message    string      `json:"message,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Location   *Position   `json:"location,omitempty"`
	Source     EventSource `json:"source"`
	ETAMinutes *float64    `json:"etaMinutes,omitempty"`
}

// Position is a located fix for a vehicle.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

// Point returns the coordinate of the fix.
func (p Position) Point() geo.Point { return geo.Point{Lat: p.Lat, Lng: p.Lng} }

// PositionReport is one inbound fix from a vehicle-side source.
type PositionReport struct {
	TripID    string   `json:"tripId"`
	Source    string   `json:"-"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp,omitempty"` // epoch ms; zero means receive time
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

// ManualEvent is an operator-originated stop transition.
type ManualEvent struct {
	StopIndex int         `json:"stopIndex"`
	Status    EventStatus `json:"status"`
	Lat       float64     `json:"lat"`
	Lng       float64     `json:"lng"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// TripStart is the request body for starting a trip.
type TripStart struct {
	ID        string `json:"id,omitempty"`
	VehicleID string `json:"vehicleId" validate:"required"`
	DriverID  string `json:"driverId"`
	RouteID   string `json:"routeId" validate:"required"`
}

// ETAEntry is one stop's estimate in an eta_update payload.
type ETAEntry struct {
	StopID string `json:"stopId"`
	ETAMs  int64  `json:"etaMs"`
}

// Subscription registers a rider webhook for events on a vehicle. With a
// StopKey it also asks for one proximity alert per trip when the vehicle
// gets within ProximityMeters or ProximityMinutes of that stop.
type Subscription struct {
	ID               string    `json:"id"`
	VehicleID        string    `json:"vehicleId" validate:"required"`
	URL              string    `json:"url" validate:"required,url"`
	Secret           string    `json:"secret,omitempty"`
	StopKey          string    `json:"stopKey,omitempty"`
	ProximityMeters  float64   `json:"proximityMeters,omitempty" validate:"omitempty,gte=100,lte=2000"`
	ProximityMinutes float64   `json:"proximityMinutes,omitempty" validate:"omitempty,gte=1,lte=30"`
	LastAlertTripID  string    `json:"lastAlertTripId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Default proximity alert thresholds.
const (
	DefaultProximityMeters  = 500
	DefaultProximityMinutes = 5
)

// Thresholds returns the proximity thresholds with defaults applied.
func (s Subscription) Thresholds() (meters, minutes float64) {
	meters, minutes = s.ProximityMeters, s.ProximityMinutes
	if meters <= 0 {
		meters = DefaultProximityMeters
	}
	if minutes <= 0 {
		minutes = DefaultProximityMinutes
	}
	return meters, minutes
}
