// Package tracking holds the live per-trip working set and the stop progress
// state machine that advances it from position reports.
package tracking

import (
	"errors"
	"strconv"
	"time"

	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/model"
)

var (
	ErrTripNotFound   = errors.New("trip not found")
	ErrTripEnded      = errors.New("trip already completed")
	ErrBadStopIndex   = errors.New("stop index out of range")
	ErrBadStatus      = errors.New("unsupported stop status")
	ErrStaleStop      = errors.New("stop is behind the current stop")
	ErrNotArrived     = errors.New("stop has not been arrived at")
	ErrAlreadyArrived = errors.New("stop already arrived")
)

// ResolvedStop is a route stop in travel order with its ETA key.
type ResolvedStop struct {
	Index int       `json:"index"`
	Key   string    `json:"key"`
	Name  string    `json:"name"`
	Point geo.Point `json:"point"`
}

// Window is the arrival confirmation state for the current target stop.
type Window struct {
	TargetIndex   int     `json:"targetIndex"`
	Inside        []int64 `json:"inside"` // epoch ms of fixes inside the arrival radius
	ArrivedMarked bool    `json:"arrivedMarked"`
	LeftMarked    bool    `json:"leftMarked"`
}

// RoutingCache is the last routing lookup for the trip. First is nil when the
// lookup returned no data.
type RoutingCache struct {
	FetchedAt   time.Time `json:"fetchedAt"`
	OriginIndex int       `json:"originIndex"`
	First       *float64  `json:"first,omitempty"`
	Rest        []float64 `json:"rest,omitempty"`
}

// State is the in-memory tracking state of one trip. It is only touched while
// holding the trip's lock in Cache.
type State struct {
	Trip             model.Trip         `json:"trip"`
	Route            model.Route        `json:"route"`
	Stops            []ResolvedStop     `json:"stops"`
	LastPosition     *model.Position    `json:"lastPosition,omitempty"`
	CurrentStopIndex int                `json:"currentStopIndex"`
	Window           Window             `json:"window"`
	ArrivalLog       map[int]int64      `json:"arrivalLog"`
	ETACache         map[string]float64 `json:"etaCache"`
	Emitted          map[string]float64 `json:"emitted"`
	LastEmit         time.Time          `json:"lastEmit"`
	Routing          RoutingCache       `json:"routing"`
	LastReportAt     time.Time          `json:"lastReportAt"` // wall clock of the last accepted fix
	Alerted          map[string]bool    `json:"alerted"`      // subscription ids sent a proximity alert
}

func newState(trip model.Trip, route model.Route, stops []ResolvedStop) *State {
	return &State{
		Trip:       trip,
		Route:      route,
		Stops:      stops,
		ArrivalLog: map[int]int64{},
		ETACache:   map[string]float64{},
		Emitted:    map[string]float64{},
		Routing:    RoutingCache{OriginIndex: -1},
		Alerted:    map[string]bool{},
	}
}

// Done reports whether every stop has been passed.
func (s *State) Done() bool { return s.CurrentStopIndex >= len(s.Stops) }

func (s *State) resetWindow(idx int) {
	s.Window = Window{TargetIndex: idx}
}

// Clone returns a deep copy safe to read outside the trip lock.
func (s *State) Clone() *State {
	c := *s
	c.Stops = append([]ResolvedStop(nil), s.Stops...)
	c.Route.Stops = append([]model.Stop(nil), s.Route.Stops...)
	c.Route.SegStats = append([]model.SegmentStat(nil), s.Route.SegStats...)
	c.Window.Inside = append([]int64(nil), s.Window.Inside...)
	c.Routing.Rest = append([]float64(nil), s.Routing.Rest...)
	if s.LastPosition != nil {
		p := *s.LastPosition
		c.LastPosition = &p
	}
	c.ArrivalLog = make(map[int]int64, len(s.ArrivalLog))
	for k, v := range s.ArrivalLog {
		c.ArrivalLog[k] = v
	}
	c.ETACache = copyMap(s.ETACache)
	c.Emitted = copyMap(s.Emitted)
	c.Alerted = make(map[string]bool, len(s.Alerted))
	for k, v := range s.Alerted {
		c.Alerted[k] = v
	}
	return &c
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StopByKey returns the position of the stop with the given ETA key.
func (s *State) StopByKey(key string) (int, bool) {
	for i, st := range s.Stops {
		if st.Key == key {
			return i, true
		}
	}
	return 0, false
}

// resolveStops orders stops by sequence and assigns each its ETA key.
func resolveStops(stops []model.Stop) []ResolvedStop {
	out := make([]ResolvedStop, 0, len(stops))
	for i, st := range stops {
		key := st.Key()
		if key == "" {
			key = strconv.Itoa(i)
		}
		out = append(out, ResolvedStop{Index: i, Key: key, Name: st.Name, Point: st.Point()})
	}
	return out
}
