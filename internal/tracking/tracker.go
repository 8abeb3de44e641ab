package tracking

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/metrics"
	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/store"
)

// Config tunes stop detection.
type Config struct {
	ArrivalRadius float64       // meters
	LeaveRadius   float64       // meters, >= ArrivalRadius
	Sustain       time.Duration // dwell inside the radius before ARRIVED
	LookAhead     int           // stops past the current one checked for skips
}

// DefaultConfig matches the service defaults.
func DefaultConfig() Config {
	return Config{ArrivalRadius: 75, LeaveRadius: 80, Sustain: 3 * time.Second, LookAhead: 5}
}

// SegmentRecorder learns segment durations. *segstats.Store satisfies it.
type SegmentRecorder interface {
	Update(ctx context.Context, routeID string, segment int, observedSec float64) (model.SegmentStat, error)
}

// SegmentSample is a segment duration fed to the recorder by an arrival.
type SegmentSample struct {
	Index   int     `json:"index"`
	Seconds float64 `json:"seconds"`
}

// Transition is a confirmed ARRIVED or LEFT.
type Transition struct {
	Event   model.StopEvent `json:"event"`
	Segment *SegmentSample  `json:"segment,omitempty"`
}

// Tracker is the stop progress state machine. It holds no per-trip state of
// its own; callers pass the State under the trip lock.
type Tracker struct {
	cfg  Config
	db   store.Store
	segs SegmentRecorder
}

func NewTracker(cfg Config, db store.Store, segs SegmentRecorder) *Tracker {
	if cfg.LeaveRadius < cfg.ArrivalRadius {
		cfg.LeaveRadius = cfg.ArrivalRadius
	}
	return &Tracker{cfg: cfg, db: db, segs: segs}
}

// Observe advances st with one fix and returns the transitions it caused.
// force confirms an arrival without waiting out the dwell time.
func (t *Tracker) Observe(ctx context.Context, st *State, pos model.Position, force bool) []Transition {
	if st.Done() {
		return nil
	}
	p := pos.Point()

	// the vehicle may have skipped stops without dwelling at them
	for i := 1; i <= t.cfg.LookAhead; i++ {
		idx := st.CurrentStopIndex + i
		if idx >= len(st.Stops) {
			break
		}
		if geo.Distance(p, st.Stops[idx].Point) <= t.cfg.ArrivalRadius {
			if geo.Distance(p, st.Stops[st.CurrentStopIndex].Point) <= t.cfg.ArrivalRadius {
				break
			}
			log.Debug().Str("trip", st.Trip.ID).Int("from", st.CurrentStopIndex).Int("to", idx).Msg("stop skipped ahead")
			idx = t.advance(ctx, st, idx)
			st.CurrentStopIndex = idx
			st.resetWindow(idx)
			break
		}
	}
	if st.Done() {
		return nil
	}

	idx := st.CurrentStopIndex
	d := geo.Distance(p, st.Stops[idx].Point)
	now := pos.Timestamp.UnixMilli()
	sustain := t.cfg.Sustain.Milliseconds()
	w := &st.Window

	if d <= t.cfg.ArrivalRadius {
		w.Inside = append(w.Inside, now)
		kept := w.Inside[:0]
		for _, ts := range w.Inside {
			if ts <= now && now-ts <= sustain {
				kept = append(kept, ts)
			}
		}
		w.Inside = kept
		if !w.ArrivedMarked && (force || now-w.Inside[0] >= sustain) {
			return []Transition{t.arrive(ctx, st, idx, pos, model.SourceAuto)}
		}
		return nil
	}

	w.Inside = nil
	if w.ArrivedMarked && !w.LeftMarked && d >= t.cfg.LeaveRadius {
		return []Transition{t.depart(ctx, st, pos, model.SourceAuto)}
	}
	return nil
}

// Manual applies an operator transition, bypassing dwell time.
func (t *Tracker) Manual(ctx context.Context, st *State, ev model.ManualEvent, at time.Time) (Transition, error) {
	idx := ev.StopIndex
	if idx < 0 || idx >= len(st.Stops) {
		return Transition{}, ErrBadStopIndex
	}
	pos := model.Position{Lat: ev.Lat, Lng: ev.Lng, Timestamp: at}
	switch ev.Status {
	case model.StatusArrived:
		if idx < st.CurrentStopIndex {
			return Transition{}, ErrStaleStop
		}
		if idx == st.CurrentStopIndex && st.Window.ArrivedMarked {
			return Transition{}, ErrAlreadyArrived
		}
		st.CurrentStopIndex = idx
		st.resetWindow(idx)
		return t.arrive(ctx, st, idx, pos, model.SourceManual), nil
	case model.StatusLeft:
		if idx != st.CurrentStopIndex || !st.Window.ArrivedMarked || st.Window.LeftMarked {
			return Transition{}, ErrNotArrived
		}
		return t.depart(ctx, st, pos, model.SourceManual), nil
	default:
		return Transition{}, ErrBadStatus
	}
}

func (t *Tracker) record(ctx context.Context, st *State, idx int, status model.EventStatus, pos model.Position, source model.EventSource) model.StopEvent {
	loc := pos
	ev := model.StopEvent{
		TripID:    st.Trip.ID,
		StopIndex: idx,
		StopName:  st.Stops[idx].Name,
		Status:    status,
		Timestamp: pos.Timestamp,
		Location:  &loc,
		Source:    source,
	}
	saved, err := t.db.InsertStopEvent(ctx, ev)
	if err != nil {
		log.Error().Err(err).Str("trip", st.Trip.ID).Int("stop", idx).Str("status", string(status)).Msg("persist stop event")
		return ev
	}
	metrics.StopTransitions.WithLabelValues(string(status), string(source)).Inc()
	return saved
}

func (t *Tracker) arrive(ctx context.Context, st *State, idx int, pos model.Position, source model.EventSource) Transition {
	st.Window.ArrivedMarked = true
	ev := t.record(ctx, st, idx, model.StatusArrived, pos, source)
	at := ev.Timestamp.UnixMilli()
	prev, hasPrev := st.ArrivalLog[idx-1]
	st.ArrivalLog[idx] = at

	if stored, err := t.db.SetTripStopIndex(ctx, st.Trip.ID, idx); err != nil {
		log.Error().Err(err).Str("trip", st.Trip.ID).Int("stop", idx).Msg("persist stop index")
	} else {
		st.Trip.CurrentStopIndex = stored
	}

	tr := Transition{Event: ev}
	if source != model.SourceAuto || idx == 0 || !hasPrev || at <= prev {
		return tr
	}
	sample := SegmentSample{Index: idx - 1, Seconds: float64(at-prev) / 1000}
	tr.Segment = &sample
	if t.segs == nil {
		return tr
	}
	stat, err := t.segs.Update(ctx, st.Route.ID, sample.Index, sample.Seconds)
	if err != nil {
		log.Error().Err(err).Str("route", st.Route.ID).Int("segment", sample.Index).Msg("update segment stats")
		return tr
	}
	if sample.Index < len(st.Route.SegStats) {
		st.Route.SegStats[sample.Index] = stat
	}
	return tr
}

func (t *Tracker) depart(ctx context.Context, st *State, pos model.Position, source model.EventSource) Transition {
	idx := st.CurrentStopIndex
	st.Window.LeftMarked = true
	ev := t.record(ctx, st, idx, model.StatusLeft, pos, source)

	next := t.advance(ctx, st, idx+1)
	st.CurrentStopIndex = next
	st.resetWindow(next)
	return Transition{Event: ev}
}

// advance persists idx as the trip's stop pointer and returns the pointer the
// state should adopt: the larger of idx and the stored value, capped at the
// stop count. A failed write leaves the cache ahead until the next rebuild.
func (t *Tracker) advance(ctx context.Context, st *State, idx int) int {
	stored, err := t.db.SetTripStopIndex(ctx, st.Trip.ID, idx)
	if err != nil {
		log.Error().Err(err).Str("trip", st.Trip.ID).Int("stop", idx).Msg("persist stop index")
		return min(idx, len(st.Stops))
	}
	st.Trip.CurrentStopIndex = stored
	return min(max(idx, stored), len(st.Stops))
}
