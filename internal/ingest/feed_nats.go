package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/model"
)

// PositionMessage is the JSON vehicle position published on NATS by
// simulators and on-board units.
type PositionMessage struct {
	TripID    string    `json:"tripId"`
	RouteID   string    `json:"routeId"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	Progress  float64   `json:"progress"`
	SpeedMps  float64   `json:"speedMps"`
}

// Report converts the message into a position report.
func (m PositionMessage) Report() model.PositionReport {
	r := model.PositionReport{
		TripID: m.TripID,
		Source: "nats:" + m.TripID,
		Lat:    m.Lat,
		Lng:    m.Lon,
	}
	if !m.Timestamp.IsZero() {
		r.Timestamp = m.Timestamp.UnixMilli()
	}
	if m.SpeedMps > 0 {
		v := m.SpeedMps
		r.Speed = &v
	}
	if m.Bearing != 0 {
		b := m.Bearing
		r.Heading = &b
	}
	return r
}

// NATSFeed feeds positions from a NATS subject into the orchestrator.
type NATSFeed struct {
	nc      *nats.Conn
	subject string
	o       *Orchestrator
	sub     *nats.Subscription
}

func NewNATSFeed(nc *nats.Conn, subject string, o *Orchestrator) *NATSFeed {
	return &NATSFeed{nc: nc, subject: subject, o: o}
}

func (f *NATSFeed) Start() error {
	sub, err := f.nc.Subscribe(f.subject, f.handle)
	if err != nil {
		return err
	}
	f.sub = sub
	log.Info().Str("subject", f.subject).Msg("nats feed subscribed")
	return nil
}

func (f *NATSFeed) Stop() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
}

func (f *NATSFeed) handle(m *nats.Msg) {
	var msg PositionMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		log.Debug().Err(err).Str("subject", m.Subject).Msg("drop undecodable position")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.o.HandlePosition(ctx, msg.Report())
	if err != nil && !errors.Is(err, ErrThrottled) {
		log.Debug().Err(err).Str("subject", m.Subject).Str("trip", msg.TripID).Msg("position rejected")
	}
}
