package events

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/metrics"
)

// ConnectNATS dials url with connection state logged and exported as a gauge.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.NATSConnected.Set(0)
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			metrics.NATSConnected.Set(1)
			log.Info().Str("server", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			metrics.NATSConnected.Set(0)
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	metrics.NATSConnected.Set(1)
	return nc, nil
}

// NATS mirrors published events as JSON onto {prefix}.{channel}.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

func NewNATS(nc *nats.Conn, prefix string) *NATS {
	return &NATS{nc: nc, prefix: prefix}
}

func (p *NATS) Publish(channel string, evt Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("type", evt.Type).Msg("encode event")
		return
	}
	if err := p.nc.Publish(p.Subject(channel), b); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("nats publish")
	}
}

// Subject maps a channel such as "trip:42" to "events.trip_42".
func (p *NATS) Subject(channel string) string {
	return p.prefix + "." + SubjectToken(channel)
}

// SubjectToken makes s safe as a single NATS subject token.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", ":", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
