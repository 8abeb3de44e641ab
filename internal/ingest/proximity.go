package ingest

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/events"
	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

// alert is a proximity notification decided under the trip lock and sent after it.
type alert struct {
	sub     model.Subscription
	message string
	data    map[string]any
}

// nearby returns the riders whose stop the vehicle is now close to. Each
// subscription is alerted at most once per trip, and never for a stop the
// trip has already reached.
func (o *Orchestrator) nearby(ctx context.Context, st *tracking.State, p geo.Point, speed *float64) []alert {
	if o.notifier == nil || st.Done() {
		return nil
	}
	subs, err := o.db.ListSubscriptionsForVehicle(ctx, st.Trip.VehicleID)
	if err != nil {
		log.Warn().Err(err).Str("trip", st.Trip.ID).Msg("list subscriptions")
		return nil
	}
	var out []alert
	for _, sub := range subs {
		if sub.StopKey == "" || sub.LastAlertTripID == st.Trip.ID || st.Alerted[sub.ID] {
			continue
		}
		idx, ok := st.StopByKey(sub.StopKey)
		if !ok || idx < st.CurrentStopIndex {
			continue
		}
		if _, arrived := st.ArrivalLog[idx]; arrived {
			continue
		}
		stop := st.Stops[idx]
		dist := geo.Distance(p, stop.Point)
		ms, ok := st.ETACache[stop.Key]
		if !ok {
			ms = dist / o.eta.Velocity(speed) * 1000
		}
		minutes := math.Ceil(ms / 60_000)
		meters, maxMinutes := sub.Thresholds()
		if dist > meters && minutes > maxMinutes {
			continue
		}
		st.Alerted[sub.ID] = true
		out = append(out, alert{
			sub:     sub,
			message: fmt.Sprintf("Bus is %d min away (%dm) from %s. Get ready!", int(minutes), int(math.Round(dist)), stop.Name),
			data: map[string]any{
				"tripId":     st.Trip.ID,
				"stopKey":    stop.Key,
				"stopName":   stop.Name,
				"distanceM":  math.Round(dist),
				"etaMinutes": minutes,
			},
		})
	}
	return out
}

// sendAlerts queues each alert for its rider and records it so a restart does
// not repeat it.
func (o *Orchestrator) sendAlerts(tripID string, alerts []alert) {
	for _, a := range alerts {
		o.wg.Add(1)
		go func(a alert) {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.NotifyTimeout)
			defer cancel()
			if err := o.notifier.NotifySubscription(ctx, a.sub, events.BusNearby, a.message, a.data); err != nil {
				log.Warn().Err(err).Str("subscription", a.sub.ID).Msg("proximity alert")
				return
			}
			if err := o.db.MarkSubscriptionAlerted(ctx, a.sub.ID, tripID); err != nil {
				log.Warn().Err(err).Str("subscription", a.sub.ID).Msg("record proximity alert")
			}
		}(a)
	}
}
