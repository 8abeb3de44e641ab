// Package notify delivers trip events to rider webhooks subscribed to a vehicle.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// NotifyVehicle queues one signed delivery per subscription on vehicleID and
// returns how many were queued.
func (p *Publisher) NotifyVehicle(ctx context.Context, vehicleID, eventType, message string, data map[string]any) (int, error) {
	if vehicleID == "" {
		return 0, nil
	}
	subs, err := p.Store.ListSubscriptionsForVehicle(ctx, vehicleID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}
	body, err := payload(vehicleID, eventType, message, data)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range subs {
		if _, err := p.Store.EnqueueDelivery(ctx, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			log.Error().Err(err).Str("subscription", s.ID).Msg("enqueue delivery")
			continue
		}
		n++
	}
	return n, nil
}

// NotifySubscription queues one delivery for a single subscription.
func (p *Publisher) NotifySubscription(ctx context.Context, sub model.Subscription, eventType, message string, data map[string]any) error {
	body, err := payload(sub.VehicleID, eventType, message, data)
	if err != nil {
		return err
	}
	if _, err := p.Store.EnqueueDelivery(ctx, sub.ID, eventType, sub.URL, sub.Secret, body); err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

func payload(vehicleID, eventType, message string, data map[string]any) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"id":        "evt_" + uuid.NewString(),
		"type":      eventType,
		"vehicleId": vehicleID,
		"message":   message,
		"ts":        time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return body, nil
}
