package store

import "time"

// Delivery is one queued rider notification.
type Delivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string // pending, delivered, failed
	Attempts       int
	NextAttemptAt  time.Time
}

const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)
