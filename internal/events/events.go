// Package events fans trip and admin events out to live subscribers.
package events

import (
	"sync"
)

// Event names published on trip and admin channels.
const (
	LocationUpdate = "location_update"
	StopArrived    = "stop_arrived"
	StopLeft       = "stop_left"
	ETAUpdate      = "eta_update"
	SOS            = "sos"
	TripStarted    = "trip_started"
	TripEnded      = "trip_ended"

	// BusNearby is only sent to the rider whose stop is close, never broadcast.
	BusNearby = "bus_nearby"
)

// AdminChannel carries events for every trip.
const AdminChannel = "admin"

// TripChannel is the channel for one trip's events.
func TripChannel(tripID string) string { return "trip:" + tripID }

type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type Broker interface {
	Subscribe(channel string) chan Event
	Unsubscribe(channel string, ch chan Event)
	Publish(channel string, evt Event)
}

// Memory is an in-process broker. Slow subscribers miss events rather than
// block publishers.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // channel -> set of subscribers
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(channel string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[chan Event]struct{}{}
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(channel string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[channel]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, channel)
	}
	close(ch)
}

func (b *Memory) Publish(channel string, evt Event) {
	b.mu.Lock()
	for ch := range b.subs[channel] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribers returns the number of live subscribers on channel.
func (b *Memory) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Publisher is the publish half of a Broker.
type Publisher interface {
	Publish(channel string, evt Event)
}

// Multi serves subscriptions from Primary and publishes to Primary and every mirror.
type Multi struct {
	Primary Broker
	Mirrors []Publisher
}

func (m *Multi) Subscribe(channel string) chan Event { return m.Primary.Subscribe(channel) }

func (m *Multi) Unsubscribe(channel string, ch chan Event) { m.Primary.Unsubscribe(channel, ch) }

func (m *Multi) Publish(channel string, evt Event) {
	m.Primary.Publish(channel, evt)
	for _, p := range m.Mirrors {
		p.Publish(channel, evt)
	}
}
