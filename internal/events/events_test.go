package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe(TripChannel("t1"))

	evt := Event{Type: ETAUpdate, Data: map[string]any{"x": 1}}
	b.Publish(TripChannel("t1"), evt)
	b.Publish(TripChannel("other"), Event{Type: "ignored"})

	select {
	case got := <-ch:
		assert.Equal(t, evt, got)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(TripChannel("t1"), ch)
	_, ok := <-ch
	assert.False(t, ok, "channel is closed after unsubscribe")
	assert.Zero(t, b.Subscribers(TripChannel("t1")))

	// a second unsubscribe is a no-op
	b.Unsubscribe(TripChannel("t1"), ch)
}

func TestMemorySlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewMemory()
	slow := b.Subscribe(AdminChannel)
	fast := b.Subscribe(AdminChannel)

	done := make(chan struct{})
	var got int
	go func() {
		defer close(done)
		for range fast {
			got++
		}
	}()
	for i := 0; i < 100; i++ {
		b.Publish(AdminChannel, Event{Type: LocationUpdate})
	}
	assert.Len(t, slow, cap(slow))
	b.Unsubscribe(AdminChannel, fast)
	<-done
	assert.Positive(t, got)
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) Publish(channel string, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, channel+"/"+evt.Type)
}

func TestMultiMirrors(t *testing.T) {
	primary := NewMemory()
	rec := &recorder{}
	m := &Multi{Primary: primary, Mirrors: []Publisher{rec}}

	ch := m.Subscribe(AdminChannel)
	m.Publish(AdminChannel, Event{Type: SOS})
	m.Publish(TripChannel("t9"), Event{Type: TripEnded})

	require.Len(t, ch, 1)
	assert.Equal(t, SOS, (<-ch).Type)
	assert.Equal(t, []string{"admin/sos", "trip:t9/trip_ended"}, rec.seen)
	m.Unsubscribe(AdminChannel, ch)
	assert.Zero(t, primary.Subscribers(AdminChannel))
}

func TestSubjectToken(t *testing.T) {
	p := NewNATS(nil, "events")
	assert.Equal(t, "events.trip_42", p.Subject(TripChannel("42")))
	assert.Equal(t, "events.admin", p.Subject(AdminChannel))
	assert.Equal(t, "a_b_c_d", SubjectToken(" a.b*c>d "))
	assert.Equal(t, "_", SubjectToken(""))
}
