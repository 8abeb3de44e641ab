package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Sandeepjatav78/Raahi/internal/eta"
	"github.com/Sandeepjatav78/Raahi/internal/events"
)

// TripStreamHandler handles GET /v1/trips/{id}/stream. The last published
// ETAs are replayed first so a new client does not wait for the next change.
func (s *Server) TripStreamHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.Ingest.Cache().Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var replay []events.Event
	if len(st.Emitted) > 0 {
		replay = append(replay, events.Event{Type: events.ETAUpdate, Data: eta.Payload(id, eta.Entries(st.Emitted, st.Stops), st.LastEmit)})
	}
	s.stream(w, r, events.TripChannel(id), replay)
}

func (s *Server) AdminStreamHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	s.stream(w, r, events.AdminChannel, nil)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, channel string, replay []events.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	ch := s.Broker.Subscribe(channel)
	defer s.Broker.Unsubscribe(channel, ch)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	heartbeat := func() error {
		return writeSSE(w, "heartbeat", map[string]any{"channel": channel, "ts": time.Now().UTC().Format(time.RFC3339)})
	}
	_ = heartbeat()
	for _, evt := range replay {
		_ = writeSSE(w, evt.Type, evt.Data)
	}
	flusher.Flush()

	tick := time.NewTicker(s.KeepAlive)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, evt.Type, evt.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-tick.C:
			if err := heartbeat(); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
