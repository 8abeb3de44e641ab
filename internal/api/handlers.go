package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Sandeepjatav78/Raahi/internal/auth"
	"github.com/Sandeepjatav78/Raahi/internal/buildinfo"
	"github.com/Sandeepjatav78/Raahi/internal/eta"
	"github.com/Sandeepjatav78/Raahi/internal/ingest"
	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the store.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) VersionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info())
}

func requireDriver(r *http.Request) error {
	if !auth.FromContext(r.Context()).CanDrive() {
		return fmt.Errorf("%w: driver or admin role required", errForbidden)
	}
	return nil
}

func requireAdmin(r *http.Request) error {
	if !auth.FromContext(r.Context()).IsAdmin() {
		return fmt.Errorf("%w: admin role required", errForbidden)
	}
	return nil
}

// droppedReport reports whether a position error means the fix is silently
// discarded rather than rejected.
func droppedReport(err error) bool {
	return errors.Is(err, ingest.ErrInvalidReport) ||
		errors.Is(err, ingest.ErrThrottled) ||
		errors.Is(err, tracking.ErrTripNotFound) ||
		errors.Is(err, tracking.ErrTripEnded)
}

// PositionHandler handles POST /v1/positions. Accepted fixes answer 202 with
// the outcome; dropped ones answer 204.
func (s *Server) PositionHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireDriver(r); err != nil {
		writeError(w, r, err)
		return
	}
	var rep model.PositionReport
	if err := s.decode(r, &rep, false); err != nil {
		writeError(w, r, err)
		return
	}
	rep.Source = "http:" + rep.TripID
	out, err := s.Ingest.HandlePosition(r.Context(), rep)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, out)
	case droppedReport(err):
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, err)
	}
}

// GTFSRTHandler handles POST /v1/feeds/gtfsrt with a protobuf FeedMessage body.
func (s *Server) GTFSRTHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireDriver(r); err != nil {
		writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*maxBody))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	accepted, dropped, err := s.Ingest.IngestGTFSRT(r.Context(), body)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted, "dropped": dropped})
}

func (s *Server) StartTripHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireDriver(r); err != nil {
		writeError(w, r, err)
		return
	}
	var req model.TripStart
	if err := s.decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if p := auth.FromContext(r.Context()); req.DriverID == "" && p.Role == auth.RoleDriver {
		req.DriverID = p.Subject
	}
	trip, created, err := s.Ingest.StartTrip(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, trip)
}

func (s *Server) EndTripHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireDriver(r); err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := s.decode(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	trip, err := s.Ingest.EndTrip(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// ManualEventHandler handles POST /v1/trips/{id}/events, an operator
// ARRIVED/LEFT override.
func (s *Server) ManualEventHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireDriver(r); err != nil {
		writeError(w, r, err)
		return
	}
	var ev model.ManualEvent
	if err := s.decode(r, &ev, false); err != nil {
		writeError(w, r, err)
		return
	}
	tr, err := s.Ingest.Manual(r.Context(), chi.URLParam(r, "id"), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr.Event)
}

func (s *Server) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Store.GetTrip(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	evs, err := s.Store.ListStopEvents(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []model.StopEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": evs})
}

func (s *Server) SOSHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireDriver(r); err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Message string   `json:"message"`
		Lat     *float64 `json:"lat"`
		Lng     *float64 `json:"lng"`
	}
	if err := s.decode(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	var pos *model.Position
	if body.Lat != nil && body.Lng != nil {
		pos = &model.Position{Lat: *body.Lat, Lng: *body.Lng, Timestamp: time.Now().UTC()}
	}
	ev, err := s.Ingest.SOS(r.Context(), chi.URLParam(r, "id"), body.Message, pos)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// TripState is the read model served by GET /v1/trips/{id}/state.
type TripState struct {
	Trip             model.Trip              `json:"trip"`
	CurrentStopIndex int                     `json:"currentStopIndex"`
	Done             bool                    `json:"done"`
	Stops            []tracking.ResolvedStop `json:"stops"`
	LastPosition     *model.Position         `json:"lastPosition,omitempty"`
	ArrivalLog       map[int]int64           `json:"arrivalLog"`
	ETAs             []model.ETAEntry        `json:"etas"`
	LastETAAt        *time.Time              `json:"lastEtaAt,omitempty"`
}

func tripState(st *tracking.State) TripState {
	out := TripState{
		Trip:             st.Trip,
		CurrentStopIndex: st.CurrentStopIndex,
		Done:             st.Done(),
		Stops:            st.Stops,
		LastPosition:     st.LastPosition,
		ArrivalLog:       st.ArrivalLog,
		ETAs:             eta.Entries(st.Emitted, st.Stops),
	}
	if !st.LastEmit.IsZero() {
		t := st.LastEmit
		out.LastETAAt = &t
	}
	return out
}

func (s *Server) TripStateHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.Ingest.Cache().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tripState(st))
}

func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var sub model.Subscription
	if err := s.decode(r, &sub, false); err != nil {
		writeError(w, r, err)
		return
	}
	if sub.Secret == "" {
		sub.Secret = "whsec_" + uuid.NewString()
	}
	sub.LastAlertTripID = ""
	sub.CreatedAt = time.Now().UTC()
	created, err := s.Store.CreateSubscription(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteSubscription(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GetRouteHandler(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Store.GetRoute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// PutRouteHandler upserts a route and its stop catalog. Segment statistics
// are learned, never accepted from clients.
func (s *Server) PutRouteHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	var rt model.Route
	if err := s.decode(r, &rt, false); err != nil {
		writeError(w, r, err)
		return
	}
	rt.ID = chi.URLParam(r, "id")
	rt.SegStats = nil
	if err := s.Store.UpsertRoute(r.Context(), rt); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}
