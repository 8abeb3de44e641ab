package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/auth"
	"github.com/Sandeepjatav78/Raahi/internal/ingest"
	"github.com/Sandeepjatav78/Raahi/internal/store"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

var (
	errBadRequest = errors.New("bad request")
	errForbidden  = errors.New("forbidden")
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeProblem(w, status, http.StatusText(status), err.Error(), r.URL.Path)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tracking.ErrTripNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, ingest.ErrUnknownRoute):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrTripEnded),
		errors.Is(err, tracking.ErrNotArrived),
		errors.Is(err, tracking.ErrStaleStop),
		errors.Is(err, tracking.ErrAlreadyArrived):
		return http.StatusConflict
	case errors.Is(err, tracking.ErrBadStopIndex),
		errors.Is(err, tracking.ErrBadStatus),
		errors.Is(err, ingest.ErrInvalidReport),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
}

// decode reads a JSON body into v and runs struct validation. An empty body
// is accepted when optional is set.
func (s *Server) decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
