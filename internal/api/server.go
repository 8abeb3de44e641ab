// Package api exposes the tracker over HTTP: position intake, trip lifecycle,
// live streams (SSE and websocket), rider subscriptions, and ops endpoints.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/auth"
	"github.com/Sandeepjatav78/Raahi/internal/events"
	"github.com/Sandeepjatav78/Raahi/internal/ingest"
	"github.com/Sandeepjatav78/Raahi/internal/metrics"
	"github.com/Sandeepjatav78/Raahi/internal/store"
)

type Server struct {
	Store     store.Store
	Ingest    *ingest.Orchestrator
	Broker    events.Broker
	Auth      *auth.Verifier
	Origins   []string
	KeepAlive time.Duration // SSE heartbeat interval
	Settings  map[string]any

	validate *validator.Validate
	started  time.Time
}

func NewServer(db store.Store, o *ingest.Orchestrator, broker events.Broker, verifier *auth.Verifier) *Server {
	return &Server{
		Store:     db,
		Ingest:    o,
		Broker:    broker,
		Auth:      verifier,
		Origins:   []string{"*"},
		KeepAlive: 15 * time.Second,
		validate:  validator.New(),
		started:   time.Now(),
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.Origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/version", s.VersionHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.Auth.Middleware(unauthorized))

		r.Post("/positions", s.PositionHandler)
		r.Post("/feeds/gtfsrt", s.GTFSRTHandler)
		r.Get("/ws", s.WSHandler)

		r.Post("/trips", s.StartTripHandler)
		r.Route("/trips/{id}", func(r chi.Router) {
			r.Post("/end", s.EndTripHandler)
			r.Post("/events", s.ManualEventHandler)
			r.Get("/events", s.ListEventsHandler)
			r.Post("/sos", s.SOSHandler)
			r.Get("/state", s.TripStateHandler)
			r.Get("/stream", s.TripStreamHandler)
		})

		r.Post("/subscriptions", s.CreateSubscriptionHandler)
		r.Delete("/subscriptions/{id}", s.DeleteSubscriptionHandler)

		r.Get("/routes/{id}", s.GetRouteHandler)
		r.Put("/routes/{id}", s.PutRouteHandler)

		r.Get("/admin/stream", s.AdminStreamHandler)
		r.Get("/admin/debug", s.DebugHandler)
	})
	return r
}

// accessLog writes one line per request and feeds the HTTP collectors,
// labelled by route pattern to keep cardinality bounded.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		code := strconv.Itoa(status)
		took := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, pattern, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, pattern, code).Observe(took.Seconds())
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("took", took).
			Str("req_id", middleware.GetReqID(r.Context())).
			Msg("http")
	})
}
