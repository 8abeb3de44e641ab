package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gostore "github.com/eko/gocache/lib/v4/store"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/Sandeepjatav78/Raahi/internal/api"
	"github.com/Sandeepjatav78/Raahi/internal/auth"
	"github.com/Sandeepjatav78/Raahi/internal/config"
	"github.com/Sandeepjatav78/Raahi/internal/eta"
	"github.com/Sandeepjatav78/Raahi/internal/events"
	"github.com/Sandeepjatav78/Raahi/internal/ingest"
	"github.com/Sandeepjatav78/Raahi/internal/metrics"
	"github.com/Sandeepjatav78/Raahi/internal/notify"
	"github.com/Sandeepjatav78/Raahi/internal/routing"
	"github.com/Sandeepjatav78/Raahi/internal/segstats"
	"github.com/Sandeepjatav78/Raahi/internal/store"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

const redisChannelPrefix = "raahi:"

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API, background jobs, NATS feed and notification worker",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{Name: "seed", Usage: "YAML file of routes to upsert before serving"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, c.String("seed"))
		},
	}
}

func serve(ctx context.Context, cfg config.Config, seedFile string) error {
	metrics.RegisterDefault()

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if seedFile != "" {
		n, err := seedRoutes(ctx, db, seedFile)
		if err != nil {
			return err
		}
		log.Info().Int("routes", n).Str("file", seedFile).Msg("seeded routes")
	}

	rdb := connectRedis(ctx, cfg.Redis.URL)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" && (cfg.NATS.Inbound || cfg.NATS.Outbound) {
		nc, err = events.ConnectNATS(cfg.NATS.URL, "raahi-tracker")
		if err != nil {
			return err
		}
		defer func() { _ = nc.Drain() }()
	}

	var broker events.Broker = events.NewMemory()
	if rdb != nil {
		broker = events.NewRedis(rdb, redisChannelPrefix)
	}
	if nc != nil && cfg.NATS.Outbound {
		broker = &events.Multi{Primary: broker, Mirrors: []events.Publisher{events.NewNATS(nc, cfg.NATS.EventsPrefix)}}
	}

	var router eta.Router
	if cfg.Routing.BaseURL != "" {
		var shared gostore.StoreInterface
		if rdb != nil {
			shared = routing.NewRedisCacheStore(rdb, cfg.Routing.CacheTTL)
		}
		router = routing.NewClient(cfg.Routing.BaseURL, cfg.Routing.Timeout, shared)
	}

	def := cfg.Tracking.DefaultSegmentSeconds
	cache := tracking.NewCache(db, def)
	orch := ingest.New(
		cfg.IngestConfig(),
		db,
		cache,
		tracking.NewTracker(cfg.TrackerConfig(), db, segstats.New(db, cfg.Tracking.SegAlpha, def)),
		eta.NewEngine(cfg.ETAConfig(), router),
		broker,
		notify.NewPublisher(db),
	)
	warmCache(ctx, db, cache)

	verifier, err := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	srv := api.NewServer(db, orch, broker, verifier)
	srv.Origins = cfg.Server.AllowOrigins
	srv.Settings = cfg.Summary()

	notify.NewWorker(db, cfg.Notify.MaxAttempts, cfg.Notify.PollEvery, cfg.Notify.DispatchTimeout).Start(ctx)
	(&ingest.Scheduler{Jobs: orch.Jobs(cfg.Tracking.HeartbeatEvery, cfg.Tracking.SweepEvery)}).Start(ctx)

	if nc != nil && cfg.NATS.Inbound {
		feed := ingest.NewNATSFeed(nc, cfg.NATS.Subject, orch)
		if err := feed.Start(); err != nil {
			return err
		}
		defer feed.Stop()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Driver).Str("auth", verifier.Mode()).Msg("tracker listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	orch.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	var (
		s   *store.SQL
		err error
	)
	switch cfg.Driver {
	case "postgres":
		s, err = store.NewPostgres(ctx, cfg.DSN)
	case "sqlite":
		s, err = store.NewSQLite(ctx, cfg.DSN)
	default:
		log.Info().Msg("using in-memory store")
		return store.NewMemory(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// connectRedis returns nil when url is empty or Redis is unreachable; the
// service then runs with process-local events and no shared routing cache.
func connectRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		return nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Warn().Err(err).Msg("invalid REDIS_URL; using in-memory broker")
		return nil
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable; using in-memory broker")
		_ = rdb.Close()
		return nil
	}
	return rdb
}

// warmCache rebuilds every ongoing trip so that a restart resumes where the
// previous process stopped.
func warmCache(ctx context.Context, db store.Store, cache *tracking.Cache) {
	trips, err := db.ListActiveTrips(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list active trips")
		return
	}
	for _, t := range trips {
		if err := cache.Do(ctx, t.ID, func(*tracking.State) error { return nil }); err != nil {
			log.Warn().Err(err).Str("trip", t.ID).Msg("restore trip state")
		}
	}
	log.Info().Int("trips", cache.Len()).Msg("restored trip state")
}
