package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/Sandeepjatav78/Raahi/internal/model"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

// Job is a named periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

// Scheduler runs jobs on their own tickers until the context is cancelled.
type Scheduler struct {
	Jobs []Job
}

func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.Jobs {
		if j.Every <= 0 {
			continue
		}
		go s.loop(ctx, j)
	}
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runJob(ctx, j)
		}
	}
}

func runJob(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", j.Name).Interface("panic", r).Msg("job panicked")
		}
	}()
	start := time.Now()
	j.Run(ctx)
	log.Debug().Str("job", j.Name).Dur("took", time.Since(start)).Msg("job finished")
}

// Jobs returns the heartbeat and sweep jobs for this orchestrator.
func (o *Orchestrator) Jobs(heartbeatEvery, sweepEvery time.Duration) []Job {
	return []Job{
		{Name: "heartbeat", Every: heartbeatEvery, Run: func(ctx context.Context) { o.Heartbeat(ctx) }},
		{Name: "sweep", Every: sweepEvery, Run: func(ctx context.Context) { o.Sweep(ctx) }},
	}
}

// Heartbeat refreshes ETAs for cached trips that have gone quiet, so riders
// keep seeing estimates move while the vehicle is stuck or offline. It returns
// how many trips published an update.
func (o *Orchestrator) Heartbeat(ctx context.Context) int {
	now := o.now()
	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	p := pool.NewWithResults[bool]().WithMaxGoroutines(workers)
	for _, id := range o.cache.IDs() {
		id := id
		p.Go(func() bool { return o.heartbeatTrip(ctx, id, now) })
	}
	emitted := 0
	for _, ok := range p.Wait() {
		if ok {
			emitted++
		}
	}
	return emitted
}

func (o *Orchestrator) heartbeatTrip(ctx context.Context, tripID string, now time.Time) bool {
	emitted := false
	err := o.do(ctx, tripID, func(st *tracking.State) error {
		if st.LastPosition == nil || st.Done() || st.Trip.Status == model.TripCompleted {
			return nil
		}
		if now.Sub(st.LastReportAt) < o.cfg.HeartbeatIdle {
			return nil
		}
		res, ok := o.eta.Update(ctx, st, st.LastPosition.Point(), nil, false, now)
		if ok {
			o.publishETA(res)
			emitted = true
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("trip", tripID).Msg("heartbeat")
	}
	return emitted
}

// Sweep auto-ends trips running longer than StaleTripAfter, evicts cache
// entries for finished trips, and forgets idle throttle sources.
func (o *Orchestrator) Sweep(ctx context.Context) []string {
	now := o.now()
	var ended []string
	if o.cfg.StaleTripAfter > 0 {
		trips, err := o.db.ListActiveTrips(ctx)
		if err != nil {
			log.Error().Err(err).Msg("sweep: list active trips")
		}
		for _, t := range trips {
			if t.Status != model.TripOngoing || now.Sub(t.StartedAt) <= o.cfg.StaleTripAfter {
				continue
			}
			if _, err := o.EndTrip(ctx, t.ID, "stale"); err != nil {
				log.Warn().Err(err).Str("trip", t.ID).Msg("sweep: end stale trip")
				continue
			}
			ended = append(ended, t.ID)
		}
	}
	evicted := o.cache.Sweep(ctx, now, o.cfg.StaleTripAfter)
	pruned := o.throttle.prune(now.Add(-time.Hour))
	if len(ended) > 0 || len(evicted) > 0 || pruned > 0 {
		log.Info().Int("ended", len(ended)).Int("evicted", len(evicted)).Int("sources", pruned).Msg("sweep")
	}
	return ended
}
