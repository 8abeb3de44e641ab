package notify

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/metrics"
	"github.com/Sandeepjatav78/Raahi/internal/store"
)

// Worker polls due deliveries and POSTs them, retrying failures on an
// exponential schedule until MaxAttempts.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
	PollEvery   time.Duration
}

func NewWorker(s store.Store, maxAttempts int, pollEvery, timeout time.Duration) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: timeout},
		Stop:        make(chan struct{}),
		MaxAttempts: maxAttempts,
		PollEvery:   pollEvery,
	}
}

// Start runs the poll loop until ctx is done or Stop is closed.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.PollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce(ctx)
			}
		}
	}()
}

func (w *Worker) processOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueDeliveries(ctx, 50)
	if err != nil {
		log.Error().Err(err).Msg("fetch due deliveries")
		return
	}
	for _, it := range items {
		code, err := w.post(ctx, it)
		success := err == nil && code >= 200 && code < 300
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
		}
		switch {
		case success:
			metrics.NotifyDeliveries.WithLabelValues(it.EventType, store.DeliveryDelivered).Inc()
			if err := w.Store.MarkDelivery(ctx, it.ID, true, nil, "", code); err != nil {
				log.Error().Err(err).Str("delivery", it.ID).Msg("mark delivery")
			}
		case it.Attempts+1 >= w.MaxAttempts:
			metrics.NotifyDeliveries.WithLabelValues(it.EventType, store.DeliveryFailed).Inc()
			log.Warn().Str("delivery", it.ID).Str("url", it.URL).Int("code", code).Str("error", lastErr).Msg("delivery dead-lettered")
			if err := w.Store.FailDelivery(ctx, it.ID, lastErr, code); err != nil {
				log.Error().Err(err).Str("delivery", it.ID).Msg("fail delivery")
			}
		default:
			metrics.NotifyDeliveries.WithLabelValues(it.EventType, "retry").Inc()
			next := time.Now().Add(nextBackoff(it.Attempts))
			log.Warn().Str("delivery", it.ID).Int("attempt", it.Attempts+1).Int("code", code).Time("next", next).Msg("delivery failed")
			if err := w.Store.MarkDelivery(ctx, it.ID, false, &next, lastErr, code); err != nil {
				log.Error().Err(err).Str("delivery", it.ID).Msg("mark delivery")
			}
		}
	}
}

func (w *Worker) post(ctx context.Context, it store.Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	if it.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(it.Secret, time.Now(), it.Payload))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// nextBackoff is the wait before retry number attempts+1: 1s doubling to 1h.
func nextBackoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
