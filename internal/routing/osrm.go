// Package routing queries an OSRM-compatible routing service for per-leg
// driving durations. Every failure degrades to "no data".
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	gostore "github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/metrics"
)

// Legs holds leg durations in seconds: First is from the origin to the first
// waypoint after it, Rest are the following stop-to-stop legs.
type Legs struct {
	First float64   `json:"first"`
	Rest  []float64 `json:"rest"`
}

// Client is a time-boxed OSRM client with an optional shared TTL cache.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	cache   *cache.Cache[string]
}

// NewClient builds a client for baseURL. A nil cacheStore disables the shared cache.
func NewClient(baseURL string, timeout time.Duration, cacheStore gostore.StoreInterface) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
	}
	if cacheStore != nil {
		c.cache = cache.New[string](cacheStore)
	}
	return c
}

// NewRedisCacheStore returns a gocache store over Redis with the given expiration.
func NewRedisCacheStore(rdb *redis.Client, ttl time.Duration) gostore.StoreInterface {
	return redisstore.NewRedis(rdb, gostore.WithExpiration(ttl))
}

// CacheKey addresses a lookup by trip, target stop and origin rounded to ~10 m.
func CacheKey(tripID string, stopIndex int, origin geo.Point) string {
	return fmt.Sprintf("routing:%s:%d:%.4f,%.4f", tripID, stopIndex, origin.Lat, origin.Lng)
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Legs []struct {
			Duration float64 `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

// Legs returns the durations along waypoints, consulting the shared cache under key first.
func (c *Client) Legs(ctx context.Context, key string, waypoints []geo.Point) (Legs, bool) {
	if len(waypoints) < 2 {
		metrics.RoutingRequests.WithLabelValues("skipped").Inc()
		return Legs{}, false
	}
	if c.cache != nil && key != "" {
		if raw, err := c.cache.Get(ctx, key); err == nil && raw != "" {
			var legs Legs
			if json.Unmarshal([]byte(raw), &legs) == nil {
				metrics.RoutingRequests.WithLabelValues("cached").Inc()
				return legs, true
			}
		}
	}
	legs, err := c.fetch(ctx, waypoints)
	if err != nil {
		metrics.RoutingRequests.WithLabelValues("error").Inc()
		log.Debug().Err(err).Int("waypoints", len(waypoints)).Msg("routing unavailable")
		return Legs{}, false
	}
	metrics.RoutingRequests.WithLabelValues("ok").Inc()
	if c.cache != nil && key != "" {
		if b, err := json.Marshal(legs); err == nil {
			if err := c.cache.Set(ctx, key, string(b)); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("routing cache write failed")
			}
		}
	}
	return legs, true
}

func (c *Client) fetch(ctx context.Context, waypoints []geo.Point) (Legs, error) {
	coords := make([]string, 0, len(waypoints))
	for _, p := range waypoints {
		if !p.Valid() {
			return Legs{}, fmt.Errorf("invalid waypoint %v", p)
		}
		coords = append(coords, strconv.FormatFloat(p.Lng, 'f', 6, 64)+","+strconv.FormatFloat(p.Lat, 'f', 6, 64))
	}
	url := c.base + "/route/v1/driving/" + strings.Join(coords, ";") + "?overview=false"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Legs{}, err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RoutingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return Legs{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Legs{}, fmt.Errorf("routing status %d", resp.StatusCode)
	}
	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Legs{}, fmt.Errorf("decode routing response: %w", err)
	}
	if body.Code != "" && body.Code != "Ok" {
		return Legs{}, fmt.Errorf("routing code %s", body.Code)
	}
	if len(body.Routes) == 0 || len(body.Routes[0].Legs) == 0 {
		return Legs{}, fmt.Errorf("routing response has no legs")
	}
	out := Legs{Rest: make([]float64, 0, len(body.Routes[0].Legs)-1)}
	for i, l := range body.Routes[0].Legs {
		if l.Duration < 0 || math.IsNaN(l.Duration) {
			return Legs{}, fmt.Errorf("routing leg %d has invalid duration", i)
		}
		if i == 0 {
			out.First = l.Duration
			continue
		}
		out.Rest = append(out.Rest, l.Duration)
	}
	return out, nil
}
