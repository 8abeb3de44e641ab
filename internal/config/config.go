// Package config loads service configuration from defaults, an optional YAML
// file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Sandeepjatav78/Raahi/internal/eta"
	"github.com/Sandeepjatav78/Raahi/internal/ingest"
	"github.com/Sandeepjatav78/Raahi/internal/tracking"
)

type Config struct {
	Server   Server   `yaml:"server"`
	Store    Store    `yaml:"store"`
	Redis    Redis    `yaml:"redis"`
	NATS     NATS     `yaml:"nats"`
	Routing  Routing  `yaml:"routing"`
	Tracking Tracking `yaml:"tracking"`
	Notify   Notify   `yaml:"notify"`
	Auth     Auth     `yaml:"auth"`
	Log      Log      `yaml:"log"`
}

type Server struct {
	Addr         string   `yaml:"addr" validate:"required"`
	AllowOrigins []string `yaml:"allowOrigins"`
}

type Store struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres sqlite"`
	DSN    string `yaml:"dsn" validate:"required_unless=Driver memory"`
}

type Redis struct {
	URL string `yaml:"url"` // empty disables the shared broker and routing cache
}

type NATS struct {
	URL          string `yaml:"url"`
	Subject      string `yaml:"subject" validate:"required"`
	EventsPrefix string `yaml:"eventsPrefix" validate:"required"`
	Inbound      bool   `yaml:"inbound"`
	Outbound     bool   `yaml:"outbound"`
}

type Routing struct {
	BaseURL          string        `yaml:"baseURL"` // empty disables routed legs
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	CacheTTL         time.Duration `yaml:"cacheTTL" validate:"gt=0"`
	ShortRangeMeters float64       `yaml:"shortRangeMeters" validate:"gte=0"`
}

type Tracking struct {
	ArrivalRadiusMeters   float64       `yaml:"arrivalRadiusMeters" validate:"gt=0"`
	LeaveRadiusMeters     float64       `yaml:"leaveRadiusMeters" validate:"gtefield=ArrivalRadiusMeters"`
	Sustain               time.Duration `yaml:"sustain" validate:"gte=0"`
	MinUpdateInterval     time.Duration `yaml:"minUpdateInterval" validate:"gte=0"`
	LookAhead             int           `yaml:"lookAhead" validate:"gte=0"`
	ETAAlpha              float64       `yaml:"etaAlpha" validate:"gt=0,lte=1"`
	SegAlpha              float64       `yaml:"segAlpha" validate:"gt=0,lte=1"`
	MinSpeedMps           float64       `yaml:"minSpeedMps" validate:"gte=0"`
	AssumedSpeedMps       float64       `yaml:"assumedSpeedMps" validate:"gt=0"`
	DefaultSegmentSeconds float64       `yaml:"defaultSegmentSeconds" validate:"gt=0"`
	ETAEmitDelta          time.Duration `yaml:"etaEmitDelta" validate:"gte=0"`
	StaleTripAfter        time.Duration `yaml:"staleTripAfter" validate:"gt=0"`
	SweepEvery            time.Duration `yaml:"sweepEvery" validate:"gt=0"`
	HeartbeatEvery        time.Duration `yaml:"heartbeatEvery" validate:"gt=0"`
	HeartbeatIdle         time.Duration `yaml:"heartbeatIdle" validate:"gt=0"`
	Workers               int           `yaml:"workers" validate:"gt=0"`
}

type Notify struct {
	MaxAttempts     int           `yaml:"maxAttempts" validate:"gt=0"`
	PollEvery       time.Duration `yaml:"pollEvery" validate:"gt=0"`
	DispatchTimeout time.Duration `yaml:"dispatchTimeout" validate:"gt=0"`
}

type Auth struct {
	Mode       string `yaml:"mode" validate:"oneof=dev hmac jwks"`
	HMACSecret string `yaml:"hmacSecret" validate:"required_if=Mode hmac"`
	Issuer     string `yaml:"issuer" validate:"required_unless=Mode dev"`
	Audience   string `yaml:"audience" validate:"required_unless=Mode dev"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8080", AllowOrigins: []string{"*"}},
		Store:  Store{Driver: "memory"},
		NATS:   NATS{Subject: "vehicles.>", EventsPrefix: "events"},
		Routing: Routing{
			Timeout:          1500 * time.Millisecond,
			CacheTTL:         15 * time.Second,
			ShortRangeMeters: 100,
		},
		Tracking: Tracking{
			ArrivalRadiusMeters:   75,
			LeaveRadiusMeters:     80,
			Sustain:               3 * time.Second,
			MinUpdateInterval:     time.Second,
			LookAhead:             5,
			ETAAlpha:              0.25,
			SegAlpha:              0.15,
			MinSpeedMps:           0.8,
			AssumedSpeedMps:       5,
			DefaultSegmentSeconds: 120,
			ETAEmitDelta:          5 * time.Second,
			StaleTripAfter:        12 * time.Hour,
			SweepEvery:            10 * time.Minute,
			HeartbeatEvery:        30 * time.Second,
			HeartbeatIdle:         15 * time.Second,
			Workers:               8,
		},
		Notify: Notify{MaxAttempts: 10, PollEvery: time.Second, DispatchTimeout: 5 * time.Second},
		Auth:   Auth{Mode: "dev"},
		Log:    Log{Level: "info"},
	}
}

// Load reads .env (if present), then path (if non-empty), then the
// environment, and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(c *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("ALLOW_ORIGINS"); v != "" {
		c.Server.AllowOrigins = splitList(v)
	}
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Store.DSN, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.NATS.Subject, "NATS_SUBJECT")
	setString(&c.Routing.BaseURL, "OSRM_BASE_URL")
	setString(&c.Auth.Mode, "AUTH_MODE")
	setString(&c.Auth.HMACSecret, "AUTH_HMAC_SECRET")
	setString(&c.Auth.Issuer, "AUTH_ISSUER")
	setString(&c.Auth.Audience, "AUTH_AUDIENCE")
	setString(&c.Log.Level, "LOG_LEVEL")

	if v := os.Getenv("STALE_TRIP_HOURS"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil || h <= 0 {
			return fmt.Errorf("invalid STALE_TRIP_HOURS: %q", v)
		}
		c.Tracking.StaleTripAfter = time.Duration(h * float64(time.Hour))
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid WEBHOOK_MAX_ATTEMPTS: %q", v)
		}
		c.Notify.MaxAttempts = n
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_PRETTY: %q", v)
		}
		c.Log.Pretty = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) TrackerConfig() tracking.Config {
	return tracking.Config{
		ArrivalRadius: c.Tracking.ArrivalRadiusMeters,
		LeaveRadius:   c.Tracking.LeaveRadiusMeters,
		Sustain:       c.Tracking.Sustain,
		LookAhead:     c.Tracking.LookAhead,
	}
}

func (c Config) ETAConfig() eta.Config {
	return eta.Config{
		Alpha:          c.Tracking.ETAAlpha,
		MinSpeed:       c.Tracking.MinSpeedMps,
		AssumedSpeed:   c.Tracking.AssumedSpeedMps,
		ShortRange:     c.Routing.ShortRangeMeters,
		RoutingTTL:     c.Routing.CacheTTL,
		EmitDelta:      c.Tracking.ETAEmitDelta,
		DefaultSegment: c.Tracking.DefaultSegmentSeconds,
	}
}

func (c Config) IngestConfig() ingest.Config {
	return ingest.Config{
		MinUpdateInterval: c.Tracking.MinUpdateInterval,
		MinSpeed:          c.Tracking.MinSpeedMps,
		NotifyTimeout:     c.Notify.DispatchTimeout,
		HeartbeatIdle:     c.Tracking.HeartbeatIdle,
		StaleTripAfter:    c.Tracking.StaleTripAfter,
		Workers:           c.Tracking.Workers,
	}
}

// Summary lists the effective settings without secrets.
func (c Config) Summary() map[string]any {
	return map[string]any{
		"addr":         c.Server.Addr,
		"allowOrigins": c.Server.AllowOrigins,
		"store":        c.Store.Driver,
		"redis":        c.Redis.URL != "",
		"nats":         c.NATS.URL != "",
		"routing":      c.Routing.BaseURL,
		"tracking":     c.Tracking,
		"notify":       c.Notify,
		"authMode":     c.Auth.Mode,
	}
}
