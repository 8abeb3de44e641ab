package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/Sandeepjatav78/Raahi/internal/geo"
	"github.com/Sandeepjatav78/Raahi/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Dialect selects the SQL driver behind a SQL store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQL is a database/sql backed Store. Postgres goes through the pgx stdlib
// driver and SQLite through the pure-Go modernc driver; both share one schema.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	writeMu sync.Mutex // sqlite allows a single writer
}

// NewPostgres connects to Postgres, retrying with exponential backoff until ctx is done.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := pingWithBackoff(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SQL{db: db, dialect: DialectPostgres}, nil
}

// NewSQLite opens a SQLite database file. Use ":memory:" for an ephemeral database.
func NewSQLite(ctx context.Context, path string) (*SQL, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQL{db: db, dialect: DialectSQLite}, nil
}

func pingWithBackoff(ctx context.Context, db *sql.DB) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := db.PingContext(pctx)
		if err != nil {
			log.Warn().Err(err).Msg("database not reachable yet")
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// q rewrites $N placeholders into the dialect's positional form.
func (s *SQL) q(query string) string {
	if s.dialect == DialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?$1")
	}
	return query
}

func (s *SQL) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.dialect == DialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

const tripColumns = `id, vehicle_id, driver_id, route_id, status, current_stop_index,
	last_lat, last_lng, last_speed, last_heading, last_ts, started_at, ended_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanTrip(row rowScanner) (model.Trip, error) {
	var (
		t                        model.Trip
		status                   string
		lat, lng, speed, heading sql.NullFloat64
		lastTS, endedAt          sql.NullInt64
		startedAt                int64
	)
	err := row.Scan(&t.ID, &t.VehicleID, &t.DriverID, &t.RouteID, &status, &t.CurrentStopIndex,
		&lat, &lng, &speed, &heading, &lastTS, &startedAt, &endedAt)
	if err != nil {
		return model.Trip{}, err
	}
	t.Status = model.TripStatus(status)
	t.StartedAt = time.UnixMilli(startedAt).UTC()
	if endedAt.Valid {
		e := time.UnixMilli(endedAt.Int64).UTC()
		t.EndedAt = &e
	}
	if lat.Valid && lng.Valid {
		p := &model.Position{Lat: lat.Float64, Lng: lng.Float64}
		if lastTS.Valid {
			p.Timestamp = time.UnixMilli(lastTS.Int64).UTC()
		}
		if speed.Valid {
			v := speed.Float64
			p.Speed = &v
		}
		if heading.Valid {
			v := heading.Float64
			p.Heading = &v
		}
		t.LastPosition = p
	}
	return t, nil
}

func (s *SQL) CreateTrip(ctx context.Context, t model.Trip) (model.Trip, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = model.TripOngoing
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO trips (id, vehicle_id, driver_id, route_id, status, current_stop_index, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.VehicleID, t.DriverID, t.RouteID, string(t.Status), t.CurrentStopIndex, t.StartedAt.UnixMilli())
	if err != nil {
		return model.Trip{}, fmt.Errorf("insert trip: %w", err)
	}
	return t, nil
}

func (s *SQL) GetTrip(ctx context.Context, id string) (model.Trip, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+tripColumns+` FROM trips WHERE id=$1`), id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trip{}, ErrNotFound
	}
	return t, err
}

func (s *SQL) ListActiveTrips(ctx context.Context) ([]model.Trip, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+tripColumns+` FROM trips WHERE status=$1 ORDER BY started_at`), string(model.TripOngoing))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []model.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQL) UpdateTripPosition(ctx context.Context, id string, pos model.Position) error {
	res, err := s.exec(ctx, `UPDATE trips SET last_lat=$2, last_lng=$3, last_speed=$4, last_heading=$5, last_ts=$6 WHERE id=$1`,
		id, pos.Lat, pos.Lng, nullFloat(pos.Speed), nullFloat(pos.Heading), pos.Timestamp.UnixMilli())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) SetTripStopIndex(ctx context.Context, id string, idx int) (int, error) {
	if s.dialect == DialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	var cur int
	err := s.db.QueryRowContext(ctx, s.q(`UPDATE trips
		SET current_stop_index = CASE WHEN current_stop_index < $2 THEN $2 ELSE current_stop_index END
		WHERE id=$1 RETURNING current_stop_index`), id, idx).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return cur, err
}

func (s *SQL) EndTrip(ctx context.Context, id string, endedAt time.Time) (model.Trip, error) {
	_, err := s.exec(ctx, `UPDATE trips SET status=$2, ended_at=$3 WHERE id=$1 AND status<>$2`,
		id, string(model.TripCompleted), endedAt.UnixMilli())
	if err != nil {
		return model.Trip{}, err
	}
	return s.GetTrip(ctx, id)
}

func (s *SQL) UpsertRoute(ctx context.Context, r model.Route) error {
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return err
	}
	path, err := json.Marshal(r.Path)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO routes (id, name, stops, path) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, stops = excluded.stops, path = excluded.path`,
		r.ID, r.Name, string(stops), string(path))
	if err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	return s.UpsertStops(ctx, r.ID, r.Stops)
}

func (s *SQL) GetRoute(ctx context.Context, id string) (model.Route, error) {
	var r model.Route
	var stops, path string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, stops, path FROM routes WHERE id=$1`), id).Scan(&r.ID, &r.Name, &stops, &path)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, err
	}
	if err := json.Unmarshal([]byte(stops), &r.Stops); err != nil {
		return model.Route{}, fmt.Errorf("decode route stops: %w", err)
	}
	var pts []geo.Point
	if err := json.Unmarshal([]byte(path), &pts); err != nil {
		return model.Route{}, fmt.Errorf("decode route path: %w", err)
	}
	r.Path = pts
	for i := range r.Stops {
		r.Stops[i].RouteID = r.ID
	}
	r.SegStats, err = s.segStats(ctx, id)
	return r, err
}

func (s *SQL) UpsertStops(ctx context.Context, routeID string, stops []model.Stop) error {
	for _, st := range stops {
		var seq any
		if st.Seq != nil {
			seq = *st.Seq
		}
		_, err := s.exec(ctx, `INSERT INTO stop_catalog (route_id, id, name, lat, lng, seq) VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (route_id, id) DO UPDATE SET name = excluded.name, lat = excluded.lat, lng = excluded.lng, seq = excluded.seq`,
			routeID, st.ID, st.Name, st.Lat, st.Lng, seq)
		if err != nil {
			return fmt.Errorf("upsert stop %s: %w", st.ID, err)
		}
	}
	return nil
}

func (s *SQL) ListStopsByRoute(ctx context.Context, routeID string) ([]model.Stop, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, name, lat, lng, seq FROM stop_catalog WHERE route_id=$1 ORDER BY seq, id`), routeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []model.Stop{}
	for rows.Next() {
		st := model.Stop{RouteID: routeID}
		var seq sql.NullInt64
		if err := rows.Scan(&st.ID, &st.Name, &st.Lat, &st.Lng, &seq); err != nil {
			return nil, err
		}
		if seq.Valid {
			n := int(seq.Int64)
			st.Seq = &n
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortStops(out)
	return out, nil
}

func (s *SQL) InsertStopEvent(ctx context.Context, e model.StopEvent) (model.StopEvent, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	var lat, lng any
	if e.Location != nil {
		lat, lng = e.Location.Lat, e.Location.Lng
	}
	_, err := s.exec(ctx, `INSERT INTO stop_events (id, trip_id, stop_index, stop_name, status, message, ts, lat, lng, source, eta_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.TripID, e.StopIndex, e.StopName, string(e.Status), e.Message, e.Timestamp.UnixMilli(),
		lat, lng, string(e.Source), nullFloat(e.ETAMinutes))
	if err != nil {
		return model.StopEvent{}, fmt.Errorf("insert stop event: %w", err)
	}
	return e, nil
}

func (s *SQL) ListStopEvents(ctx context.Context, tripID string) ([]model.StopEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, trip_id, stop_index, stop_name, status, message, ts, lat, lng, source, eta_minutes
		FROM stop_events WHERE trip_id=$1 ORDER BY ts, id`), tripID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []model.StopEvent{}
	for rows.Next() {
		var (
			e              model.StopEvent
			status, source string
			ts             int64
			lat, lng, eta  sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.TripID, &e.StopIndex, &e.StopName, &status, &e.Message, &ts, &lat, &lng, &source, &eta); err != nil {
			return nil, err
		}
		e.Status = model.EventStatus(status)
		e.Source = model.EventSource(source)
		e.Timestamp = time.UnixMilli(ts).UTC()
		if lat.Valid && lng.Valid {
			e.Location = &model.Position{Lat: lat.Float64, Lng: lng.Float64, Timestamp: e.Timestamp}
		}
		if eta.Valid {
			v := eta.Float64
			e.ETAMinutes = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQL) GetSegmentStats(ctx context.Context, routeID string) ([]model.SegmentStat, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM routes WHERE id=$1`), routeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.segStats(ctx, routeID)
}

func (s *SQL) segStats(ctx context.Context, routeID string) ([]model.SegmentStat, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT idx, avg_sec, samples FROM segment_stats WHERE route_id=$1 ORDER BY idx`), routeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []model.SegmentStat{}
	for rows.Next() {
		var idx int
		var st model.SegmentStat
		if err := rows.Scan(&idx, &st.AvgSec, &st.Samples); err != nil {
			return nil, err
		}
		for len(out) < idx {
			out = append(out, model.SegmentStat{})
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQL) SaveSegmentStat(ctx context.Context, routeID string, idx int, st model.SegmentStat) error {
	_, err := s.exec(ctx, `INSERT INTO segment_stats (route_id, idx, avg_sec, samples) VALUES ($1,$2,$3,$4)
		ON CONFLICT (route_id, idx) DO UPDATE SET avg_sec = excluded.avg_sec, samples = excluded.samples`,
		routeID, idx, st.AvgSec, st.Samples)
	if err != nil {
		return fmt.Errorf("save segment stat: %w", err)
	}
	return nil
}

func (s *SQL) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO subscriptions (id, vehicle_id, url, secret, stop_key, proximity_meters, proximity_minutes, last_alert_trip_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sub.ID, sub.VehicleID, sub.URL, sub.Secret, sub.StopKey, sub.ProximityMeters, sub.ProximityMinutes, sub.LastAlertTripID, sub.CreatedAt.UnixMilli())
	if err != nil {
		return model.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

func (s *SQL) ListSubscriptionsForVehicle(ctx context.Context, vehicleID string) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, vehicle_id, url, secret, stop_key, proximity_meters, proximity_minutes, last_alert_trip_id, created_at
		FROM subscriptions WHERE vehicle_id=$1 ORDER BY created_at`), vehicleID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []model.Subscription{}
	for rows.Next() {
		var sub model.Subscription
		var created int64
		if err := rows.Scan(&sub.ID, &sub.VehicleID, &sub.URL, &sub.Secret, &sub.StopKey,
			&sub.ProximityMeters, &sub.ProximityMinutes, &sub.LastAlertTripID, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) MarkSubscriptionAlerted(ctx context.Context, id, tripID string) error {
	res, err := s.exec(ctx, `UPDATE subscriptions SET last_alert_trip_id=$2 WHERE id=$1`, id, tripID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	now := time.Now().UnixMilli()
	_, err := s.exec(ctx, `INSERT INTO deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$8)`,
		id, subscriptionID, eventType, url, secret, string(payload), DeliveryPending, now)
	if err != nil {
		return "", fmt.Errorf("enqueue delivery: %w", err)
	}
	return id, nil
}

func (s *SQL) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at
		FROM deliveries WHERE status=$1 AND next_attempt_at <= $2 ORDER BY created_at LIMIT $3`),
		DeliveryPending, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []Delivery{}
	for rows.Next() {
		var d Delivery
		var payload string
		var next int64
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &payload, &d.Status, &d.Attempts, &next); err != nil {
			return nil, err
		}
		d.Payload = []byte(payload)
		d.NextAttemptAt = time.UnixMilli(next)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	var res sql.Result
	var err error
	if success {
		res, err = s.exec(ctx, `UPDATE deliveries SET status=$2, attempts=attempts+1, last_error=$3, response_code=$4, delivered_at=$5 WHERE id=$1`,
			id, DeliveryDelivered, lastError, responseCode, time.Now().UnixMilli())
	} else {
		next := time.Now()
		if nextAttemptAt != nil {
			next = *nextAttemptAt
		}
		res, err = s.exec(ctx, `UPDATE deliveries SET attempts=attempts+1, last_error=$2, response_code=$3, next_attempt_at=$4 WHERE id=$1`,
			id, lastError, responseCode, next.UnixMilli())
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) FailDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	res, err := s.exec(ctx, `UPDATE deliveries SET status=$2, attempts=attempts+1, last_error=$3, response_code=$4 WHERE id=$1`,
		id, DeliveryFailed, lastError, responseCode)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
