// Package storage implements the persistence and aggregation-query backend
// described in spec §4.5: a Postgres-backed store for location and log
// events, optional (no-op on writes, query-rejecting) when unconfigured.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/TrainLCD/THQ/internal/domain"
	"github.com/TrainLCD/THQ/internal/logging"
	"github.com/TrainLCD/THQ/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS location_logs (
	id text PRIMARY KEY,
	device text NOT NULL,
	state text NOT NULL,
	station_id integer,
	line_id integer NOT NULL,
	segment_id text,
	from_station_id integer,
	to_station_id integer,
	latitude double precision NOT NULL,
	longitude double precision NOT NULL,
	accuracy double precision,
	speed double precision NOT NULL,
	timestamp bigint NOT NULL,
	recorded_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS location_logs_device_idx ON location_logs (device);
CREATE INDEX IF NOT EXISTS location_logs_segment_id_idx ON location_logs (segment_id);

CREATE TABLE IF NOT EXISTS log_events (
	id text PRIMARY KEY,
	device text NOT NULL,
	log_type text NOT NULL,
	log_level text NOT NULL,
	message text NOT NULL,
	timestamp bigint NOT NULL,
	recorded_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS log_events_device_idx ON log_events (device);
`

// additive migrations applied best-effort after table creation, matching
// spec §6.5's "additive column migrations are applied best-effort".
var migrations = []string{
	`ALTER TABLE location_logs ADD COLUMN IF NOT EXISTS recorded_at timestamptz NOT NULL DEFAULT now()`,
}

// ErrNotConfigured is returned by query methods when no database URL was
// configured.
var ErrNotConfigured = fmt.Errorf("storage: no database configured")

// Storage wraps an optional Postgres connection pool.
type Storage struct {
	db  *sqlx.DB
	log *logging.Logger
}

// Connect opens the pool (min=1,max=5,acquire timeout 5s) and prepares the
// schema. An empty databaseURL yields a Storage that no-ops on writes and
// rejects queries.
func Connect(ctx context.Context, databaseURL string, log *logging.Logger) (*Storage, error) {
	if log == nil {
		log = logging.L()
	}
	log = log.With(logging.String("component", "storage"))
	if databaseURL == "" {
		log.Info("storage disabled: no database url configured")
		return &Storage{log: log}, nil
	}
	log.Info("connecting to storage", logging.String("database_url", maskPassword(databaseURL)))
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)

	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(acquireCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Storage{db: db, log: log}
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewForTest constructs a Storage around an already-open sqlx.DB, bypassing
// Connect's schema preparation. Exported for other packages' tests that
// need an "enabled" Storage backed by a sqlmock connection.
func NewForTest(db *sqlx.DB) *Storage {
	return &Storage{db: db, log: logging.NewTestLogger()}
}

func (s *Storage) prepare(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.Warn("best-effort migration failed", logging.Error(err))
		}
	}
	return nil
}

// Enabled reports whether a database connection is configured.
func (s *Storage) Enabled() bool {
	return s != nil && s.db != nil
}

// StoreLocation inserts a location row, silently ignoring a duplicate id.
func (s *Storage) StoreLocation(ctx context.Context, loc domain.OutgoingLocation) error {
	if !s.Enabled() {
		return nil
	}
	const query = `
INSERT INTO location_logs
	(id, device, state, station_id, line_id, segment_id, from_station_id, to_station_id,
	 latitude, longitude, accuracy, speed, timestamp)
VALUES
	(:id, :device, :state, :station_id, :line_id, :segment_id, :from_station_id, :to_station_id,
	 :latitude, :longitude, :accuracy, :speed, :timestamp)
ON CONFLICT (id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, query, locationRow(loc))
	if err != nil {
		metrics.IncStorageWriteFailure("location_logs")
		return fmt.Errorf("store location: %w", err)
	}
	return nil
}

// StoreLog inserts a log row, silently ignoring a duplicate id.
func (s *Storage) StoreLog(ctx context.Context, l domain.OutgoingLog) error {
	if !s.Enabled() {
		return nil
	}
	const query = `
INSERT INTO log_events (id, device, log_type, log_level, message, timestamp)
VALUES (:id, :device, :log_type, :log_level, :message, :timestamp)
ON CONFLICT (id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, query, logRow(l))
	if err != nil {
		metrics.IncStorageWriteFailure("log_events")
		return fmt.Errorf("store log: %w", err)
	}
	return nil
}

type locationRowFields struct {
	ID            string          `db:"id"`
	Device        string          `db:"device"`
	State         string          `db:"state"`
	StationID     sql.NullInt64   `db:"station_id"`
	LineID        int             `db:"line_id"`
	SegmentID     sql.NullString  `db:"segment_id"`
	FromStationID sql.NullInt64   `db:"from_station_id"`
	ToStationID   sql.NullInt64   `db:"to_station_id"`
	Latitude      float64         `db:"latitude"`
	Longitude     float64         `db:"longitude"`
	Accuracy      sql.NullFloat64 `db:"accuracy"`
	Speed         float64         `db:"speed"`
	Timestamp     int64           `db:"timestamp"`
}

func locationRow(loc domain.OutgoingLocation) locationRowFields {
	row := locationRowFields{
		ID:        loc.ID,
		Device:    loc.Device,
		State:     string(loc.State),
		LineID:    loc.LineID,
		Latitude:  loc.Coords.Latitude,
		Longitude: loc.Coords.Longitude,
		Timestamp: loc.Timestamp,
	}
	if loc.StationID != nil {
		row.StationID = sql.NullInt64{Int64: int64(*loc.StationID), Valid: true}
	}
	if loc.SegmentID != nil {
		row.SegmentID = sql.NullString{String: *loc.SegmentID, Valid: true}
	}
	if loc.FromStationID != nil {
		row.FromStationID = sql.NullInt64{Int64: int64(*loc.FromStationID), Valid: true}
	}
	if loc.ToStationID != nil {
		row.ToStationID = sql.NullInt64{Int64: int64(*loc.ToStationID), Valid: true}
	}
	if loc.Coords.Accuracy != nil {
		row.Accuracy = sql.NullFloat64{Float64: *loc.Coords.Accuracy, Valid: true}
	}
	if loc.Coords.Speed != nil {
		row.Speed = *loc.Coords.Speed
	}
	return row
}

type logRowFields struct {
	ID        string `db:"id"`
	Device    string `db:"device"`
	LogType   string `db:"log_type"`
	LogLevel  string `db:"log_level"`
	Message   string `db:"message"`
	Timestamp int64  `db:"timestamp"`
}

func logRow(l domain.OutgoingLog) logRowFields {
	return logRowFields{
		ID:        l.ID,
		Device:    l.Device,
		LogType:   string(l.Log.Type),
		LogLevel:  string(l.Log.Level),
		Message:   l.Log.Message,
		Timestamp: l.Timestamp,
	}
}

// TruncUnit is the bucket truncation granularity for aggregation queries.
type TruncUnit string

const (
	TruncMinute TruncUnit = "minute"
	TruncHour   TruncUnit = "hour"
	TruncDay    TruncUnit = "day"
)

// AccuracyBucket is one row of the aggregation query result.
type AccuracyBucket struct {
	BucketStart  time.Time `db:"bucket_start"`
	BucketEnd    time.Time `db:"-"`
	AvgAccuracy  float64   `db:"avg_accuracy"`
	P90Accuracy  float64   `db:"p90_accuracy"`
	SampleCount  int64     `db:"sample_count"`
	AvgSpeed     float64   `db:"avg_speed"`
	MaxSpeed     float64   `db:"max_speed"`
}

// FetchLineAccuracy groups location_logs rows for lineID whose timestamp
// falls in [from, to) and whose accuracy is not null, by a bucket of width
// bucketSeconds (epoch seconds floored to a multiple of bucketSeconds);
// trunc is not used by the query. Rows are ordered ascending by
// bucket_start and capped at limit.
func (s *Storage) FetchLineAccuracy(ctx context.Context, lineID int, from, to time.Time, trunc TruncUnit, bucketSeconds int, limit int) ([]AccuracyBucket, error) {
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}
	const query = `
SELECT
	bucket_start,
	AVG(accuracy) AS avg_accuracy,
	PERCENTILE_CONT(0.9) WITHIN GROUP (ORDER BY accuracy) AS p90_accuracy,
	COUNT(*) AS sample_count,
	AVG(speed) AS avg_speed,
	MAX(speed) AS max_speed
FROM (
	SELECT
		to_timestamp(floor(extract(epoch FROM to_timestamp(timestamp / 1000.0)) / $5) * $5) AS bucket_start,
		accuracy,
		speed
	FROM location_logs
	WHERE line_id = $1
	  AND timestamp >= $2 AND timestamp < $3
	  AND accuracy IS NOT NULL
) bucketed
GROUP BY bucket_start
ORDER BY bucket_start ASC
LIMIT $4`
	rows := []AccuracyBucket{}
	err := s.db.SelectContext(ctx, &rows, query, lineID, from.UnixMilli(), to.UnixMilli(), limit, bucketSeconds)
	if err != nil {
		return nil, fmt.Errorf("fetch line accuracy: %w", err)
	}
	for i := range rows {
		rows[i].BucketEnd = rows[i].BucketStart.Add(time.Duration(bucketSeconds) * time.Second)
	}
	_ = trunc // the caller derives bucketSeconds from the unit; see graphqlapi.bucketWidth.
	return rows, nil
}

// maskPassword redacts the password component of a Postgres connection
// string/URL before it is logged.
func maskPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		// Not URL form (e.g. a key=value DSN): mask the whole string.
		return "***"
	}
	if u.User == nil {
		return u.Redacted()
	}
	return u.Redacted()
}
