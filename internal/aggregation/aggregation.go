// Package aggregation implements the Aggregation Query Resolver described
// in spec §4.6: parameter validation around Storage.FetchLineAccuracy.
package aggregation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/TrainLCD/THQ/internal/logging"
	"github.com/TrainLCD/THQ/internal/storage"
)

const hardBucketCap = 2000

const (
	defaultLimit = 500
	minLimit     = 1
	maxLimit     = 2000
)

// maxSpan returns the maximum allowed [from,to) span for a bucket unit.
func maxSpan(unit storage.TruncUnit) (time.Duration, error) {
	switch unit {
	case storage.TruncMinute:
		return 7 * 24 * time.Hour, nil
	case storage.TruncHour:
		return 90 * 24 * time.Hour, nil
	case storage.TruncDay:
		return 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown bucket size %q", unit)
	}
}

// Bucket is the public result shape for one time bucket.
type Bucket struct {
	BucketStart time.Time
	BucketEnd   time.Time
	AvgAccuracy float64
	P90Accuracy float64
	SampleCount int64
	AvgSpeed    float64
	MaxSpeed    float64
}

// Report is the result of an accuracy-by-line query.
type Report struct {
	LineID  int
	Buckets []Bucket
}

// Resolver wraps Storage with the validation rules from spec §4.6.
type Resolver struct {
	store *storage.Storage
	log   *logging.Logger
}

// New constructs a Resolver.
func New(store *storage.Storage, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.L()
	}
	return &Resolver{store: store, log: log.With(logging.String("component", "aggregation"))}
}

// AccuracyByLine validates parameters and runs the aggregation query.
// lineIDRaw must be a numeric string (matching the wire representation of
// the GraphQL ID! scalar). bucketSeconds determines the bucket width used
// by the SQL query; unit determines the max allowed span and is passed to
// Storage, whose query does not use it.
func (r *Resolver) AccuracyByLine(ctx context.Context, lineIDRaw string, from, to time.Time, unit storage.TruncUnit, bucketSeconds int, limit int) (*Report, error) {
	if !r.store.Enabled() {
		return nil, fmt.Errorf("reports unavailable: storage is not configured")
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("from must be strictly before to")
	}
	span, err := maxSpan(unit)
	if err != nil {
		return nil, err
	}
	if to.Sub(from) > span {
		return nil, fmt.Errorf("requested span exceeds maximum of %s for bucket size %q", span, unit)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	estimatedBuckets := estimateBucketCount(from, to, bucketSeconds)
	if estimatedBuckets > hardBucketCap {
		return nil, fmt.Errorf("estimated bucket count %d exceeds hard cap %d", estimatedBuckets, hardBucketCap)
	}
	lineID, err := strconv.Atoi(lineIDRaw)
	if err != nil {
		return nil, fmt.Errorf("line_id must be numeric: %w", err)
	}

	start := time.Now()
	rows, err := r.store.FetchLineAccuracy(ctx, lineID, from, to, unit, bucketSeconds, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch line accuracy: %w", err)
	}
	r.log.Debug("accuracy_by_line resolved",
		logging.Int("line_id", lineID),
		logging.Int64("duration_ms", time.Since(start).Milliseconds()))

	buckets := make([]Bucket, 0, len(rows))
	for _, row := range rows {
		buckets = append(buckets, Bucket{
			BucketStart: row.BucketStart,
			BucketEnd:   row.BucketEnd,
			AvgAccuracy: row.AvgAccuracy,
			P90Accuracy: row.P90Accuracy,
			SampleCount: row.SampleCount,
			AvgSpeed:    row.AvgSpeed,
			MaxSpeed:    row.MaxSpeed,
		})
	}
	return &Report{LineID: lineID, Buckets: buckets}, nil
}

// estimateBucketCount returns ceil((to-from)/bucketSeconds).
func estimateBucketCount(from, to time.Time, bucketSeconds int) int64 {
	if bucketSeconds <= 0 {
		return 0
	}
	totalSeconds := to.Sub(from).Seconds()
	buckets := int64(totalSeconds) / int64(bucketSeconds)
	if int64(totalSeconds)%int64(bucketSeconds) != 0 {
		buckets++
	}
	return buckets
}
