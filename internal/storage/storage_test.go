package storage

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/TrainLCD/THQ/internal/domain"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Storage{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestDisabledStorageNoOpsWrites(t *testing.T) {
	s := &Storage{}
	require.False(t, s.Enabled())
	require.NoError(t, s.StoreLocation(context.Background(), domain.OutgoingLocation{ID: "a"}))
	require.NoError(t, s.StoreLog(context.Background(), domain.OutgoingLog{ID: "a"}))
}

func TestDisabledStorageRejectsQueries(t *testing.T) {
	s := &Storage{}
	_, err := s.FetchLineAccuracy(context.Background(), 1, time.Now(), time.Now(), TruncHour, 3600, 500)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestStoreLocationIssuesIdempotentInsert(t *testing.T) {
	s, mock := newMockStorage(t)
	speed := 12.0
	loc := domain.OutgoingLocation{ID: "abc", Device: "d", State: domain.StateMoving, LineID: 1,
		Coords: domain.Coords{Latitude: 35, Longitude: 139, Speed: &speed}, Timestamp: 123}

	mock.ExpectExec("INSERT INTO location_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.StoreLocation(context.Background(), loc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLogIssuesIdempotentInsert(t *testing.T) {
	s, mock := newMockStorage(t)
	l := domain.OutgoingLog{ID: "abc", Device: "d", Timestamp: 123,
		Log: domain.LogPayload{Type: domain.LogTypeApp, Level: domain.LogLevelInfo, Message: "hello"}}

	mock.ExpectExec("INSERT INTO log_events").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.StoreLog(context.Background(), l))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchLineAccuracyReturnsBuckets(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"bucket_start", "avg_accuracy", "p90_accuracy", "sample_count", "avg_speed", "max_speed"}).
		AddRow(now, 5.5, 9.0, int64(3), 10.0, 20.0)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	buckets, err := s.FetchLineAccuracy(context.Background(), 1, now.Add(-time.Hour), now, TruncHour, 3600, 500)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, int64(3), buckets[0].SampleCount)
	require.Equal(t, buckets[0].BucketStart.Add(time.Hour), buckets[0].BucketEnd)
}
