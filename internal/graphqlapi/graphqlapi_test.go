package graphqlapi

import (
	"context"
	"testing"

	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/require"

	"github.com/TrainLCD/THQ/internal/storage"
)

func TestNewBuildsSchemaWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		New(&storage.Storage{}, nil)
	})
}

func TestAccuracyByLineRejectsInvalidBucketSize(t *testing.T) {
	r := New(&storage.Storage{}, nil)
	result := graphql.Do(graphql.Params{
		Schema:        r.schema,
		RequestString: `{ accuracyByLine(lineId: "1", from: "2026-01-01T00:00:00Z", to: "2026-01-02T00:00:00Z", bucketSize: "Fortnight") { lineId } }`,
		Context:       context.Background(),
	})
	require.True(t, result.HasErrors())
}

func TestAccuracyByLineRejectsMalformedTimestamps(t *testing.T) {
	r := New(&storage.Storage{}, nil)
	result := graphql.Do(graphql.Params{
		Schema:        r.schema,
		RequestString: `{ accuracyByLine(lineId: "1", from: "not-a-date", to: "2026-01-02T00:00:00Z") { lineId } }`,
		Context:       context.Background(),
	})
	require.True(t, result.HasErrors())
}

func TestAccuracyByLineSurfacesStorageDisabledError(t *testing.T) {
	r := New(&storage.Storage{}, nil)
	result := graphql.Do(graphql.Params{
		Schema:        r.schema,
		RequestString: `{ accuracyByLine(lineId: "1", from: "2026-01-01T00:00:00Z", to: "2026-01-02T00:00:00Z") { lineId } }`,
		Context:       context.Background(),
	})
	require.True(t, result.HasErrors())
	require.Contains(t, result.Errors[0].Message, "storage is not configured")
}

func TestBucketWidthMapsAllSizes(t *testing.T) {
	unit, seconds, err := bucketWidth("Minute")
	require.NoError(t, err)
	require.Equal(t, storage.TruncMinute, unit)
	require.Equal(t, 60, seconds)

	unit, seconds, err = bucketWidth("Day")
	require.NoError(t, err)
	require.Equal(t, storage.TruncDay, unit)
	require.Equal(t, 86400, seconds)

	_, _, err = bucketWidth("Fortnight")
	require.Error(t, err)
}
