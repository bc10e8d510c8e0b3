package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TrainLCD/THQ/internal/domain"
	"github.com/TrainLCD/THQ/internal/topology"
)

func loadGraph(t *testing.T, json string) *topology.Graph {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topo.json")
	require.NoError(t, os.WriteFile(path, []byte(json), 0o644))
	g, err := topology.Load(path, nil)
	require.NoError(t, err)
	return g
}

func stationEvent(device string, line, station int, state domain.MovementState, ts int64) *domain.OutgoingLocation {
	return &domain.OutgoingLocation{
		Device:    device,
		LineID:    line,
		State:     state,
		StationID: &station,
		Timestamp: ts,
	}
}

func TestInfersSegmentFromBackToBackStationEvents(t *testing.T) {
	g := loadGraph(t, `{"1":[101,102,103,104]}`)
	est := New(g)

	first := stationEvent("d", 1, 101, domain.StateArrived, 1000)
	est.Annotate(first)
	require.Nil(t, first.SegmentID)

	second := stationEvent("d", 1, 102, domain.StateArrived, 2000)
	est.Annotate(second)
	require.NotNil(t, second.SegmentID)
	require.Equal(t, "1:101:102", *second.SegmentID)
	require.Equal(t, 101, *second.FromStationID)
	require.Equal(t, 102, *second.ToStationID)
}

func TestNonAdjacentStationEventEmitsNoSegment(t *testing.T) {
	g := loadGraph(t, `{"1":[101,102,103,104]}`)
	est := New(g)
	est.Annotate(stationEvent("d", 1, 101, domain.StateArrived, 1000))
	third := stationEvent("d", 1, 103, domain.StateArrived, 2000)
	est.Annotate(third)
	require.Nil(t, third.SegmentID)
}

func TestMovingWithoutPreviousStationPicksSmallestNeighbor(t *testing.T) {
	g := loadGraph(t, `{"1":[101,102,103,104]}`)
	est := New(g)
	est.Annotate(stationEvent("d", 1, 102, domain.StateArrived, 1000))

	moving := &domain.OutgoingLocation{Device: "d", LineID: 1, State: domain.StateMoving, Timestamp: 2000}
	est.Annotate(moving)
	require.NotNil(t, moving.SegmentID)
	require.Equal(t, "1:102:101", *moving.SegmentID)
}

func TestContinuousPrefersNonPreviousNeighbor(t *testing.T) {
	g := loadGraph(t, `{"1":[101,102,103]}`)
	est := New(g)
	est.Annotate(stationEvent("d", 1, 101, domain.StateArrived, 1000))
	est.Annotate(stationEvent("d", 1, 102, domain.StateArrived, 2000))

	moving := &domain.OutgoingLocation{Device: "d", LineID: 1, State: domain.StateMoving, Timestamp: 3000}
	est.Annotate(moving)
	require.NotNil(t, moving.SegmentID)
	require.Equal(t, "1:102:103", *moving.SegmentID)
}

func TestContinuousEmitsNoSegmentWhenOnlyNeighborIsPrevious(t *testing.T) {
	g := loadGraph(t, `{"1":[101,102]}`)
	est := New(g)
	est.Annotate(stationEvent("d", 1, 101, domain.StateArrived, 1000))
	est.Annotate(stationEvent("d", 1, 102, domain.StateArrived, 2000))

	moving := &domain.OutgoingLocation{Device: "d", LineID: 1, State: domain.StateMoving, Timestamp: 3000}
	est.Annotate(moving)
	require.Nil(t, moving.SegmentID)
}

func TestUnknownLineLeavesLocationUnchanged(t *testing.T) {
	est := New(topology.Empty())
	loc := stationEvent("d", 99, 101, domain.StateArrived, 1000)
	est.Annotate(loc)
	require.Nil(t, loc.SegmentID)
}

func TestUnknownStationDoesNotAdvanceTrack(t *testing.T) {
	g := loadGraph(t, `{"1":[101,102,103]}`)
	est := New(g)
	est.Annotate(stationEvent("d", 1, 101, domain.StateArrived, 1000))
	unknown := stationEvent("d", 1, 999, domain.StateArrived, 2000)
	est.Annotate(unknown)
	require.Nil(t, unknown.SegmentID)

	// Track should still be at 101, so arriving at 102 next yields 101->102.
	next := stationEvent("d", 1, 102, domain.StateArrived, 3000)
	est.Annotate(next)
	require.NotNil(t, next.SegmentID)
	require.Equal(t, "1:101:102", *next.SegmentID)
}

func TestLineChangeResetsTrack(t *testing.T) {
	g := loadGraph(t, `{"1":[101,102],"2":[201,202]}`)
	est := New(g)
	est.Annotate(stationEvent("d", 1, 101, domain.StateArrived, 1000))
	switched := stationEvent("d", 2, 201, domain.StateArrived, 2000)
	est.Annotate(switched)
	require.Nil(t, switched.SegmentID)
}

func TestDisconnectedComponentsPermitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topo.csv")
	require.NoError(t, os.WriteFile(path, []byte("line_cd,station_cd1,station_cd2\n1,101,102\n1,201,202\n"), 0o644))
	g, err := topology.Load(path, nil)
	require.NoError(t, err)
	est := New(g)
	est.Annotate(stationEvent("d", 1, 101, domain.StateArrived, 1000))
	loc := stationEvent("d", 1, 201, domain.StateArrived, 2000)
	est.Annotate(loc)
	require.Nil(t, loc.SegmentID)
}

func TestPrunesStaleDeviceTracks(t *testing.T) {
	g := loadGraph(t, `{"1":[101,102]}`)
	est := New(g)
	est.Annotate(stationEvent("d1", 1, 101, domain.StateArrived, 1000))
	require.Equal(t, 1, est.TrackCount())

	sevenHoursLaterMs := int64(1000) + 7*3600*1000
	est.Annotate(stationEvent("d2", 1, 101, domain.StateArrived, sevenHoursLaterMs))
	require.Equal(t, 1, est.TrackCount())
}
