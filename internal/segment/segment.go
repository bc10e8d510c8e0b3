// Package segment implements the Segment Estimator: a per-device state
// machine that infers the (from_station, to_station) pair a device is
// currently traversing from a line topology graph and the sequence of
// location events observed for that device.
package segment

import (
	"fmt"
	"sync"
	"time"

	"github.com/TrainLCD/THQ/internal/domain"
	"github.com/TrainLCD/THQ/internal/topology"
)

const idleTTL = 6 * time.Hour

// track is the per-device running state described in spec §3/§4.3.
type track struct {
	lineID        int
	lastStation   *int
	prevStation   *int
	lastSegment   *Segment
	lastSeenMs    int64
}

// Segment is an inferred (from, to) pair on a line.
type Segment struct {
	LineID int
	From   int
	To     int
}

// ID formats the segment id as "<line_id>:<from>:<to>".
func (s Segment) ID() string {
	return fmt.Sprintf("%d:%d:%d", s.LineID, s.From, s.To)
}

// Estimator holds device tracks and the immutable topology it consults.
type Estimator struct {
	mu     sync.Mutex
	tracks map[string]*track
	topo   *topology.Graph
}

// New constructs an Estimator over the given topology graph.
func New(topo *topology.Graph) *Estimator {
	if topo == nil {
		topo = topology.Empty()
	}
	return &Estimator{tracks: map[string]*track{}, topo: topo}
}

// Annotate populates the segment fields on loc in place, applying the
// algorithm from spec §4.3. It mutates and persists device-track state as a
// side effect.
func (e *Estimator) Annotate(loc *domain.OutgoingLocation) {
	if !e.topo.HasLine(loc.LineID) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneLocked(loc.Timestamp)
	t, ok := e.tracks[loc.Device]
	if !ok {
		t = &track{lineID: loc.LineID}
		e.tracks[loc.Device] = t
	}
	t.lastSeenMs = loc.Timestamp

	if t.lineID != loc.LineID {
		*t = track{lineID: loc.LineID, lastSeenMs: loc.Timestamp}
	}

	var emitted *Segment
	if loc.State.IsStationEvent() {
		emitted = e.handleStationEvent(t, loc)
	} else if loc.State.IsContinuous() {
		emitted = e.handleContinuous(t, loc)
	}

	t.lastSegment = emitted
	applySegment(loc, emitted)
}

func (e *Estimator) handleStationEvent(t *track, loc *domain.OutgoingLocation) *Segment {
	if loc.StationID == nil {
		return nil
	}
	station := *loc.StationID
	if !stationKnown(e.topo, loc.LineID, station) {
		// Topology lookup failure: no segment, and the track is not
		// advanced to a station it doesn't know.
		return nil
	}

	var emitted *Segment
	if t.lastStation != nil && e.topo.AreAdjacent(loc.LineID, *t.lastStation, station) {
		emitted = &Segment{LineID: loc.LineID, From: *t.lastStation, To: station}
	}
	t.prevStation = t.lastStation
	t.lastStation = &station
	return emitted
}

func (e *Estimator) handleContinuous(t *track, loc *domain.OutgoingLocation) *Segment {
	if t.lastStation == nil {
		return nil
	}
	neighbors := e.topo.Neighbors(loc.LineID, *t.lastStation)
	chosen := pickNeighbor(neighbors, t.prevStation)
	if chosen == nil {
		return nil
	}
	return &Segment{LineID: loc.LineID, From: *t.lastStation, To: *chosen}
}

// pickNeighbor prefers a neighbor that is not prevStation; among remaining
// candidates (there is normally at most one, but ties break on smallest id)
// the smallest station id wins. If every neighbor equals prevStation, nil
// is returned (no segment, per spec §9 Open Question 2).
func pickNeighbor(neighbors []int, prevStation *int) *int {
	var best *int
	for _, n := range neighbors {
		n := n
		if prevStation != nil && n == *prevStation {
			continue
		}
		if best == nil || n < *best {
			best = &n
		}
	}
	return best
}

func stationKnown(topo *topology.Graph, lineID, station int) bool {
	for _, s := range topo.Stations(lineID) {
		if s == station {
			return true
		}
	}
	return false
}

func applySegment(loc *domain.OutgoingLocation, seg *Segment) {
	if seg == nil {
		loc.SegmentID = nil
		loc.FromStationID = nil
		loc.ToStationID = nil
		return
	}
	id := seg.ID()
	from := seg.From
	to := seg.To
	loc.SegmentID = &id
	loc.FromStationID = &from
	loc.ToStationID = &to
}

func (e *Estimator) pruneLocked(nowMs int64) {
	for device, t := range e.tracks {
		if nowMs-t.lastSeenMs > idleTTL.Milliseconds() {
			delete(e.tracks, device)
		}
	}
}

// TrackCount reports the number of live device tracks; exposed for tests.
func (e *Estimator) TrackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}
