// Package topology loads and serves the per-line station adjacency graphs
// the Segment Estimator queries. A Graph is immutable after Load and is
// shared by reference, per spec §9's "Reference topology" note.
package topology

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/TrainLCD/THQ/internal/logging"
)

// Graph holds, per line id, the set of known stations and their adjacency.
type Graph struct {
	stations  map[int][]int       // lineID -> sorted, deduplicated station ids
	neighbors map[int]map[int][]int // lineID -> stationID -> sorted, deduplicated neighbor ids
}

// Empty returns a Graph with no lines loaded; used when no topology path is
// configured.
func Empty() *Graph {
	return &Graph{stations: map[int][]int{}, neighbors: map[int]map[int][]int{}}
}

// HasLine reports whether the graph has an entry for lineID.
func (g *Graph) HasLine(lineID int) bool {
	if g == nil {
		return false
	}
	_, ok := g.stations[lineID]
	return ok
}

// Stations returns the sorted, deduplicated station ids for a line.
func (g *Graph) Stations(lineID int) []int {
	if g == nil {
		return nil
	}
	return g.stations[lineID]
}

// Neighbors returns the sorted, deduplicated neighbor ids of stationID on
// lineID.
func (g *Graph) Neighbors(lineID, stationID int) []int {
	if g == nil {
		return nil
	}
	byStation, ok := g.neighbors[lineID]
	if !ok {
		return nil
	}
	return byStation[stationID]
}

// AreAdjacent reports whether a and b are neighbors on lineID.
func (g *Graph) AreAdjacent(lineID, a, b int) bool {
	for _, n := range g.Neighbors(lineID, a) {
		if n == b {
			return true
		}
	}
	return false
}

type builder struct {
	stations  map[int]map[int]struct{}
	neighbors map[int]map[int]map[int]struct{}
}

func newBuilder() *builder {
	return &builder{
		stations:  map[int]map[int]struct{}{},
		neighbors: map[int]map[int]map[int]struct{}{},
	}
}

func (b *builder) addStation(line, station int) {
	if b.stations[line] == nil {
		b.stations[line] = map[int]struct{}{}
	}
	b.stations[line][station] = struct{}{}
	if b.neighbors[line] == nil {
		b.neighbors[line] = map[int]map[int]struct{}{}
	}
	if b.neighbors[line][station] == nil {
		b.neighbors[line][station] = map[int]struct{}{}
	}
}

func (b *builder) addEdge(line, a, z int) {
	b.addStation(line, a)
	b.addStation(line, z)
	b.neighbors[line][a][z] = struct{}{}
	b.neighbors[line][z][a] = struct{}{}
}

func (b *builder) build() *Graph {
	g := &Graph{stations: map[int][]int{}, neighbors: map[int]map[int][]int{}}
	for line, set := range b.stations {
		ids := make([]int, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		g.stations[line] = ids
	}
	for line, byStation := range b.neighbors {
		g.neighbors[line] = map[int][]int{}
		for station, set := range byStation {
			ids := make([]int, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			g.neighbors[line][station] = ids
		}
	}
	return g
}

// Load reads a topology file. JSON files map "<line_id>" to an ordered
// station sequence (a simple path, adjacency from array position). CSV
// files have header line_cd,station_cd1,station_cd2 and are treated as
// undirected edges; disconnected components are permitted (logged as a
// warning). Files with an unrecognized extension are tried as JSON, then
// as CSV.
func Load(path string, log *logging.Logger) (*Graph, error) {
	if log == nil {
		log = logging.L()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSON(data)
	case ".csv":
		return loadCSV(data, log)
	default:
		if g, jsonErr := loadJSON(data); jsonErr == nil {
			return g, nil
		} else if g, csvErr := loadCSV(data, log); csvErr == nil {
			return g, nil
		} else {
			return nil, fmt.Errorf("unrecognized topology format: json error (%v), csv error (%v)", jsonErr, csvErr)
		}
	}
}

func loadJSON(data []byte) (*Graph, error) {
	var raw map[string][]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse topology json: %w", err)
	}
	b := newBuilder()
	for key, stations := range raw {
		lineID, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("topology line id %q is not numeric: %w", key, err)
		}
		for _, id := range stations {
			b.addStation(lineID, id)
		}
		for i := 0; i+1 < len(stations); i++ {
			b.addEdge(lineID, stations[i], stations[i+1])
		}
	}
	return b.build(), nil
}

func loadCSV(data []byte, log *logging.Logger) (*Graph, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse topology csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty topology csv")
	}
	header := records[0]
	if len(header) < 3 || strings.TrimSpace(header[0]) != "line_cd" {
		return nil, fmt.Errorf("topology csv missing line_cd,station_cd1,station_cd2 header")
	}
	b := newBuilder()
	for _, row := range records[1:] {
		if len(row) < 3 {
			continue
		}
		line, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, fmt.Errorf("topology csv line_cd %q is not numeric: %w", row[0], err)
		}
		a, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("topology csv station_cd1 %q is not numeric: %w", row[1], err)
		}
		z, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			return nil, fmt.Errorf("topology csv station_cd2 %q is not numeric: %w", row[2], err)
		}
		b.addEdge(line, a, z)
	}
	g := b.build()
	for line := range g.stations {
		if !isConnected(g, line) {
			log.Warn("topology line graph has disconnected components", logging.Int("line_id", line))
		}
	}
	return g, nil
}

func isConnected(g *Graph, line int) bool {
	stations := g.stations[line]
	if len(stations) <= 1 {
		return true
	}
	visited := map[int]struct{}{stations[0]: {}}
	queue := []int{stations[0]}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, n := range g.neighbors[line][current] {
			if _, ok := visited[n]; !ok {
				visited[n] = struct{}{}
				queue = append(queue, n)
			}
		}
	}
	return len(visited) == len(stations)
}
