package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJSONBuildsPathAdjacency(t *testing.T) {
	path := writeTemp(t, "topology.json", `{"1":[101,102,103,104]}`)
	g, err := Load(path, nil)
	require.NoError(t, err)
	require.True(t, g.HasLine(1))
	require.Equal(t, []int{101, 102, 103, 104}, g.Stations(1))
	require.Equal(t, []int{102}, g.Neighbors(1, 101))
	require.Equal(t, []int{101, 103}, g.Neighbors(1, 102))
	require.True(t, g.AreAdjacent(1, 101, 102))
	require.False(t, g.AreAdjacent(1, 101, 103))
}

func TestLoadCSVBuildsUndirectedAdjacency(t *testing.T) {
	path := writeTemp(t, "topology.csv", "line_cd,station_cd1,station_cd2\n1,101,102\n1,102,103\n")
	g, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, []int{101, 102, 103}, g.Stations(1))
	require.Equal(t, []int{101, 103}, g.Neighbors(1, 102))
}

func TestLoadCSVPermitsDisconnectedComponents(t *testing.T) {
	path := writeTemp(t, "topology.csv", "line_cd,station_cd1,station_cd2\n1,101,102\n1,201,202\n")
	g, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, []int{101, 102, 201, 202}, g.Stations(1))
	require.False(t, g.AreAdjacent(1, 102, 201))
}

func TestLoadUnknownExtensionTriesJSONThenCSV(t *testing.T) {
	jsonPath := writeTemp(t, "topology.dat", `{"1":[101,102]}`)
	g, err := Load(jsonPath, nil)
	require.NoError(t, err)
	require.True(t, g.HasLine(1))

	csvPath := writeTemp(t, "topology2.dat", "line_cd,station_cd1,station_cd2\n2,201,202\n")
	g2, err := Load(csvPath, nil)
	require.NoError(t, err)
	require.True(t, g2.HasLine(2))
}

func TestLoadUnknownExtensionReportsBothErrors(t *testing.T) {
	path := writeTemp(t, "topology.dat", "not json and not a valid csv header")
	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestEmptyGraphHasNoLines(t *testing.T) {
	g := Empty()
	require.False(t, g.HasLine(1))
	require.Nil(t, g.Neighbors(1, 101))
}
