package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phil-mansfield/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/gokde/config"
	"github.com/notargets/gokde/quickindex"
)

var testValues = []float64{0.01, 0.02, 0.1, 0.2, 0.1, 0.02, 0.01, 0.2, 0.1, 0.2}

// writePointTable writes x=0..4 at y=0.5 and x=0.5..4.5 at y=-0.5 with
// columns x, y, value, mask
func writePointTable(t *testing.T, dir string) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("# x y value mask\n")
	for i, v := range testValues {
		x, y := float64(i), 0.5
		if i >= 5 {
			x, y = float64(i%5)+0.5, -0.5
		}
		fmt.Fprintf(&sb, "%g %g %g 1\n", x, y, v)
	}
	path := filepath.Join(dir, "points.txt")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func testConfig(t *testing.T, ranks int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Kernel.BandwidthX = 1
	cfg.Input.File = writePointTable(t, dir)
	cfg.Input.ValueColumn = 2
	cfg.Input.MaskColumn = 3
	cfg.Output.File = filepath.Join(dir, "result.txt")
	cfg.Run.Ranks = ranks
	require.NoError(t, cfg.CheckInit())
	return cfg
}

func TestReadPoints(t *testing.T) {
	cfg := testConfig(t, 1)
	pts, err := readPoints(cfg)
	require.NoError(t, err)
	require.Len(t, pts.locs, 10)
	assert.Equal(t, [3]float64{3, 0, 0}, pts.locs[3], "1D input ignores y")
	assert.Equal(t, [3]float64{1.5, 0, 0}, pts.locs[6])
	assert.Equal(t, testValues, pts.values)
	assert.Equal(t, []int{1}, pts.groupIDs())
	assert.Nil(t, pts.weights)

	cfg.Input.File = filepath.Join(t.TempDir(), "missing.txt")
	_, err = readPoints(cfg)
	assert.Error(t, err)
}

func TestReconstruct_RanksAgree(t *testing.T) {
	uniform := []float64{0.01446, 0.0172074, 0.10425, 0.172074, 0.131586, 0.0172074, 0.040488, 0.172074, 0.131586, 0.15906}

	var results [][]float64
	for _, ranks := range []int{1, 3} {
		cfg := testConfig(t, ranks)
		pts, err := readPoints(cfg)
		require.NoError(t, err)
		res, err := reconstruct(cfg, pts)
		require.NoError(t, err)
		assert.InEpsilonSlice(t, uniform, res, 1e-4, "%d ranks", ranks)
		results = append(results, res)
	}
	assert.InDeltaSlice(t, results[0], results[1], 1e-12)
}

func TestReconstruct_WindowTooSmall(t *testing.T) {
	cfg := testConfig(t, 3)
	cfg.Index.MaxWindowSize = 1
	pts, err := readPoints(cfg)
	require.NoError(t, err)
	_, err = reconstruct(cfg, pts)
	assert.ErrorIs(t, err, quickindex.ErrWindowTooLarge)
}

func TestWriteResults(t *testing.T) {
	cfg := testConfig(t, 1)
	pts, err := readPoints(cfg)
	require.NoError(t, err)
	result := make([]float64, len(pts.values))
	for i := range result {
		result[i] = float64(i) / 3
	}
	require.NoError(t, writeResults(cfg.Output.File, cfg, pts, result))

	cols, err := table.ReadTable(cfg.Output.File, []int{0, 1, 2, 3}, nil)
	require.NoError(t, err)
	for i, loc := range pts.locs {
		assert.Equal(t, loc[0], cols[0][i])
	}
	assert.Equal(t, pts.values, cols[1])
	assert.Equal(t, result, cols[2])
	assert.InDeltaSlice(t, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, cols[3], 0)
}

func TestProfile(t *testing.T) {
	cfg := testConfig(t, 3)
	pts, err := readPoints(cfg)
	require.NoError(t, err)
	constant := make([]float64, len(pts.values))
	for i := range constant {
		constant[i] = 0.1
	}
	xs, ys, err := profile(cfg, pts, constant, 5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.45, 1.35, 2.25, 3.15, 4.05}, xs, 1e-12)
	assert.InDeltaSlice(t, []float64{0.1, 0.1, 0.1, 0.1, 0.1}, ys, 1e-12)
}

func TestMapWindow(t *testing.T) {
	req := windowRequest{center: [3]float64{2.25}, width: 2, bins: 4, mode: quickindex.MapMax}
	// rank 0 owns x=2 but its region ends at x=3, so rank 1 maps
	for ranks, owner := range map[int]int{1: 0, 3: 1} {
		cfg := testConfig(t, ranks)
		pts, err := readPoints(cfg)
		require.NoError(t, err)
		xs, ys, mapped, err := mapWindow(cfg, pts, req)
		require.NoError(t, err, "%d ranks", ranks)
		assert.InDeltaSlice(t, []float64{1.5, 2, 2.5, 3}, xs, 1e-12)
		assert.Equal(t, []float64{0.01, 0.1, 0.2, 0.2}, ys, "%d ranks", ranks)
		assert.Equal(t, owner, mapped, "%d ranks", ranks)
	}

	cfg := testConfig(t, 3)
	pts, err := readPoints(cfg)
	require.NoError(t, err)

	// x=1.5 belongs to rank 2, which covers the window ahead of rank 0
	assert.Equal(t, 6, nearestPoint(pts, [3]float64{1.5}, 1))
	xs, ys, mapped, err := mapWindow(cfg, pts, windowRequest{
		center: [3]float64{1.5}, width: 1, bins: 2, mode: quickindex.MapMax,
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.25, 1.75}, xs, 1e-12)
	assert.Equal(t, []float64{0.02, 0.1}, ys)
	assert.Equal(t, 2, mapped)

	// wider than the ghost region any rank holds
	req.width = 4
	_, _, _, err = mapWindow(cfg, pts, req)
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	cfg := testConfig(t, 3)
	dir := filepath.Dir(cfg.Output.File)
	cfgFile := filepath.Join(dir, "run.cfg")
	text := fmt.Sprintf(`[Index]
Dim = 1
Bins = 10

[Kernel]
BandwidthX = 1

[Input]
File = %s
ValueColumn = 2
MaskColumn = 3

[Output]
File = %s
Plot = %s

[Run]
Ranks = 3
`, cfg.Input.File, cfg.Output.File, filepath.Join(dir, "profile.png"))
	require.NoError(t, os.WriteFile(cfgFile, []byte(text), 0o644))

	run := func(args ...string) string {
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetArgs(args)
		require.NoError(t, root.Execute(), "%v", args)
		return out.String()
	}

	run("reconstruct", "--config", cfgFile, "--plot-bins", "9")
	for _, f := range []string{cfg.Output.File, filepath.Join(dir, "profile.png")} {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	out := run("window", "-c", cfgFile, "--x0", "2.25", "--width", "2", "--bins", "4", "--mode", "max")
	var xs, ys []float64
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var x, y float64
		_, err := fmt.Sscan(line, &x, &y)
		require.NoError(t, err, line)
		xs, ys = append(xs, x), append(ys, y)
	}
	assert.Equal(t, []float64{1.5, 2, 2.5, 3}, xs)
	assert.Equal(t, []float64{0.01, 0.1, 0.2, 0.2}, ys)

	assert.Equal(t, "gokde "+version+"\n", run("version"))
}
