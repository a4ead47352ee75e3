package quickindex

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
)

// MapMode selects how points falling into one grid cell are combined
type MapMode int

const (
	MapMax     MapMode = iota // Largest value
	MapMin                    // Smallest value
	MapAve                    // Mean of all values
	MapNearest                // Mean of the values closest to the cell center
)

func (m MapMode) String() string {
	switch m {
	case MapMax:
		return "max"
	case MapMin:
		return "min"
	case MapAve:
		return "ave"
	case MapNearest:
		return "nearest"
	}
	return fmt.Sprintf("MapMode(%d)", int(m))
}

// ParseMapMode accepts the names returned by MapMode.String
func ParseMapMode(s string) (MapMode, error) {
	for m := MapMax; m <= MapNearest; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMapMode, s)
}

// GridOptions are post-processing steps applied after aggregation
type GridOptions struct {
	// Fill copies the last populated cell into following empty cells.
	// The grid must have exactly one axis with more than one bin.
	Fill bool
	// Normalize rescales the cells so the grid sums to one
	Normalize bool
	// Bias shifts every cell by the magnitude of the most negative cell,
	// before normalization when both are set
	Bias bool
}

var (
	ErrInvalidMapMode = errors.New("invalid map mode")
	ErrInvalidGrid    = errors.New("invalid grid")
)

const softTol = 1e-12

func softZero(v float64) bool { return scalar.EqualWithinAbsOrRel(v, 0, softTol, softTol) }

// MapToGridWindow rasterizes local and ghost values onto a grid of bins
// cells spanning [wmin, wmax]. ghost is ignored unless the index is domain
// decomposed.
func (qi *Index) MapToGridWindow(local, ghost []float64, wmin, wmax [3]float64, bins [3]int,
	mode MapMode, opts GridOptions) ([]float64, error) {
	var ghostCh [][]float64
	if qi.decomposed {
		ghostCh = [][]float64{ghost}
	}
	grid, err := qi.MapChannelsToGridWindow([][]float64{local}, ghostCh, wmin, wmax, bins, mode, opts)
	if err != nil {
		return nil, err
	}
	return grid[0], nil
}

// MapChannelsToGridWindow maps several payloads at once. Cells are chosen
// from point locations, so every channel shares the same occupancy; bias
// and normalization are applied to each channel independently.
func (qi *Index) MapChannelsToGridWindow(local, ghost [][]float64, wmin, wmax [3]float64, bins [3]int,
	mode MapMode, opts GridOptions) ([][]float64, error) {
	if err := qi.checkGridWindow(local, ghost, wmin, wmax, bins, mode, opts); err != nil {
		return nil, err
	}

	nCells := 1
	for d := 0; d < qi.dim; d++ {
		nCells *= bins[d]
	}
	grid := make([][]float64, len(local))
	for v := range grid {
		grid[v] = make([]float64, nCells)
	}

	coarseBins, err := qi.WindowBins(wmin, wmax)
	if err != nil {
		return nil, err
	}

	count := make([]int, nCells)
	minDist := make([]float64, nCells)
	deposit := func(loc [3]float64, data [][]float64, p int) {
		cell, dist, ok := qi.windowCell(loc, wmin, wmax, bins)
		if !ok {
			return
		}
		switch {
		case count[cell] == 0:
			count[cell] = 1
			minDist[cell] = dist
			for v := range data {
				grid[v][cell] = data[v][p]
			}
		case mode == MapMax:
			for v := range data {
				grid[v][cell] = math.Max(grid[v][cell], data[v][p])
			}
		case mode == MapMin:
			for v := range data {
				grid[v][cell] = math.Min(grid[v][cell], data[v][p])
			}
		case mode == MapAve:
			count[cell]++
			for v := range data {
				grid[v][cell] += data[v][p]
			}
		case mode == MapNearest:
			if scalar.EqualWithinAbsOrRel(dist, minDist[cell], softTol, softTol) {
				count[cell]++
				for v := range data {
					grid[v][cell] += data[v][p]
				}
			} else if dist < minDist[cell] {
				minDist[cell] = dist
				count[cell] = 1
				for v := range data {
					grid[v][cell] = data[v][p]
				}
			}
		}
	}

	for _, cb := range coarseBins {
		for _, l := range qi.coarse.get(cb) {
			deposit(qi.locations[l], local, l)
		}
		if qi.decomposed {
			for _, g := range qi.ghost.get(cb) {
				deposit(qi.ghostLocations[g], ghost, g)
			}
		}
	}

	if mode == MapAve || mode == MapNearest {
		for i, n := range count {
			if n > 0 {
				for v := range grid {
					grid[v][i] /= float64(n)
				}
			}
		}
	}
	if opts.Fill {
		last := make([]float64, len(grid))
		lastCount := 0
		for i := range count {
			if count[i] > 0 {
				for v := range grid {
					last[v] = grid[v][i]
				}
				lastCount = count[i]
				continue
			}
			for v := range grid {
				grid[v][i] = last[v]
			}
			count[i] = lastCount
		}
	}

	for v := range grid {
		g := grid[v]
		bias := 0.0
		if opts.Bias {
			bias = math.Abs(math.Min(0, floats.Min(g)))
		}
		scale := 1.0
		if opts.Normalize {
			sum := floats.Sum(g) + bias*float64(len(g))
			if !softZero(sum) {
				scale = 1 / sum
			}
		}
		for i := range g {
			g[i] = (g[i] + bias) * scale
		}
	}
	return grid, nil
}

// windowCell locates loc in the grid window. The theta coordinate of a
// spherical index is shifted by 2pi when the window wraps past the seam.
func (qi *Index) windowCell(loc, wmin, wmax [3]float64, bins [3]int) (cell int, dist float64, ok bool) {
	var id [3]int
	for d := 0; d < qi.dim; d++ {
		x := loc[d]
		if qi.spherical && d == 1 {
			if wmax[d] > twoPi && x < wmax[d]-twoPi {
				x += twoPi
			}
			if wmin[d] < 0 && x > twoPi+wmin[d] {
				x -= twoPi
			}
		}
		width := wmax[d] - wmin[d]
		nb := float64(bins[d])
		value := nb * (x - wmin[d]) / width
		if value < 0 || value > nb {
			return 0, 0, false
		}
		id[d] = int(value)
		if id[d] > bins[d]-1 {
			id[d] = bins[d] - 1
		}
		center := wmin[d] + (float64(id[d])+0.5)/nb*width
		dist += (center - x) * (center - x)
	}
	if softZero(dist) {
		dist = 0
	} else {
		dist = math.Sqrt(dist)
	}
	return id[0] + id[1]*bins[0] + id[2]*bins[0]*bins[1], dist, true
}

func (qi *Index) checkGridWindow(local, ghost [][]float64, wmin, wmax [3]float64, bins [3]int,
	mode MapMode, opts GridOptions) error {
	if mode < MapMax || mode > MapNearest {
		return fmt.Errorf("%w: %s", ErrInvalidMapMode, mode)
	}
	for v, data := range local {
		if len(data) != len(qi.locations) {
			return fmt.Errorf("%w: channel %d has %d values for %d points", ErrLengthMismatch, v, len(data), len(qi.locations))
		}
	}
	if qi.decomposed {
		if len(ghost) != len(local) {
			return fmt.Errorf("%w: %d ghost channels for %d local channels", ErrLengthMismatch, len(ghost), len(local))
		}
		for v, data := range ghost {
			if len(data) != qi.ghostSize {
				return fmt.Errorf("%w: ghost channel %d has %d values, ghost buffer size is %d",
					ErrLengthMismatch, v, len(data), qi.ghostSize)
			}
		}
	}
	for d := 0; d < 3; d++ {
		if wmax[d] < wmin[d] {
			return fmt.Errorf("%w: axis %d min %g > max %g", ErrInvalidWindow, d, wmin[d], wmax[d])
		}
	}
	for d := 0; d < qi.dim; d++ {
		if !(wmax[d] > wmin[d]) {
			return fmt.Errorf("%w: active axis %d has zero width", ErrInvalidWindow, d)
		}
		if bins[d] <= 0 {
			return fmt.Errorf("%w: bins[%d] = %d", ErrInvalidGrid, d, bins[d])
		}
	}
	if qi.decomposed {
		// ghost data only covers half the max window around each local box
		limits := [3]float64{qi.maxWindow, qi.maxWindow, qi.maxWindow}
		if qi.spherical {
			limits[1] = math.Min(math.Pi/2, qi.maxWindow/wmax[0])
		}
		for d := 0; d < 3; d++ {
			if (math.Abs(wmax[d]-wmin[d])-limits[d])/limits[d] >= 1e-6 {
				return fmt.Errorf("%w: axis %d width %g, limit %g", ErrWindowTooLarge, d, wmax[d]-wmin[d], limits[d])
			}
		}
	}
	if opts.Fill {
		wide := 0
		for d := 0; d < 3; d++ {
			if bins[d] > 1 {
				wide++
			}
		}
		if wide != 1 {
			return fmt.Errorf("%w: fill requires exactly one axis with more than one bin, got %v", ErrInvalidGrid, bins)
		}
	}
	return nil
}
