package kde

import (
	"fmt"
	"math"

	"github.com/notargets/gokde/quickindex"
)

// pointCloud holds the local points followed by the ghost points of an
// index, with every per point input gathered alongside. Ghost offset g
// lives at position nLocal+g.
type pointCloud struct {
	qi      *quickindex.Index
	nLocal  int
	locs    [][3]float64
	values  []float64
	mask    []int
	invBW   [][3]float64
	weights []float64 // nil unless weighted
}

// gatherCloud exchanges the inputs each rank's windows may need. In
// replicated mode the local arrays are used as they are.
func gatherCloud(qi *quickindex.Index, values []float64, mask []int, invBW [][3]float64,
	weights []float64) (*pointCloud, error) {
	n := qi.NumLocations()
	pc := &pointCloud{qi: qi, nLocal: n}
	if !qi.DomainDecomposed() {
		pc.locs, pc.values, pc.mask, pc.invBW, pc.weights = qi.Locations(), values, mask, invBW, weights
		return pc, nil
	}

	dim := qi.Dim()
	maskCh := make([]float64, n)
	for i, m := range mask {
		maskCh[i] = float64(m)
	}
	channels := [][]float64{values, maskCh}
	for d := 0; d < dim; d++ {
		ch := make([]float64, n)
		for i := range invBW {
			ch[i] = invBW[i][d]
		}
		channels = append(channels, ch)
	}
	if weights != nil {
		channels = append(channels, weights)
	}
	ghost, err := qi.GatherGhostChannels(channels)
	if err != nil {
		return nil, fmt.Errorf("gathering ghost inputs: %w", err)
	}

	total := n + qi.GhostBufferSize()
	pc.locs = append(append(make([][3]float64, 0, total), qi.Locations()...), qi.GhostLocations()...)
	pc.values = append(append(make([]float64, 0, total), values...), ghost[0]...)
	pc.mask = make([]int, total)
	copy(pc.mask, mask)
	for g, m := range ghost[1] {
		pc.mask[n+g] = int(math.Round(m))
	}
	pc.invBW = make([][3]float64, total)
	copy(pc.invBW, invBW)
	for d := 0; d < dim; d++ {
		for g, ih := range ghost[2+d] {
			pc.invBW[n+g][d] = ih
		}
	}
	if weights != nil {
		pc.weights = append(append(make([]float64, 0, total), weights...), ghost[2+dim]...)
	}
	return pc, nil
}

// candidates collects into dst the local and ghost points in the window
// whose mask is m
func (pc *pointCloud) candidates(wmin, wmax [3]float64, m int, dst []int) ([]int, error) {
	bins, err := pc.qi.WindowBins(wmin, wmax)
	if err != nil {
		return nil, err
	}
	dst = dst[:0]
	for _, bin := range bins {
		for _, l := range pc.qi.CoarseBin(bin) {
			if pc.mask[l] == m {
				dst = append(dst, l)
			}
		}
		for _, g := range pc.qi.GhostBin(bin) {
			if pc.mask[pc.nLocal+g] == m {
				dst = append(dst, pc.nLocal+g)
			}
		}
	}
	return dst, nil
}
