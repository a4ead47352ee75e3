package kde

import (
	"math"

	"github.com/notargets/gokde/quickindex"
)

// samplesPerDim is the sub-cell resolution of each window axis
const samplesPerDim = 10

// SampledReconstruct approximates the kernel integral by quadrature. Each
// masked point's window is split into samplesPerDim cells per active axis;
// every cell takes the value of its nearest candidate and is weighted by the
// kernel between the query point and the cell center, using the candidate's
// bandwidth for the discontinuity cutoff.
func (e *Engine) SampledReconstruct(dist []float64, mask []int, invBW [][3]float64,
	qi *quickindex.Index) ([]float64, error) {
	if err := e.checkInputs(qi, dist, mask, invBW, nil); err != nil {
		return nil, err
	}
	pc, err := gatherCloud(qi, dist, mask, invBW, nil)
	if err != nil {
		return nil, err
	}

	f := newFrame(qi)
	var offsets [samplesPerDim]float64
	for k := range offsets {
		offsets[k] = -1 + (2*float64(k)+1)/samplesPerDim
	}
	nCells := 1
	for d := 0; d < f.dim; d++ {
		nCells *= samplesPerDim
	}

	n := pc.nLocal
	result := make([]float64, n)
	normal := make([]float64, n)
	var cand []int
	for i := 0; i < n; i++ {
		if pc.mask[i] == 0 {
			result[i], normal[i] = pc.values[i], 1
			continue
		}
		r0, ih0 := pc.locs[i], pc.invBW[i]
		wmin, wmax, half := f.window(r0, ih0)
		if cand, err = pc.candidates(wmin, wmax, pc.mask[i], cand); err != nil {
			return nil, err
		}
		for s := 0; s < nCells; s++ {
			center := r0
			for d, rem := 0, s; d < f.dim; d, rem = d+1, rem/samplesPerDim {
				center[d] += offsets[rem%samplesPerDim] * half[d]
			}
			nearest, best := -1, math.Inf(1)
			for _, l := range cand {
				sep := f.separation(center, pc.locs[l])
				d2 := 0.0
				for d := 0; d < f.dim; d++ {
					d2 += sep[d] * sep[d]
				}
				if d2 < best {
					nearest, best = l, d2
				}
			}
			if nearest < 0 {
				continue
			}
			w := e.weight(f, r0, center, ih0, pc.invBW[nearest])
			result[i] += pc.values[nearest] * w
			normal[i] += w
		}
	}
	normalize(result, normal)
	return result, nil
}
