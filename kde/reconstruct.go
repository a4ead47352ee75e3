package kde

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/notargets/gokde/comm"
	"github.com/notargets/gokde/quickindex"
)

const softTol = 1e-12

// Reconstruct smooths dist. Points with mask 0 pass through unchanged; every
// other point is the kernel weighted mean of the points in its window that
// share its mask. invBW holds per point inverse bandwidths, zero in inactive
// dimensions. It is collective when qi is domain decomposed.
func (e *Engine) Reconstruct(dist []float64, mask []int, invBW [][3]float64,
	qi *quickindex.Index) ([]float64, error) {
	if err := e.checkInputs(qi, dist, mask, invBW, nil); err != nil {
		return nil, err
	}
	pc, err := gatherCloud(qi, dist, mask, invBW, nil)
	if err != nil {
		return nil, err
	}
	return e.accumulate(pc, nil, MethodStandard)
}

// WeightedReconstruct is Reconstruct with every pair weight scaled by
// max(w_i, w_l)/min(w_i, w_l) of the positive per point weights
func (e *Engine) WeightedReconstruct(dist, weights []float64, mask []int, invBW [][3]float64,
	qi *quickindex.Index) ([]float64, error) {
	if weights == nil {
		weights = []float64{}
	}
	if err := e.checkInputs(qi, dist, mask, invBW, weights); err != nil {
		return nil, err
	}
	pc, err := gatherCloud(qi, dist, mask, invBW, weights)
	if err != nil {
		return nil, err
	}
	w := pc.weights
	return e.accumulate(pc, func(i, l int) float64 {
		return math.Max(w[i], w[l]) / math.Min(w[i], w[l])
	}, MethodWeighted)
}

// LogReconstruct smooths log(dist+bias) and maps the result back, with
// bias = |min| + (max - min) over the whole (global) distribution. A
// constant distribution, including all zeros, is returned as is.
func (e *Engine) LogReconstruct(dist []float64, mask []int, invBW [][3]float64,
	qi *quickindex.Index) ([]float64, error) {
	if err := e.checkInputs(qi, dist, mask, invBW, nil); err != nil {
		return nil, err
	}

	bounds := []float64{math.Inf(1), math.Inf(-1)}
	if len(dist) > 0 {
		bounds[0], bounds[1] = floats.Min(dist), floats.Max(dist)
	}
	if qi.DomainDecomposed() {
		c := qi.Comm()
		if err := c.AllReduceFloat64(bounds[:1], comm.OpMin); err != nil {
			return nil, err
		}
		if err := c.AllReduceFloat64(bounds[1:], comm.OpMax); err != nil {
			return nil, err
		}
	}
	lo, hi := bounds[0], bounds[1]
	if !(hi > lo) {
		return append([]float64(nil), dist...), nil
	}
	bias := math.Abs(lo) + (hi - lo)

	logDist := make([]float64, len(dist))
	for i, v := range dist {
		logDist[i] = math.Log(v + bias)
	}
	pc, err := gatherCloud(qi, logDist, mask, invBW, nil)
	if err != nil {
		return nil, err
	}
	result, err := e.accumulate(pc, nil, MethodLog)
	if err != nil {
		return nil, err
	}
	for i := range result {
		if mask[i] == 0 {
			result[i] = dist[i]
			continue
		}
		result[i] = math.Exp(result[i]) - bias
		if scalar.EqualWithinAbsOrRel(result[i], 0, softTol, softTol) {
			result[i] = 0
		}
	}
	return result, nil
}

// accumulate forms sum(value_l w_il)/sum(w_il) over each masked point's
// candidates, with w_il optionally scaled by pair(i, l)
func (e *Engine) accumulate(pc *pointCloud, pair func(i, l int) float64, m Method) ([]float64, error) {
	f := newFrame(pc.qi)
	n := pc.nLocal
	result := make([]float64, n)
	normal := make([]float64, n)
	var cand []int
	var err error
	for i := 0; i < n; i++ {
		if pc.mask[i] == 0 {
			result[i], normal[i] = pc.values[i], 1
			continue
		}
		r0, ih0 := pc.locs[i], pc.invBW[i]
		wmin, wmax, _ := f.window(r0, ih0)
		if cand, err = pc.candidates(wmin, wmax, pc.mask[i], cand); err != nil {
			return nil, err
		}
		for _, l := range cand {
			w := e.weight(f, r0, pc.locs[l], ih0, pc.invBW[l])
			if pair != nil {
				w *= pair(i, l)
			}
			result[i] += pc.values[l] * w
			normal[i] += w
		}
	}
	normalize(result, normal)

	logrus.WithFields(logrus.Fields{
		"rank":   pc.qi.Comm().Rank(),
		"method": m,
		"points": n,
		"ghosts": len(pc.locs) - n,
	}).Debug("kde reconstruction")
	return result, nil
}
