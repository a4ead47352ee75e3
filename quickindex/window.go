package quickindex

import (
	"fmt"
	"math"
)

const twoPi = 2 * math.Pi

// WindowBins returns every global bin whose cell intersects the box
// [wmin, wmax], clipped to the grid. For spherical indexes a window that
// crosses the 0/2pi seam on one side also returns the bins of its wrapped
// image. The result holds no duplicates.
func (qi *Index) WindowBins(wmin, wmax [3]float64) ([]int, error) {
	for d := 0; d < 3; d++ {
		if wmin[d] > wmax[d] {
			return nil, fmt.Errorf("%w: axis %d min %g > max %g", ErrInvalidWindow, d, wmin[d], wmax[d])
		}
	}
	wrapLow := qi.spherical && wmin[1] < 0
	wrapHigh := qi.spherical && wmax[1] > twoPi
	if wrapLow && wrapHigh {
		return nil, fmt.Errorf("%w: theta window [%g, %g]", ErrThetaDoubleWrap, wmin[1], wmax[1])
	}

	var lo, hi [3]int
	for d := 0; d < qi.dim; d++ {
		a, b := wmin[d], wmax[d]
		if qi.spherical && d == 1 {
			a, b = qi.truncateTheta(a, b)
		}
		lo[d], hi[d] = qi.axisBin(a, d), qi.axisBin(b, d)
	}
	bins := qi.appendRange(nil, lo, hi, nil)

	if wrapLow || wrapHigh {
		var a, b float64
		if wrapLow {
			a = math.Min(twoPi+wmin[1], qi.bboxMax[1])
			b = twoPi
		} else {
			a = 0
			b = math.Max(wmax[1]-twoPi, qi.bboxMin[1])
		}
		a, b = qi.truncateTheta(a, b)
		lo[1], hi[1] = qi.axisBin(a, 1), qi.axisBin(b, 1)

		seen := make(map[int]struct{}, len(bins))
		for _, bin := range bins {
			seen[bin] = struct{}{}
		}
		bins = qi.appendRange(bins, lo, hi, seen)
	}
	return bins, nil
}

// truncateTheta clips a theta range to the global box
func (qi *Index) truncateTheta(a, b float64) (float64, float64) {
	return math.Max(a, qi.bboxMin[1]), math.Min(b, qi.bboxMax[1])
}

// appendRange appends the bins of the index box [lo, hi], skipping any in seen
func (qi *Index) appendRange(bins []int, lo, hi [3]int, seen map[int]struct{}) []int {
	for k := lo[2]; k <= hi[2]; k++ {
		for j := lo[1]; j <= hi[1]; j++ {
			for i := lo[0]; i <= hi[0]; i++ {
				bin := qi.flatten(i, j, k)
				if seen != nil {
					if _, dup := seen[bin]; dup {
						continue
					}
					seen[bin] = struct{}{}
				}
				bins = append(bins, bin)
			}
		}
	}
	return bins
}
