package quickindex

import (
	"fmt"
	"math"
)

// TransformSpherical maps x/y locations to (r, theta, 0) about center, with
// theta measured from the +y axis and increasing through +x, in [0, 2pi).
// Only the 2 dimensional transform is defined.
func TransformSpherical(dim int, center [3]float64, locations [][3]float64) [][3]float64 {
	if dim != 2 {
		panic(fmt.Sprintf("quickindex: spherical transform only implemented in 2d, got dim=%d", dim))
	}
	out := make([][3]float64, len(locations))
	for i, loc := range locations {
		vx, vy := loc[0]-center[0], loc[1]-center[1]
		r := math.Hypot(vx, vy)
		cosTheta := 0.0
		if r > 0 {
			cosTheta = math.Max(math.Min(vy/r, 1), -1)
		}
		theta := math.Acos(cosTheta)
		if loc[0] < center[0] {
			theta = 2*math.Pi - theta
		}
		out[i] = [3]float64{r, theta, 0}
	}
	return out
}

// CalcOrthogonalDistance returns the per-axis distance from r0 to r. In
// spherical mode the theta component is the arclength measured at
// archRadius, which should lie between the two radii.
func (qi *Index) CalcOrthogonalDistance(r0, r [3]float64, archRadius float64) [3]float64 {
	if qi.spherical && archRadius < 0 {
		panic(fmt.Sprintf("quickindex: negative arch radius %g", archRadius))
	}
	d1 := r[1] - r0[1]
	if qi.spherical {
		d1 *= archRadius
	}
	return [3]float64{r[0] - r0[0], d1, r[2] - r0[2]}
}
