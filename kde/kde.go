// Package kde reconstructs smooth fields from scattered, noisy point samples
// with an Epanechnikov kernel density estimate. Neighbor queries go through a
// quickindex.Index, so in domain decomposed runs each rank only sees its own
// points plus the ghost points the index gathered for it.
package kde

import (
	"errors"
	"fmt"
	"math"

	"github.com/notargets/gokde/comm"
	"github.com/notargets/gokde/quickindex"
)

var (
	ErrLengthMismatch   = errors.New("array length mismatch")
	ErrInvalidBandwidth = errors.New("inverse bandwidth must be positive in every active dimension")
	ErrInvalidWeight    = errors.New("bandwidth weights must be positive")
	ErrRadialReflection = errors.New("the radial axis of a spherical index cannot reflect")
	ErrInvalidCutoff    = errors.New("discontinuity cutoff must be non-negative")
	ErrPeerInput        = errors.New("invalid input on another rank")
	ErrUnknownMethod    = errors.New("unknown reconstruction method")
)

// windowTol is the relative slack allowed when comparing a kernel window
// against the max window size of a decomposed index
const windowTol = 1e-6

// Options configures an Engine
type Options struct {
	// ReflectBoundary holds low/high flags per axis: x-, x+, y-, y+, z-, z+.
	// Reflection happens at the global bounding box of the index.
	ReflectBoundary [6]bool
	// DiscontinuityCutoff is the relative inverse bandwidth difference
	// |ih0-ih|/max(ih0, ih) above which two points do not interact. Zero
	// selects the default of 1, which never cuts.
	DiscontinuityCutoff float64
}

// Engine evaluates kernel reconstructions. It holds no state between calls.
type Engine struct {
	reflect [6]bool
	cutoff  float64
}

func New(opts Options) (*Engine, error) {
	cutoff := opts.DiscontinuityCutoff
	if cutoff < 0 || math.IsNaN(cutoff) {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidCutoff, cutoff)
	}
	if cutoff == 0 {
		cutoff = 1
	}
	return &Engine{reflect: opts.ReflectBoundary, cutoff: cutoff}, nil
}

// Epan is the Epanechnikov kernel, 3/4(1-u^2) on [-1, 1] and zero outside
func Epan(u float64) float64 {
	if math.Abs(u) > 1 {
		return 0
	}
	return 0.75 * (1 - u*u)
}

// Method selects a reconstruction variant
type Method int

const (
	MethodStandard Method = iota
	MethodWeighted
	MethodSampled
	MethodLog
)

func (m Method) String() string {
	switch m {
	case MethodStandard:
		return "standard"
	case MethodWeighted:
		return "weighted"
	case MethodSampled:
		return "sampled"
	case MethodLog:
		return "log"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod accepts the names returned by Method.String
func ParseMethod(s string) (Method, error) {
	for m := MethodStandard; m <= MethodLog; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// ReconstructWith dispatches to the reconstruction selected by m. weights is
// only read by MethodWeighted.
func (e *Engine) ReconstructWith(m Method, dist, weights []float64, mask []int, invBW [][3]float64,
	qi *quickindex.Index) ([]float64, error) {
	switch m {
	case MethodStandard:
		return e.Reconstruct(dist, mask, invBW, qi)
	case MethodWeighted:
		return e.WeightedReconstruct(dist, weights, mask, invBW, qi)
	case MethodSampled:
		return e.SampledReconstruct(dist, mask, invBW, qi)
	case MethodLog:
		return e.LogReconstruct(dist, mask, invBW, qi)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m)
}

// frame is the geometry of one reconstruction call
type frame struct {
	qi        *quickindex.Index
	dim       int
	spherical bool
	lo, hi    [3]float64
}

func newFrame(qi *quickindex.Index) *frame {
	lo, hi := qi.BoundingBox()
	return &frame{qi: qi, dim: qi.Dim(), spherical: qi.Spherical(), lo: lo, hi: hi}
}

// window is the kernel support of a point at r0, r0 +/- 1/ih per active
// axis. The theta half-width of a spherical index is the arclength
// bandwidth seen at r0, clamped to pi/2.
func (f *frame) window(r0, ih [3]float64) (wmin, wmax, half [3]float64) {
	wmin, wmax = r0, r0
	for d := 0; d < f.dim; d++ {
		h := 1 / ih[d]
		if f.spherical && d == 1 {
			h = math.Pi / 2
			if r0[0] > 0 {
				h = math.Min(h, 1/(ih[d]*r0[0]))
			}
		}
		wmin[d], wmax[d], half[d] = r0[d]-h, r0[d]+h, h
	}
	return wmin, wmax, half
}

// separation is the orthogonal distance from r0 to r. Theta differences are
// taken the short way around and measured as arclength at r0.
func (f *frame) separation(r0, r [3]float64) [3]float64 {
	if f.spherical {
		switch dt := r[1] - r0[1]; {
		case dt > math.Pi:
			r[1] -= 2 * math.Pi
		case dt < -math.Pi:
			r[1] += 2 * math.Pi
		}
	}
	return f.qi.CalcOrthogonalDistance(r0, r, math.Max(r0[0], 0))
}

// weight is the kernel weight of a point at r with inverse bandwidth ih, seen
// from a query point at r0 with inverse bandwidth ih0
func (e *Engine) weight(f *frame, r0, r, ih0, ih [3]float64) float64 {
	sep := f.separation(r0, r)
	w := 1.0
	for d := 0; d < f.dim; d++ {
		if math.Abs(ih0[d]-ih[d])/math.Max(ih0[d], ih[d]) > e.cutoff {
			return 0
		}
		scale := 1.0
		if f.spherical && d == 1 {
			scale = math.Max(r0[0], 0)
		}
		k := Epan(sep[d] * ih0[d])
		if e.reflect[2*d] {
			k += Epan((r0[d] - f.lo[d] + r[d] - f.lo[d]) * scale * ih0[d])
		}
		if e.reflect[2*d+1] {
			k += Epan((f.hi[d] - r0[d] + f.hi[d] - r[d]) * scale * ih0[d])
		}
		w *= k * ih0[d]
	}
	return w
}

// checkInputs validates the arguments shared by every reconstruction. In
// domain decomposed mode the outcome is agreed on by all ranks so a rank
// with bad input cannot strand its peers in a later collective.
func (e *Engine) checkInputs(qi *quickindex.Index, dist []float64, mask []int, invBW [][3]float64,
	weights []float64) error {
	err := e.validate(qi, dist, mask, invBW, weights)
	if !qi.DomainDecomposed() {
		return err
	}
	flag := []int{0}
	if err != nil {
		flag[0] = 1
	}
	if rerr := qi.Comm().AllReduceInt(flag, comm.OpMax); rerr != nil {
		return rerr
	}
	if err == nil && flag[0] > 0 {
		return ErrPeerInput
	}
	return err
}

func (e *Engine) validate(qi *quickindex.Index, dist []float64, mask []int, invBW [][3]float64,
	weights []float64) error {
	n := qi.NumLocations()
	if len(dist) != n || len(mask) != n || len(invBW) != n {
		return fmt.Errorf("%w: %d points, %d values, %d masks, %d bandwidths",
			ErrLengthMismatch, n, len(dist), len(mask), len(invBW))
	}
	if weights != nil && len(weights) != n {
		return fmt.Errorf("%w: %d points, %d weights", ErrLengthMismatch, n, len(weights))
	}
	for i, w := range weights {
		if !(w > 0) {
			return fmt.Errorf("%w: weight[%d] = %g", ErrInvalidWeight, i, w)
		}
	}
	if qi.Spherical() && (e.reflect[0] || e.reflect[1]) {
		return ErrRadialReflection
	}
	for i := range invBW {
		if mask[i] == 0 {
			continue
		}
		for d := 0; d < qi.Dim(); d++ {
			ih := invBW[i][d]
			if !(ih > 0) {
				return fmt.Errorf("%w: point %d axis %d has %g", ErrInvalidBandwidth, i, d, ih)
			}
			if qi.DomainDecomposed() && 2/ih > qi.MaxWindowSize()*(1+windowTol) {
				return fmt.Errorf("%w: point %d axis %d needs a window of %g, index max is %g",
					quickindex.ErrWindowTooLarge, i, d, 2/ih, qi.MaxWindowSize())
			}
		}
	}
	return nil
}

// normalize divides each sum by its accumulated weight. Every masked point
// sees at least its own weight, so a non-positive normalization means the
// index geometry is broken.
func normalize(result, normal []float64) {
	for i := range result {
		if !(normal[i] > 0) {
			panic(fmt.Sprintf("kde: point %d has normalization %g, its window missed its own location", i, normal[i]))
		}
		result[i] /= normal[i]
	}
}
