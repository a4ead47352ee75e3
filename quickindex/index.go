// Package quickindex bins point samples into a globally agreed coarse grid so
// that any rank can enumerate the samples near a location, including samples
// owned by other ranks, without an all-to-all exchange of the full data.
//
// In domain decomposed mode the index also computes, once per set of point
// positions, where every rank must deposit the point data its peers need.
// Ghost payloads are then gathered any number of times against that layout.
package quickindex

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/notargets/gokde/comm"
	"github.com/notargets/gokde/utils"
)

var (
	ErrInvalidDim        = errors.New("dimension must be 1 or 2")
	ErrInvalidResolution = errors.New("bins per dimension must be positive")
	ErrInvalidWindowSize = errors.New("max window size must be positive")
	ErrDegenerateBox     = errors.New("global bounding box has zero extent")
	ErrNotDecomposed     = errors.New("index is not domain decomposed")
	ErrLengthMismatch    = errors.New("array length mismatch")
	ErrInvalidWindow     = errors.New("invalid window")
	ErrThetaDoubleWrap   = errors.New("window crosses the theta seam at both bounds")
	ErrWindowTooLarge    = errors.New("window exceeds the max window size of the index")
)

const (
	boxInit = 1e20
	// putChunk bounds the number of values in a single put
	putChunk = 1000
)

// Options configures construction of an Index
type Options struct {
	Dim              int          // 1 or 2 active dimensions; the third is carried but inert
	Locations        [][3]float64 // Local point locations
	MaxWindowSize    float64      // Largest window diameter any later query may use
	BinsPerDimension int          // Coarse bin resolution R
	DomainDecomposed bool
	Spherical        bool // Transform locations to (r, theta, 0) about SphereCenter
	SphereCenter     [3]float64
}

// PutTarget is a slot in a peer's ghost buffer
type PutTarget struct {
	Rank   int
	Offset int
}

// Index is an immutable spatial hash of one rank's points. Build a new one
// when the points move.
type Index struct {
	c          comm.Communicator
	dim        int
	decomposed bool
	spherical  bool
	center     [3]float64
	resolution int
	maxWindow  float64
	locations  [][3]float64

	bboxMin, bboxMax [3]float64
	coarse           binMap // bin -> local point indices

	// Domain decomposed layout
	localMin, localMax [3]float64
	localBins          []int
	ghostSize          int
	ghost              binMap // bin -> ghost buffer offsets
	ghostLocations     [][3]float64
	putBins            []int         // ascending bins with put targets
	putTargets         [][]PutTarget // parallel to putBins
	connector          *utils.GhostConnector
}

// New builds the index. In domain decomposed mode it is collective: every
// rank of c must call it with the same dimension, resolution and window size.
func New(c comm.Communicator, opts Options) (*Index, error) {
	if c == nil {
		c = comm.Serial()
	}
	if opts.Dim < 1 || opts.Dim > 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDim, opts.Dim)
	}
	if opts.BinsPerDimension <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidResolution, opts.BinsPerDimension)
	}
	if opts.Spherical && opts.Dim != 2 {
		return nil, fmt.Errorf("%w: spherical indexing is only defined in 2 dimensions, got %d",
			ErrInvalidDim, opts.Dim)
	}
	if opts.DomainDecomposed && !(opts.MaxWindowSize > 0) {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidWindowSize, opts.MaxWindowSize)
	}

	qi := &Index{
		c:          c,
		dim:        opts.Dim,
		decomposed: opts.DomainDecomposed,
		spherical:  opts.Spherical,
		center:     opts.SphereCenter,
		resolution: opts.BinsPerDimension,
		maxWindow:  opts.MaxWindowSize,
	}
	if qi.spherical {
		qi.locations = TransformSpherical(qi.dim, qi.center, opts.Locations)
	} else {
		qi.locations = make([][3]float64, len(opts.Locations))
		copy(qi.locations, opts.Locations)
	}

	qi.computeBoundingBoxes()
	if qi.decomposed {
		if err := qi.reduceBoundingBox(); err != nil {
			return nil, fmt.Errorf("bounding box reduction: %w", err)
		}
	}
	for d := 0; d < qi.dim; d++ {
		if !(qi.bboxMin[d] < qi.bboxMax[d]) {
			return nil, fmt.Errorf("%w: axis %d spans [%g, %g]", ErrDegenerateBox, d, qi.bboxMin[d], qi.bboxMax[d])
		}
	}

	bins := make([]int, len(qi.locations))
	points := make([]int, len(qi.locations))
	for i, loc := range qi.locations {
		bins[i] = qi.globalBin(loc)
		points[i] = i
	}
	qi.coarse = buildBinMap(bins, points)

	if qi.decomposed {
		if err := qi.buildGhostLayout(); err != nil {
			return nil, err
		}
		ghostLocations, err := qi.GatherGhostVec3(qi.locations)
		if err != nil {
			return nil, fmt.Errorf("gathering ghost locations: %w", err)
		}
		qi.ghostLocations = ghostLocations
	}

	logrus.WithFields(logrus.Fields{
		"rank":       c.Rank(),
		"points":     len(qi.locations),
		"coarseBins": len(qi.coarse.keys),
		"localBins":  len(qi.localBins),
		"ghosts":     qi.ghostSize,
		"decomposed": qi.decomposed,
		"spherical":  qi.spherical,
	}).Debug("quick index built")

	return qi, nil
}

func (qi *Index) computeBoundingBoxes() {
	for d := 0; d < qi.dim; d++ {
		qi.bboxMin[d] = boxInit
		qi.bboxMax[d] = -boxInit
	}
	for _, loc := range qi.locations {
		for d := 0; d < qi.dim; d++ {
			qi.bboxMin[d] = math.Min(qi.bboxMin[d], loc[d])
			qi.bboxMax[d] = math.Max(qi.bboxMax[d], loc[d])
		}
	}
	if !qi.decomposed {
		return
	}
	qi.localMin, qi.localMax = qi.bboxMin, qi.bboxMax
	for d := 0; d < qi.dim; d++ {
		half := 0.5 * qi.maxWindow
		if qi.spherical && d == 1 {
			// a theta window is widest at the innermost local radius
			half = math.Pi / 2
			if rIn := qi.bboxMin[0]; rIn > 0 {
				half = math.Min(half, 0.5*qi.maxWindow/rIn)
			}
		}
		qi.localMin[d] -= half
		qi.localMax[d] += half
		if qi.spherical && d == 0 {
			qi.localMin[d] = math.Max(0, qi.localMin[d])
		}
	}
	if qi.spherical && qi.localMin[1] < 0 && qi.localMax[1] > twoPi {
		qi.localMin[1], qi.localMax[1] = 0, twoPi
	}
}

func (qi *Index) reduceBoundingBox() error {
	lo := qi.bboxMin[:]
	hi := qi.bboxMax[:]
	if err := qi.c.AllReduceFloat64(lo, comm.OpMin); err != nil {
		return err
	}
	if err := qi.c.AllReduceFloat64(hi, comm.OpMax); err != nil {
		return err
	}
	// theta windows may extend past the global box because they wrap at the seam
	if !qi.spherical {
		for d := 0; d < qi.dim; d++ {
			qi.localMin[d] = math.Max(qi.localMin[d], qi.bboxMin[d])
			qi.localMax[d] = math.Min(qi.localMax[d], qi.bboxMax[d])
		}
	}
	return nil
}

// axisBin maps a coordinate to a bin index on axis d, clamped to the grid
func (qi *Index) axisBin(x float64, d int) int {
	crd := float64(qi.resolution)
	v := math.Floor(crd * (x - qi.bboxMin[d]) / (qi.bboxMax[d] - qi.bboxMin[d]))
	switch {
	case v < 0:
		return 0
	case v > crd-1:
		return qi.resolution - 1
	}
	return int(v)
}

func (qi *Index) flatten(i, j, k int) int {
	return i + j*qi.resolution + k*qi.resolution*qi.resolution
}

func (qi *Index) globalBin(loc [3]float64) int {
	var idx [3]int
	for d := 0; d < qi.dim; d++ {
		idx[d] = qi.axisBin(loc[d], d)
	}
	return qi.flatten(idx[0], idx[1], idx[2])
}

func (qi *Index) numBins() int {
	n := qi.resolution
	for d := 1; d < qi.dim; d++ {
		n *= qi.resolution
	}
	return n
}

// buildGhostLayout derives the ghost buffer layout and the put window map.
// Senders and receivers reproduce the same ordering independently:
// donor ranks ascending, then bins ascending, then coarse point order.
func (qi *Index) buildGhostLayout() error {
	nranks, me := qi.c.Size(), qi.c.Rank()

	if len(qi.locations) > 0 {
		bins, err := qi.WindowBins(qi.localMin, qi.localMax)
		if err != nil {
			return fmt.Errorf("local bins: %w", err)
		}
		sort.Ints(bins)
		qi.localBins = bins
	}

	nbins := qi.numBins()
	occupancy := make([]int, nbins*nranks)
	qi.coarse.each(func(bin int, run []int) {
		occupancy[bin+nbins*me] = len(run)
	})
	if err := qi.c.AllReduceInt(occupancy, comm.OpSum); err != nil {
		return fmt.Errorf("occupancy reduction: %w", err)
	}

	var ghostBins, ghostOffsets []int
	blockStart := make([]int, nranks)
	blockCount := make([]int, nranks)
	for proc := 0; proc < nranks; proc++ {
		if proc == me {
			continue
		}
		blockStart[proc] = qi.ghostSize
		for _, bin := range qi.localBins {
			n := occupancy[bin+nbins*proc]
			for i := 0; i < n; i++ {
				ghostBins = append(ghostBins, bin)
				ghostOffsets = append(ghostOffsets, qi.ghostSize+i)
			}
			qi.ghostSize += n
		}
		blockCount[proc] = qi.ghostSize - blockStart[proc]
	}
	qi.ghost = buildBinMap(ghostBins, ghostOffsets)

	need := make([]int, nbins*nranks)
	for _, bin := range qi.localBins {
		need[bin+nbins*me]++
	}
	if err := qi.c.AllReduceInt(need, comm.OpSum); err != nil {
		return fmt.Errorf("need table reduction: %w", err)
	}

	conn, err := utils.NewGhostConnector(me, nranks, len(qi.locations), qi.ghostSize)
	if err != nil {
		return err
	}
	for proc := 0; proc < nranks; proc++ {
		if proc != me {
			if err = conn.AddPlace(proc, blockStart[proc], blockCount[proc]); err != nil {
				return err
			}
		}
	}

	targets := make(map[int][]PutTarget)
	for rec := 0; rec < nranks; rec++ {
		if rec == me {
			continue
		}
		offset := 0
		for send := 0; send < me; send++ {
			if send == rec {
				continue
			}
			for bin := 0; bin < nbins; bin++ {
				if need[bin+nbins*rec] > 0 {
					offset += occupancy[bin+nbins*send]
				}
			}
		}
		var putErr error
		qi.coarse.each(func(bin int, run []int) {
			if putErr != nil || need[bin+nbins*rec] == 0 {
				return
			}
			targets[bin] = append(targets[bin], PutTarget{Rank: rec, Offset: offset})
			putErr = conn.AddPick(rec, offset, run)
			offset += len(run)
		})
		if putErr != nil {
			return putErr
		}
	}
	for bin := range targets {
		qi.putBins = append(qi.putBins, bin)
	}
	sort.Ints(qi.putBins)
	qi.putTargets = make([][]PutTarget, len(qi.putBins))
	for k, bin := range qi.putBins {
		qi.putTargets[k] = targets[bin]
	}

	if err = conn.Verify(); err != nil {
		return fmt.Errorf("ghost connector: %w", err)
	}
	qi.connector = conn
	return nil
}

func (qi *Index) Dim() int { return qi.dim }
func (qi *Index) Spherical() bool { return qi.spherical }
func (qi *Index) DomainDecomposed() bool { return qi.decomposed }
func (qi *Index) Resolution() int { return qi.resolution }
func (qi *Index) MaxWindowSize() float64 { return qi.maxWindow }
func (qi *Index) NumLocations() int { return len(qi.locations) }
func (qi *Index) GhostBufferSize() int { return qi.ghostSize }
func (qi *Index) Comm() comm.Communicator { return qi.c }
func (qi *Index) SphereCenter() [3]float64 { return qi.center }

// Locations returns the (possibly spherically transformed) local locations
func (qi *Index) Locations() [][3]float64 { return qi.locations }

// GhostLocations returns the transformed locations of every ghost slot
func (qi *Index) GhostLocations() [][3]float64 { return qi.ghostLocations }

// BoundingBox returns the global bounding box used for all bin math
func (qi *Index) BoundingBox() (lo, hi [3]float64) { return qi.bboxMin, qi.bboxMax }

// LocalBoundingBox returns the local box expanded by half the max window
func (qi *Index) LocalBoundingBox() (lo, hi [3]float64) { return qi.localMin, qi.localMax }

// LocalBins returns the ascending global bins overlapping the local box
func (qi *Index) LocalBins() []int { return qi.localBins }

// CoarseBin returns the local point indices in bin
func (qi *Index) CoarseBin(bin int) []int { return qi.coarse.get(bin) }

// CoarseBins returns the ascending bins that hold local points
func (qi *Index) CoarseBins() []int { return qi.coarse.keys }

// GhostBin returns the ghost buffer offsets holding peer points in bin
func (qi *Index) GhostBin(bin int) []int { return qi.ghost.get(bin) }

// PutWindow returns where this rank's points in bin are deposited on peers
func (qi *Index) PutWindow(bin int) []PutTarget {
	k := sort.SearchInts(qi.putBins, bin)
	if k == len(qi.putBins) || qi.putBins[k] != bin {
		return nil
	}
	return qi.putTargets[k]
}

// Connector returns the pick/place plan for ghost exchange, nil unless
// domain decomposed
func (qi *Index) Connector() *utils.GhostConnector { return qi.connector }
