package kde

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/gokde/comm"
	"github.com/notargets/gokde/partitions"
	"github.com/notargets/gokde/quickindex"
)

// rankFunc runs on one rank with that rank's slice of the global points
type rankFunc func(rank int, qi *quickindex.Index) ([]float64, error)

func blockLayout(t *testing.T, nPoints, nRanks int) *partitions.PartitionLayout {
	t.Helper()
	pb := &partitions.PartitionBuilder{NumPoints: nPoints, NumRanks: nRanks, Strategy: partitions.BlockPartition}
	layout, err := pb.BuildPartitions()
	require.NoError(t, err)
	return layout
}

// decomposed builds a domain decomposed index on every rank of an in-process
// world and gathers the per rank results back into global point order
func decomposed(t *testing.T, layout *partitions.PartitionLayout, locs [][3]float64, dim int,
	maxWindow float64, fn rankFunc) []float64 {
	t.Helper()
	return decomposedWith(t, layout, locs, quickindex.Options{
		Dim: dim, MaxWindowSize: maxWindow, BinsPerDimension: 10,
	}, fn)
}

// decomposedWith is decomposed with the index options given; Locations and
// DomainDecomposed are set per rank
func decomposedWith(t *testing.T, layout *partitions.PartitionLayout, locs [][3]float64,
	opts quickindex.Options, fn rankFunc) []float64 {
	t.Helper()
	local := make([][]float64, layout.NumRanks)
	err := comm.NewWorld(layout.NumRanks).Run(func(c comm.Communicator) error {
		o := opts
		o.Locations = layout.ScatterVec3(c.Rank(), locs)
		o.DomainDecomposed = true
		qi, err := quickindex.New(c, o)
		if err != nil {
			return err
		}
		res, err := fn(c.Rank(), qi)
		local[c.Rank()] = res
		return err
	})
	require.NoError(t, err)
	global, err := layout.Gather(local)
	require.NoError(t, err)
	return global
}

func TestReconstruct_Decomposed1D(t *testing.T) {
	e, err := New(Options{})
	require.NoError(t, err)
	layout := blockLayout(t, 10, 3)
	mask := filledInts(10, 1)

	for _, tc := range reconstructCases() {
		t.Run(tc.name, func(t *testing.T) {
			res := decomposed(t, layout, tenPoints(), 1, 8.0, func(rank int, qi *quickindex.Index) ([]float64, error) {
				data := layout.Scatter(rank, tc.data)
				m := layout.ScatterInt(rank, mask)
				r, err := e.Reconstruct(data, m, layout.ScatterVec3(rank, tc.invBW), qi)
				if err != nil {
					return nil, err
				}
				return r, ApplyConservation(qi.Comm(), data, []int{1}, m, r, true)
			})
			checkCase(t, tc, res)
		})
	}
}

// jitteredGrid is an 8x6 lattice sheared slightly so that no two points
// share a coordinate
func jitteredGrid() [][3]float64 {
	locs := make([][3]float64, 48)
	for j := 0; j < 6; j++ {
		for i := 0; i < 8; i++ {
			fi, fj := float64(i), float64(j)
			locs[j*8+i] = [3]float64{fi*0.55 + 0.013*fj, fj*0.65 + 0.007*fi, 0}
		}
	}
	return locs
}

func TestReconstruct_DecomposedMatchesReplicated(t *testing.T) {
	locs := jitteredGrid()
	n := len(locs)
	data := make([]float64, n)
	weights := make([]float64, n)
	mask := make([]int, n)
	invBW := make([][3]float64, n)
	for k, r := range locs {
		i, j := k%8, k/8
		data[k] = 1.5 + math.Sin(r[0])*math.Cos(r[1])
		weights[k] = 1 + 0.1*float64(i)
		mask[k] = []int{1, 2, 0}[(2*i+j)%3]
		invBW[k] = [3]float64{1 + 0.25*float64(i%2), 1 + 0.25*float64(j%2), 0}
	}
	groups := []int{1, 2}

	e, err := New(Options{ReflectBoundary: [6]bool{true, false, false, true}})
	require.NoError(t, err)
	serial, err := quickindex.New(comm.Serial(), quickindex.Options{
		Dim: 2, Locations: locs, BinsPerDimension: 10,
	})
	require.NoError(t, err)
	layout := blockLayout(t, n, 3)

	for _, m := range []Method{MethodStandard, MethodWeighted, MethodSampled, MethodLog} {
		t.Run(m.String(), func(t *testing.T) {
			want, err := e.ReconstructWith(m, data, weights, mask, invBW, serial)
			require.NoError(t, err)
			require.NoError(t, ApplyConservation(nil, data, groups, mask, want, false))

			got := decomposed(t, layout, locs, 2, 2.0, func(rank int, qi *quickindex.Index) ([]float64, error) {
				d := layout.Scatter(rank, data)
				msk := layout.ScatterInt(rank, mask)
				r, err := e.ReconstructWith(m, d, layout.Scatter(rank, weights), msk,
					layout.ScatterVec3(rank, invBW), qi)
				if err != nil {
					return nil, err
				}
				return r, ApplyConservation(qi.Comm(), d, groups, msk, r, true)
			})
			assert.InDeltaSlice(t, want, got, 1e-12)
		})
	}
}

// halfSphere is an 8x9 polar grid over the half plane x >= 0, r from 0.5 to
// 4 and theta from 0 to pi, sheared slightly so no two points share a radius
// or angle. Points are angle major so a block split gives angular sectors.
func halfSphere() (locs [][3]float64, radius, theta []float64) {
	for j := 0; j < 9; j++ {
		for i := 0; i < 8; i++ {
			r := 0.5 + 0.5*float64(i) + 0.011*float64(j)
			th := float64(j)*math.Pi/8 + 0.003*float64(i)
			locs = append(locs, [3]float64{r * math.Sin(th), r * math.Cos(th), 0})
			radius, theta = append(radius, r), append(theta, th)
		}
	}
	return locs, radius, theta
}

func TestReconstruct_DecomposedSphericalMatchesReplicated(t *testing.T) {
	locs, radius, theta := halfSphere()
	n := len(locs)
	data := make([]float64, n)
	weights := make([]float64, n)
	mask := make([]int, n)
	invBW := make([][3]float64, n)
	for k := range locs {
		i, j := k%8, k/8
		// a shell peaked at r=2 with a weak angular tilt
		data[k] = 1.2 + math.Exp(-(radius[k]-2)*(radius[k]-2))*(1+0.3*math.Cos(theta[k]))
		weights[k] = 1 + 0.1*float64(i)
		mask[k] = []int{1, 2, 0}[(2*i+j)%3]
		// bandwidth 0.4 or 1/3 on each axis
		invBW[k] = [3]float64{2.5 + 0.5*float64(i%2), 2.5 + 0.5*float64(j%2), 0}
	}
	groups := []int{1, 2}

	e, err := New(Options{ReflectBoundary: [6]bool{false, false, true, true}})
	require.NoError(t, err)
	serial, err := quickindex.New(comm.Serial(), quickindex.Options{
		Dim: 2, Locations: locs, BinsPerDimension: 10, Spherical: true,
	})
	require.NoError(t, err)
	layout := blockLayout(t, n, 3)
	require.Equal(t, []int{24, 24, 24}, []int{
		layout.Partitions[0].NumPoints, layout.Partitions[1].NumPoints, layout.Partitions[2].NumPoints,
	})
	opts := quickindex.Options{Dim: 2, MaxWindowSize: 0.8, BinsPerDimension: 10, Spherical: true}

	for _, m := range []Method{MethodStandard, MethodWeighted, MethodSampled, MethodLog} {
		t.Run(m.String(), func(t *testing.T) {
			want, err := e.ReconstructWith(m, data, weights, mask, invBW, serial)
			require.NoError(t, err)
			require.NoError(t, ApplyConservation(nil, data, groups, mask, want, false))

			got := decomposedWith(t, layout, locs, opts, func(rank int, qi *quickindex.Index) ([]float64, error) {
				d := layout.Scatter(rank, data)
				msk := layout.ScatterInt(rank, mask)
				r, err := e.ReconstructWith(m, d, layout.Scatter(rank, weights), msk,
					layout.ScatterVec3(rank, invBW), qi)
				if err != nil {
					return nil, err
				}
				return r, ApplyConservation(qi.Comm(), d, groups, msk, r, true)
			})
			assert.InDeltaSlice(t, want, got, 1e-10)
		})
	}
}

func TestReconstruct_DecomposedPeerInput(t *testing.T) {
	e, err := New(Options{})
	require.NoError(t, err)
	layout := blockLayout(t, 10, 3)
	locs := tenPoints()
	errs := make([]error, 3)

	err = comm.NewWorld(3).Run(func(c comm.Communicator) error {
		rank := c.Rank()
		qi, err := quickindex.New(c, quickindex.Options{
			Dim: 1, Locations: layout.ScatterVec3(rank, locs), MaxWindowSize: 2.0,
			BinsPerDimension: 10, DomainDecomposed: true,
		})
		if err != nil {
			return err
		}
		bw := uniformBW(qi.NumLocations(), 1)
		if rank == 1 {
			bw[0][0] = 0
		}
		_, errs[rank] = e.Reconstruct(layout.Scatter(rank, variableData), filledInts(qi.NumLocations(), 1), bw, qi)
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, errs[0], ErrPeerInput)
	assert.ErrorIs(t, errs[1], ErrInvalidBandwidth)
	assert.ErrorIs(t, errs[2], ErrPeerInput)
}
