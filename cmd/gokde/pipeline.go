package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/phil-mansfield/table"
	"github.com/sirupsen/logrus"

	"github.com/notargets/gokde/comm"
	"github.com/notargets/gokde/config"
	"github.com/notargets/gokde/kde"
	"github.com/notargets/gokde/partitions"
	"github.com/notargets/gokde/quickindex"
)

// pointSet is the replicated input read from the point table
type pointSet struct {
	locs    [][3]float64
	values  []float64
	mask    []int
	weights []float64 // nil unless a weight column is configured
}

func readPoints(cfg *config.Config) (*pointSet, error) {
	cols, err := table.ReadTable(cfg.Input.File, cfg.Columns(), nil)
	if err != nil {
		return nil, fmt.Errorf("reading points: %w", err)
	}
	next := 0
	column := func() []float64 {
		next++
		return cols[next-1]
	}

	xs := column()
	pts := &pointSet{locs: make([][3]float64, len(xs)), mask: make([]int, len(xs))}
	for i, x := range xs {
		pts.locs[i][0] = x
	}
	if cfg.Index.Dim == 2 {
		for i, y := range column() {
			pts.locs[i][1] = y
		}
	}
	pts.values = column()
	if cfg.Input.MaskColumn >= 0 {
		for i, m := range column() {
			pts.mask[i] = int(math.Round(m))
		}
	} else {
		for i := range pts.mask {
			pts.mask[i] = 1
		}
	}
	if cfg.Input.WeightColumn >= 0 {
		pts.weights = column()
	}
	return pts, nil
}

// groupIDs lists the distinct non-zero masks in ascending order
func (pts *pointSet) groupIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	for _, m := range pts.mask {
		if m != 0 && !seen[m] {
			seen[m] = true
			ids = append(ids, m)
		}
	}
	sort.Ints(ids)
	return ids
}

func layoutFor(cfg *config.Config, pts *pointSet) (*partitions.PartitionLayout, error) {
	pb := &partitions.PartitionBuilder{
		NumPoints: len(pts.locs),
		NumRanks:  cfg.Run.Ranks,
		Strategy:  cfg.Strategy(),
		Locations: pts.locs,
	}
	layout, err := pb.BuildPartitions()
	if err != nil {
		return nil, err
	}
	stats := layout.PartitionStatistics()
	logrus.WithFields(logrus.Fields{
		"ranks":     stats.NumRanks,
		"minPoints": stats.MinPoints,
		"maxPoints": stats.MaxPoints,
		"imbalance": stats.Imbalance,
	}).Info("points partitioned")
	return layout, nil
}

// reconstruct runs the configured reconstruction on an in-process world of
// cfg.Run.Ranks ranks and returns the result in input order
func reconstruct(cfg *config.Config, pts *pointSet) ([]float64, error) {
	engine, err := kde.New(cfg.KernelOptions())
	if err != nil {
		return nil, err
	}
	layout, err := layoutFor(cfg, pts)
	if err != nil {
		return nil, err
	}
	ih := cfg.InverseBandwidth()
	method := cfg.Method()
	groups := pts.groupIDs()

	local := make([][]float64, layout.NumRanks)
	err = comm.NewWorld(layout.NumRanks).Run(func(c comm.Communicator) error {
		rank := c.Rank()
		qi, err := quickindex.New(c, cfg.IndexOptions(layout.ScatterVec3(rank, pts.locs)))
		if err != nil {
			return err
		}
		values := layout.Scatter(rank, pts.values)
		mask := layout.ScatterInt(rank, pts.mask)
		var weights []float64
		if pts.weights != nil {
			weights = layout.Scatter(rank, pts.weights)
		}
		invBW := make([][3]float64, len(values))
		for i := range invBW {
			invBW[i] = ih
		}

		res, err := engine.ReconstructWith(method, values, weights, mask, invBW, qi)
		if err != nil {
			return err
		}
		if cfg.Run.Conserve {
			if err = kde.ApplyConservation(c, values, groups, mask, res, qi.DomainDecomposed()); err != nil {
				return err
			}
		}
		local[rank] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return layout.Gather(local)
}

// writeResults writes one row per point: location, input value, result and
// mask
func writeResults(path string, cfg *config.Config, pts *pointSet, result []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if cfg.Index.Dim == 2 {
		fmt.Fprintln(w, "# x y value result mask")
	} else {
		fmt.Fprintln(w, "# x value result mask")
	}
	for i, loc := range pts.locs {
		if cfg.Index.Dim == 2 {
			fmt.Fprintf(w, "%.17g %.17g ", loc[0], loc[1])
		} else {
			fmt.Fprintf(w, "%.17g ", loc[0])
		}
		fmt.Fprintf(w, "%.17g %.17g %d\n", pts.values[i], result[i], pts.mask[i])
	}
	if err = w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// profile averages values over the whole point set into nbins cells along
// the first axis, filling empty cells from the left
func profile(cfg *config.Config, pts *pointSet, values []float64, nbins int) (xs, ys []float64, err error) {
	opts := cfg.IndexOptions(pts.locs)
	opts.DomainDecomposed = false
	qi, err := quickindex.New(comm.Serial(), opts)
	if err != nil {
		return nil, nil, err
	}
	lo, hi := qi.BoundingBox()
	ys, err = qi.MapToGridWindow(values, nil, lo, hi, [3]int{nbins, 1, 1}, quickindex.MapAve,
		quickindex.GridOptions{Fill: true})
	if err != nil {
		return nil, nil, err
	}
	return cellCenters(lo[0], hi[0], nbins), ys, nil
}

func cellCenters(lo, hi float64, n int) []float64 {
	xs := make([]float64, n)
	dx := (hi - lo) / float64(n)
	for i := range xs {
		xs[i] = lo + (float64(i)+0.5)*dx
	}
	return xs
}

// windowRequest is a grid window centered on a point
type windowRequest struct {
	center [3]float64
	width  float64 // Full width along every active axis
	bins   int     // Cells along the first axis
	mode   quickindex.MapMode
	fill   bool
}

// nearestPoint is the index of the input point closest to center over the
// first dim axes, or -1 for an empty set
func nearestPoint(pts *pointSet, center [3]float64, dim int) int {
	best, bestDist := -1, math.Inf(1)
	for i, loc := range pts.locs {
		dist := 0.0
		for d := 0; d < dim; d++ {
			dist += (loc[d] - center[d]) * (loc[d] - center[d])
		}
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

// mapWindow rasterizes the input values of the points around req.center and
// reports the rank that mapped them. In a decomposed run the rank owning the
// point nearest the center maps the window if its gathered region covers it,
// otherwise the lowest covering rank does; the ghost exchange is collective
// so every rank takes part.
func mapWindow(cfg *config.Config, pts *pointSet, req windowRequest) (xs, ys []float64, owner int, err error) {
	layout, err := layoutFor(cfg, pts)
	if err != nil {
		return nil, nil, 0, err
	}
	var wmin, wmax [3]float64
	bins := [3]int{req.bins, 1, 1}
	for d := 0; d < cfg.Index.Dim; d++ {
		wmin[d], wmax[d] = req.center[d]-req.width/2, req.center[d]+req.width/2
	}
	preferred := layout.GetPartition(nearestPoint(pts, req.center, cfg.Index.Dim))

	err = comm.NewWorld(layout.NumRanks).Run(func(c comm.Communicator) error {
		rank := c.Rank()
		qi, err := quickindex.New(c, cfg.IndexOptions(layout.ScatterVec3(rank, pts.locs)))
		if err != nil {
			return err
		}
		values := layout.Scatter(rank, pts.values)
		var ghost []float64
		if qi.DomainDecomposed() {
			if ghost, err = qi.GatherGhost(values); err != nil {
				return err
			}
		}

		// 0 is the covering preferred rank, r+1 any other covering rank
		vote := []int{c.Size() + 1}
		if covers(qi, wmin, wmax) {
			vote[0] = rank + 1
			if rank == preferred {
				vote[0] = 0
			}
		}
		if err = c.AllReduceInt(vote, comm.OpMin); err != nil {
			return err
		}
		if vote[0] == c.Size()+1 {
			return fmt.Errorf("no rank holds the window [%v, %v]; raise Index.MaxWindowSize", wmin, wmax)
		}
		mapper := preferred
		if vote[0] > 0 {
			mapper = vote[0] - 1
		}
		if mapper != rank {
			return nil
		}
		owner = rank
		ys, err = qi.MapToGridWindow(values, ghost, wmin, wmax, bins, req.mode,
			quickindex.GridOptions{Fill: req.fill})
		return err
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return cellCenters(wmin[0], wmax[0], req.bins), ys, owner, nil
}

// covers reports whether the part of [wmin, wmax] inside the global box lies
// in the region whose points the index holds locally or as ghosts
func covers(qi *quickindex.Index, wmin, wmax [3]float64) bool {
	if !qi.DomainDecomposed() {
		return true
	}
	if qi.NumLocations() == 0 {
		return false
	}
	lo, hi := qi.BoundingBox()
	llo, lhi := qi.LocalBoundingBox()
	for d := 0; d < qi.Dim(); d++ {
		a, b := math.Max(wmin[d], lo[d]), math.Min(wmax[d], hi[d])
		if a < llo[d] || b > lhi[d] {
			return false
		}
	}
	return true
}
