package quickindex

import (
	"fmt"

	"github.com/notargets/gokde/comm"
)

// Verify checks the ghost layout against the rest of the world. It is
// collective in domain decomposed mode.
//
//  1. The ghost buffer size equals, over the local bins, the global
//     occupancy minus this rank's own occupancy.
//  2. What each rank sends to a peer matches, in count and starting offset,
//     the block that peer expects from it.
func (qi *Index) Verify() error {
	if !qi.decomposed {
		return nil
	}
	if err := qi.connector.Verify(); err != nil {
		return err
	}
	nranks, me := qi.c.Size(), qi.c.Rank()
	nbins := qi.numBins()

	occupancy := make([]int, nbins)
	qi.coarse.each(func(bin int, run []int) { occupancy[bin] = len(run) })
	global := make([]int, nbins)
	copy(global, occupancy)
	if err := qi.c.AllReduceInt(global, comm.OpSum); err != nil {
		return err
	}
	expected := 0
	for _, bin := range qi.localBins {
		expected += global[bin] - occupancy[bin]
	}

	// [src*nranks+dst] tables of send counts and first offsets (+1 so zero means none)
	counts := make([]int, nranks*nranks)
	firsts := make([]int, nranks*nranks)
	for dst := 0; dst < nranks; dst++ {
		counts[me*nranks+dst] = qi.connector.SendCount(dst)
		if runs := qi.connector.Picks[dst].Runs; len(runs) > 0 {
			firsts[me*nranks+dst] = runs[0].Offset + 1
		}
	}
	if err := qi.c.AllReduceInt(counts, comm.OpSum); err != nil {
		return err
	}
	if err := qi.c.AllReduceInt(firsts, comm.OpSum); err != nil {
		return err
	}

	if expected != qi.ghostSize {
		return fmt.Errorf("rank %d: ghost buffer size %d != occupancy of local bins %d", me, qi.ghostSize, expected)
	}
	for src := 0; src < nranks; src++ {
		if src == me {
			continue
		}
		place := qi.connector.Places[src]
		if sent := counts[src*nranks+me]; sent != place.Count {
			return fmt.Errorf("rank %d: rank %d sends %d values, expected %d", me, src, sent, place.Count)
		}
		if place.Count > 0 && firsts[src*nranks+me]-1 != place.Offset {
			return fmt.Errorf("rank %d: rank %d puts at offset %d, expected %d",
				me, src, firsts[src*nranks+me]-1, place.Offset)
		}
	}
	return nil
}
