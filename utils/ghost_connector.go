package utils

import (
	"fmt"
)

// GhostConnector manages pick and place indices for one rank's ghost exchange.
// Picks say which local points go to which target rank and at what offset
// in the target's ghost buffer; places say which block of this rank's ghost
// buffer each source rank fills.
type GhostConnector struct {
	Rank      int
	NumRanks  int
	NumLocal  int // Local points on this rank
	GhostSize int // Slots in this rank's ghost buffer

	Picks  []PickBuffer  // [targetRank]
	Places []PlaceBuffer // [sourceRank]
}

// PickBuffer contains local point indices to send to one target rank
type PickBuffer struct {
	Indices    []int // Local point indices in send order
	Runs       []Run // Consecutive stretches of Indices landing at consecutive offsets
	TargetRank int
}

// Run is a stretch of pick indices deposited contiguously on the target
type Run struct {
	Offset int // First slot in the target's ghost buffer
	Start  int // First position in Indices
	Count  int
}

// PlaceBuffer is the block of this rank's ghost buffer filled by one source
type PlaceBuffer struct {
	Offset     int
	Count      int
	SourceRank int
}

// Fragment is a bounded piece of a run, sized for a single put
type Fragment Run

// NewGhostConnector creates an empty connector for rank out of numRanks
func NewGhostConnector(rank, numRanks, numLocal, ghostSize int) (*GhostConnector, error) {
	if numRanks <= 0 || rank < 0 || rank >= numRanks {
		return nil, fmt.Errorf("invalid rank %d of %d", rank, numRanks)
	}
	if numLocal < 0 || ghostSize < 0 {
		return nil, fmt.Errorf("invalid sizes: numLocal=%d, ghostSize=%d", numLocal, ghostSize)
	}
	gc := &GhostConnector{
		Rank:      rank,
		NumRanks:  numRanks,
		NumLocal:  numLocal,
		GhostSize: ghostSize,
		Picks:     make([]PickBuffer, numRanks),
		Places:    make([]PlaceBuffer, numRanks),
	}
	for r := 0; r < numRanks; r++ {
		gc.Picks[r].TargetRank = r
		gc.Places[r].SourceRank = r
	}
	return gc, nil
}

// AddPick appends local indices destined for target at offset. Stretches
// that continue the previous run are merged into it.
func (gc *GhostConnector) AddPick(target, offset int, indices []int) error {
	if target < 0 || target >= gc.NumRanks || target == gc.Rank {
		return fmt.Errorf("invalid pick target %d for rank %d", target, gc.Rank)
	}
	if len(indices) == 0 {
		return nil
	}
	pb := &gc.Picks[target]
	start := len(pb.Indices)
	pb.Indices = append(pb.Indices, indices...)
	if n := len(pb.Runs); n > 0 {
		last := &pb.Runs[n-1]
		if last.Offset+last.Count == offset && last.Start+last.Count == start {
			last.Count += len(indices)
			return nil
		}
	}
	pb.Runs = append(pb.Runs, Run{Offset: offset, Start: start, Count: len(indices)})
	return nil
}

// AddPlace records that source fills count slots starting at offset
func (gc *GhostConnector) AddPlace(source, offset, count int) error {
	if source < 0 || source >= gc.NumRanks || source == gc.Rank {
		return fmt.Errorf("invalid place source %d for rank %d", source, gc.Rank)
	}
	gc.Places[source].Offset = offset
	gc.Places[source].Count = count
	return nil
}

// GetPickIndices returns pick indices for sending to target
func (gc *GhostConnector) GetPickIndices(target int) []int {
	if target < 0 || target >= gc.NumRanks {
		return nil
	}
	return gc.Picks[target].Indices
}

// SendCount returns the number of values this rank deposits on target
func (gc *GhostConnector) SendCount(target int) int {
	return len(gc.GetPickIndices(target))
}

// Fragments splits the runs for target into pieces of at most maxLen values
func (gc *GhostConnector) Fragments(target, maxLen int) []Fragment {
	if target < 0 || target >= gc.NumRanks || maxLen <= 0 {
		return nil
	}
	var frags []Fragment
	for _, run := range gc.Picks[target].Runs {
		for done := 0; done < run.Count; done += maxLen {
			n := run.Count - done
			if n > maxLen {
				n = maxLen
			}
			frags = append(frags, Fragment{Offset: run.Offset + done, Start: run.Start + done, Count: n})
		}
	}
	return frags
}

// PickValues gathers payload values for a fragment into dst, growing it as needed
func (gc *GhostConnector) PickValues(target int, frag Fragment, payload, dst []float64) []float64 {
	dst = dst[:0]
	for _, l := range gc.Picks[target].Indices[frag.Start : frag.Start+frag.Count] {
		dst = append(dst, payload[l])
	}
	return dst
}

// Verify checks index validity and that the place blocks tile the ghost buffer
func (gc *GhostConnector) Verify() error {
	// Verify 1: Local validity - all pick indices are within bounds
	for target, pb := range gc.Picks {
		if target == gc.Rank && len(pb.Indices) > 0 {
			return fmt.Errorf("rank %d picks %d values for itself", gc.Rank, len(pb.Indices))
		}
		for _, idx := range pb.Indices {
			if idx < 0 || idx >= gc.NumLocal {
				return fmt.Errorf("invalid pick index %d for target %d (max %d)",
					idx, target, gc.NumLocal-1)
			}
		}
		covered := 0
		for _, run := range pb.Runs {
			if run.Offset < 0 || run.Start != covered {
				return fmt.Errorf("invalid run %+v for target %d", run, target)
			}
			covered += run.Count
		}
		if covered != len(pb.Indices) {
			return fmt.Errorf("runs for target %d cover %d of %d indices", target, covered, len(pb.Indices))
		}
	}

	// Verify 2: Conservation - place blocks tile [0, GhostSize) in source order
	next := 0
	for source, pl := range gc.Places {
		if pl.Count == 0 {
			continue
		}
		if source == gc.Rank {
			return fmt.Errorf("rank %d places %d values from itself", gc.Rank, pl.Count)
		}
		if pl.Offset != next {
			return fmt.Errorf("place block from %d starts at %d, expected %d", source, pl.Offset, next)
		}
		next += pl.Count
	}
	if next != gc.GhostSize {
		return fmt.Errorf("conservation error: placed %d != ghost size %d", next, gc.GhostSize)
	}
	return nil
}
