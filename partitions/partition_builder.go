package partitions

import (
	"fmt"
	"sort"
)

// PartitionBuilder splits a replicated point set across ranks
type PartitionBuilder struct {
	NumPoints int
	NumRanks  int
	Strategy  PartitionStrategy

	// Point locations, required by SpatialBlock
	Locations [][3]float64
}

// PartitionStrategy defines how points are grouped
type PartitionStrategy int

const (
	BlockPartition PartitionStrategy = iota // Consecutive points, remainder to the last rank
	RoundRobin                              // Distribute cyclically
	SpatialBlock                            // Sort by location, then block
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "roundrobin"
	case SpatialBlock:
		return "spatial"
	}
	return fmt.Sprintf("PartitionStrategy(%d)", int(s))
}

// ParseStrategy accepts the names returned by PartitionStrategy.String
func ParseStrategy(s string) (PartitionStrategy, error) {
	for st := BlockPartition; st <= SpatialBlock; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown partition strategy %q", s)
}

// BuildPartitions creates a partition layout
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.NumRanks < 1 {
		return nil, fmt.Errorf("invalid rank count %d", pb.NumRanks)
	}
	if pb.NumPoints < 0 {
		return nil, fmt.Errorf("invalid point count %d", pb.NumPoints)
	}
	if pb.Strategy == SpatialBlock && len(pb.Locations) != pb.NumPoints {
		return nil, fmt.Errorf("spatial partitioning needs %d locations, got %d", pb.NumPoints, len(pb.Locations))
	}

	pToR, order := pb.partitionPoints()
	partitions := pb.createPartitions(pToR, order)

	maxPoints := 0
	for _, p := range partitions {
		if p.NumPoints > maxPoints {
			maxPoints = p.NumPoints
		}
	}

	layout := &PartitionLayout{
		Partitions:  partitions,
		MaxPoints:   maxPoints,
		TotalPoints: pb.NumPoints,
		NumRanks:    pb.NumRanks,
		PToR:        pToR,
	}
	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return layout, nil
}

// partitionPoints assigns points to ranks, returning the owner of each point
// and the order in which points are appended to their partitions
func (pb *PartitionBuilder) partitionPoints() (pToR, order []int) {
	n, p := pb.NumPoints, pb.NumRanks
	pToR = make([]int, n)
	order = make([]int, n)
	for i := range order {
		order[i] = i
	}

	switch pb.Strategy {
	case RoundRobin:
		for i := range pToR {
			pToR[i] = i % p
		}
		return pToR, order

	case SpatialBlock:
		locs := pb.Locations
		sort.SliceStable(order, func(a, b int) bool {
			la, lb := locs[order[a]], locs[order[b]]
			for d := 0; d < 3; d++ {
				if la[d] != lb[d] {
					return la[d] < lb[d]
				}
			}
			return false
		})
	}

	perRank := n / p
	for pos, i := range order {
		r := p - 1
		if perRank > 0 && pos/perRank < p {
			r = pos / perRank
		}
		pToR[i] = r
	}
	return pToR, order
}

// createPartitions builds partition structures from point assignments
func (pb *PartitionBuilder) createPartitions(pToR, order []int) []Partition {
	partitions := make([]Partition, pb.NumRanks)
	for i := range partitions {
		partitions[i] = Partition{ID: i, Points: make([]int, 0)}
	}
	for _, pt := range order {
		part := pToR[pt]
		partitions[part].Points = append(partitions[part].Points, pt)
		partitions[part].NumPoints++
	}
	return partitions
}
