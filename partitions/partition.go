package partitions

import (
	"fmt"
	"math"
)

// Partition is the set of points owned by one rank
type Partition struct {
	// Rank that owns the partition
	ID int

	// Point membership
	Points    []int // Global point indices in local order
	NumPoints int
}

// PartitionLayout manages the complete point decomposition
type PartitionLayout struct {
	// One partition per rank
	Partitions []Partition

	// Global sizing information
	MaxPoints   int // max(NumPoints) across all partitions
	TotalPoints int
	NumRanks    int

	// Point to rank mapping
	PToR []int // Length TotalPoints: point i belongs to rank PToR[i]
}

// GetPartition returns the rank owning global point i
func (pl *PartitionLayout) GetPartition(point int) int {
	if point < 0 || point >= len(pl.PToR) {
		return -1
	}
	return pl.PToR[point]
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.Partitions) != pl.NumRanks {
		return fmt.Errorf("%d partitions for %d ranks", len(pl.Partitions), pl.NumRanks)
	}
	if len(pl.PToR) != pl.TotalPoints {
		return fmt.Errorf("PToR has %d entries for %d points", len(pl.PToR), pl.TotalPoints)
	}

	// Every point is owned exactly once, by the rank PToR names
	seen := make([]bool, pl.TotalPoints)
	actualMax, total := 0, 0
	for rank, p := range pl.Partitions {
		if p.ID != rank {
			return fmt.Errorf("partition %d has ID %d", rank, p.ID)
		}
		if p.NumPoints != len(p.Points) {
			return fmt.Errorf("partition %d: NumPoints %d != %d listed points", rank, p.NumPoints, len(p.Points))
		}
		for _, pt := range p.Points {
			if pt < 0 || pt >= pl.TotalPoints {
				return fmt.Errorf("partition %d: point %d out of range", rank, pt)
			}
			if seen[pt] {
				return fmt.Errorf("point %d owned twice", pt)
			}
			seen[pt] = true
			if pl.PToR[pt] != rank {
				return fmt.Errorf("point %d listed on rank %d but PToR says %d", pt, rank, pl.PToR[pt])
			}
		}
		total += p.NumPoints
		if p.NumPoints > actualMax {
			actualMax = p.NumPoints
		}
	}
	if total != pl.TotalPoints {
		return fmt.Errorf("partitions hold %d of %d points", total, pl.TotalPoints)
	}
	if actualMax != pl.MaxPoints {
		return fmt.Errorf("computed MaxPoints %d != stored MaxPoints %d", actualMax, pl.MaxPoints)
	}
	return nil
}

// Scatter returns the values of rank's points, in local order
func (pl *PartitionLayout) Scatter(rank int, global []float64) []float64 {
	return scatter(pl.Partitions[rank].Points, global)
}

// ScatterVec3 is Scatter for point locations
func (pl *PartitionLayout) ScatterVec3(rank int, global [][3]float64) [][3]float64 {
	return scatter(pl.Partitions[rank].Points, global)
}

// ScatterInt is Scatter for integer fields such as masks
func (pl *PartitionLayout) ScatterInt(rank int, global []int) []int {
	return scatter(pl.Partitions[rank].Points, global)
}

func scatter[T any](points []int, global []T) []T {
	local := make([]T, len(points))
	for l, g := range points {
		local[l] = global[g]
	}
	return local
}

// Gather reassembles per rank results into global point order
func (pl *PartitionLayout) Gather(local [][]float64) ([]float64, error) {
	if len(local) != pl.NumRanks {
		return nil, fmt.Errorf("gather: %d rank arrays for %d ranks", len(local), pl.NumRanks)
	}
	global := make([]float64, pl.TotalPoints)
	for rank, p := range pl.Partitions {
		if len(local[rank]) != p.NumPoints {
			return nil, fmt.Errorf("gather: rank %d has %d values for %d points", rank, len(local[rank]), p.NumPoints)
		}
		for l, g := range p.Points {
			global[g] = local[rank][l]
		}
	}
	return global, nil
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumRanks:  pl.NumRanks,
		MinPoints: math.MaxInt32,
		AvgPoints: float64(pl.TotalPoints) / float64(pl.NumRanks),
	}
	for _, p := range pl.Partitions {
		if p.NumPoints < stats.MinPoints {
			stats.MinPoints = p.NumPoints
		}
		if p.NumPoints > stats.MaxPoints {
			stats.MaxPoints = p.NumPoints
		}
	}
	if stats.AvgPoints > 0 {
		stats.Imbalance = float64(stats.MaxPoints) / stats.AvgPoints
	}
	return stats
}

type PartitionStats struct {
	NumRanks  int
	MinPoints int
	MaxPoints int
	AvgPoints float64
	Imbalance float64 // MaxPoints / AvgPoints
}
