package kde

import (
	"fmt"
	"math"

	"github.com/notargets/gokde/comm"
)

// ApplyConservation restores, for each group id in groupIDs, the sum of
// original over the points whose mask equals that id. The residual is spread
// in proportion to |result|, or evenly when the group's results are all
// zero. groupIDs must be the same on every rank when domainDecomposed, in
// which case the sums are global and the call is collective.
func ApplyConservation(c comm.Communicator, original []float64, groupIDs []int, mask []int,
	result []float64, domainDecomposed bool) error {
	if len(original) != len(result) || len(mask) != len(result) {
		return fmt.Errorf("%w: %d original, %d masks, %d results",
			ErrLengthMismatch, len(original), len(mask), len(result))
	}
	if c == nil {
		c = comm.Serial()
	}

	slot := make(map[int]int, len(groupIDs))
	for _, gid := range groupIDs {
		if _, dup := slot[gid]; !dup {
			slot[gid] = len(slot)
		}
	}

	// per group: original sum, result sum, sum |result|, point count
	const (
		origSum = iota
		resSum
		absSum
		count
		stride
	)
	sums := make([]float64, stride*len(slot))
	for i, m := range mask {
		k, ok := slot[m]
		if !ok {
			continue
		}
		s := sums[stride*k:]
		s[origSum] += original[i]
		s[resSum] += result[i]
		s[absSum] += math.Abs(result[i])
		s[count]++
	}
	if domainDecomposed {
		if err := c.AllReduceFloat64(sums, comm.OpSum); err != nil {
			return fmt.Errorf("conservation sums: %w", err)
		}
	}

	for i, m := range mask {
		k, ok := slot[m]
		if !ok {
			continue
		}
		s := sums[stride*k:]
		residual := s[origSum] - s[resSum]
		if s[absSum] != 0 {
			result[i] += residual * math.Abs(result[i]) / s[absSum]
		} else {
			result[i] += residual / s[count]
		}
	}
	return nil
}
