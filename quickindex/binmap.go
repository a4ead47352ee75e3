package quickindex

import "sort"

// binMap maps a global bin id to a contiguous run of integers. Keys are
// ascending; the run for keys[k] is values[offset[k]:offset[k+1]].
type binMap struct {
	keys   []int
	offset []int
	values []int
}

// buildBinMap groups values by bins[i], keeping the input order of values
// that share a bin
func buildBinMap(bins, values []int) binMap {
	order := make([]int, len(bins))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return bins[order[a]] < bins[order[b]] })

	m := binMap{values: make([]int, len(values))}
	for pos, i := range order {
		if len(m.keys) == 0 || m.keys[len(m.keys)-1] != bins[i] {
			m.keys = append(m.keys, bins[i])
			m.offset = append(m.offset, pos)
		}
		m.values[pos] = values[i]
	}
	m.offset = append(m.offset, len(order))
	return m
}

// get returns the run stored for bin, or nil
func (m *binMap) get(bin int) []int {
	k := sort.SearchInts(m.keys, bin)
	if k == len(m.keys) || m.keys[k] != bin {
		return nil
	}
	return m.values[m.offset[k]:m.offset[k+1]]
}

// each visits every bin in ascending order
func (m *binMap) each(fn func(bin int, run []int)) {
	for k, bin := range m.keys {
		fn(bin, m.values[m.offset[k]:m.offset[k+1]])
	}
}
