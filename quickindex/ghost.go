package quickindex

import (
	"fmt"

	"github.com/notargets/gokde/comm"
)

// GatherGhost deposits this rank's values into the ghost buffers of every
// rank that needs them and returns this rank's filled ghost buffer. It is
// collective and must be called once per distinct payload; results are not
// cached because payload values change between steps.
func (qi *Index) GatherGhost(local []float64) ([]float64, error) {
	ghost, err := qi.GatherGhostChannels([][]float64{local})
	if err != nil {
		return nil, err
	}
	return ghost[0], nil
}

// GatherGhostVec3 gathers 3-vector payloads. Only the components of the
// active dimensions are exchanged; the rest are left zero.
func (qi *Index) GatherGhostVec3(local [][3]float64) ([][3]float64, error) {
	if err := qi.checkGather(len(local)); err != nil {
		return nil, err
	}
	channels := make([][]float64, qi.dim)
	for d := range channels {
		channels[d] = make([]float64, len(local))
		for i, v := range local {
			channels[d][i] = v[d]
		}
	}
	ghost, err := qi.GatherGhostChannels(channels)
	if err != nil {
		return nil, err
	}
	out := make([][3]float64, qi.ghostSize)
	for d, ch := range ghost {
		for g, v := range ch {
			out[g][d] = v
		}
	}
	return out, nil
}

// GatherGhostChannels gathers several payloads. Each channel is an
// independent epoch over the same offset map.
func (qi *Index) GatherGhostChannels(local [][]float64) ([][]float64, error) {
	for ch, data := range local {
		if err := qi.checkGather(len(data)); err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
	}
	if !qi.decomposed {
		return nil, ErrNotDecomposed
	}

	ghost := make([][]float64, len(local))
	var scratch []float64
	for ch, data := range local {
		win := comm.NewWindow(qi.c, qi.ghostSize)
		if err := win.Fence(); err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		for target := 0; target < qi.c.Size(); target++ {
			for _, frag := range qi.connector.Fragments(target, putChunk) {
				scratch = qi.connector.PickValues(target, frag, data, scratch)
				if err := win.Put(target, frag.Offset, scratch); err != nil {
					return nil, fmt.Errorf("channel %d: %w", ch, err)
				}
			}
		}
		buf, err := win.Close()
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		ghost[ch] = buf
	}
	return ghost, nil
}

func (qi *Index) checkGather(n int) error {
	if !qi.decomposed {
		return ErrNotDecomposed
	}
	if n != len(qi.locations) {
		return fmt.Errorf("%w: local payload has %d values for %d points", ErrLengthMismatch, n, len(qi.locations))
	}
	return nil
}
