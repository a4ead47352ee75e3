package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Each rank deposits its rank id into slot [rank] of every other rank,
// plus a two value fragment that lands after the per-rank slots.
func TestWindow_PutsLandAtSenderOffsets(t *testing.T) {
	const n = 3
	w := NewWorld(n)
	bufs := make([][]float64, n)
	err := w.Run(func(c Communicator) error {
		win := NewWindow(c, n+2)
		if err := win.Fence(); err != nil {
			return err
		}
		for dest := 0; dest < n; dest++ {
			if err := win.Put(dest, c.Rank(), []float64{float64(c.Rank() + 1)}); err != nil {
				return err
			}
		}
		if c.Rank() == 2 {
			if err := win.Put(0, n, []float64{-1, -2}); err != nil {
				return err
			}
		}
		buf, err := win.Close()
		if err != nil {
			return err
		}
		bufs[c.Rank()] = append([]float64(nil), buf...)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 2, 3, -1, -2}, bufs[0])
	assert.Equal(t, []float64{1, 2, 3, 0, 0}, bufs[1])
	assert.Equal(t, []float64{1, 2, 3, 0, 0}, bufs[2])
}

func TestWindow_Errors(t *testing.T) {
	c := Serial()
	win := NewWindow(c, 2)
	assert.ErrorIs(t, win.Put(0, 0, []float64{1}), ErrEpochNotOpen)
	_, err := win.Close()
	assert.ErrorIs(t, err, ErrEpochNotOpen)

	require.NoError(t, win.Fence())
	assert.ErrorIs(t, win.Fence(), ErrEpochOpen)
	require.NoError(t, win.Put(0, 1, []float64{1, 2}))
	_, err = win.Close()
	assert.ErrorIs(t, err, ErrOutsideWindow)
}

func TestWindow_SerialSelfPut(t *testing.T) {
	win := NewWindow(Serial(), 3)
	require.NoError(t, win.Fence())
	require.NoError(t, win.Put(0, 1, []float64{4, 5}))
	buf, err := win.Close()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 4, 5}, buf)
	assert.Equal(t, 3, win.Len())
}
