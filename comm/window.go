package comm

import (
	"errors"
	"fmt"
)

const (
	tagWindowHeader = -16 - iota
	tagWindowData
)

var (
	ErrOutsideWindow = errors.New("put outside exposed window")
	ErrEpochNotOpen  = errors.New("window epoch not open")
	ErrEpochOpen     = errors.New("window epoch already open")
)

type put struct {
	offset int
	data   []float64
}

// Window is a rank-local buffer that peers deposit into during one epoch.
// An epoch is opened by Fence and completed by Close. Between the two,
// Put only stages data; Close exchanges exactly one header and one payload
// message with every peer, places the received fragments at the offsets the
// senders chose, and ends with a barrier. The receiver never asks for data.
type Window struct {
	c    Communicator
	buf  []float64
	puts [][]put // staged per destination rank
	open bool
}

// NewWindow exposes a zeroed buffer of the given size on this rank
func NewWindow(c Communicator, size int) *Window {
	return &Window{
		c:    c,
		buf:  make([]float64, size),
		puts: make([][]put, c.Size()),
	}
}

// Len returns the size of the exposed buffer
func (w *Window) Len() int { return len(w.buf) }

// Fence opens an epoch. All ranks must call it.
func (w *Window) Fence() error {
	if w.open {
		return ErrEpochOpen
	}
	if err := w.c.Barrier(); err != nil {
		return fmt.Errorf("opening fence: %w", err)
	}
	w.open = true
	return nil
}

// Put stages data for deposit at offset in dest's window
func (w *Window) Put(dest, offset int, data []float64) error {
	if !w.open {
		return ErrEpochNotOpen
	}
	if dest < 0 || dest >= w.c.Size() {
		return fmt.Errorf("put to %d: %w", dest, ErrRankOutOfRange)
	}
	if offset < 0 {
		return fmt.Errorf("put to %d at %d: %w", dest, offset, ErrOutsideWindow)
	}
	frag := make([]float64, len(data))
	copy(frag, data)
	w.puts[dest] = append(w.puts[dest], put{offset: offset, data: frag})
	return nil
}

// Close completes the epoch and returns the exposed buffer. All ranks must
// call it; the buffer contents are undefined if an error is returned.
func (w *Window) Close() ([]float64, error) {
	if !w.open {
		return nil, ErrEpochNotOpen
	}
	w.open = false
	me, size := w.c.Rank(), w.c.Size()

	for dest := 0; dest < size; dest++ {
		if dest == me {
			continue
		}
		header := make([]int, 0, 2*len(w.puts[dest]))
		total := 0
		for _, p := range w.puts[dest] {
			header = append(header, p.offset, len(p.data))
			total += len(p.data)
		}
		payload := make([]float64, 0, total)
		for _, p := range w.puts[dest] {
			payload = append(payload, p.data...)
		}
		if err := w.c.SendInts(dest, tagWindowHeader, header); err != nil {
			return nil, err
		}
		if err := w.c.Send(dest, tagWindowData, payload); err != nil {
			return nil, err
		}
	}

	for _, p := range w.puts[me] {
		if err := w.place(me, p.offset, p.data); err != nil {
			return nil, err
		}
	}

	for src := 0; src < size; src++ {
		if src == me {
			continue
		}
		header, err := w.c.ReceiveInts(src, tagWindowHeader)
		if err != nil {
			return nil, err
		}
		payload, err := w.c.Receive(src, tagWindowData)
		if err != nil {
			return nil, err
		}
		pos := 0
		for i := 0; i+1 < len(header); i += 2 {
			offset, n := header[i], header[i+1]
			if pos+n > len(payload) {
				return nil, fmt.Errorf("put from %d: payload of %d values truncated at %d: %w",
					src, len(payload), pos+n, ErrLengthMismatch)
			}
			if err = w.place(src, offset, payload[pos:pos+n]); err != nil {
				return nil, err
			}
			pos += n
		}
	}

	for i := range w.puts {
		w.puts[i] = w.puts[i][:0]
	}
	if err := w.c.Barrier(); err != nil {
		return nil, fmt.Errorf("closing fence: %w", err)
	}
	return w.buf, nil
}

func (w *Window) place(src, offset int, data []float64) error {
	if offset < 0 || offset+len(data) > len(w.buf) {
		return fmt.Errorf("put from %d at [%d,%d) into window of %d: %w",
			src, offset, offset+len(data), len(w.buf), ErrOutsideWindow)
	}
	copy(w.buf[offset:], data)
	return nil
}
