// Package comm provides the collective and point-to-point operations the
// spatial index and the reconstruction engine need from a message passing
// layer. A Communicator is always passed explicitly; nothing in this package
// holds process-wide state.
package comm

import (
	"errors"
	"fmt"
)

// Op is an elementwise reduction operation
type Op int

const (
	OpSum Op = iota
	OpMin
	OpMax
)

func (op Op) String() string {
	switch op {
	case OpSum:
		return "sum"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

var (
	ErrRankOutOfRange = errors.New("rank out of range")
	ErrLengthMismatch = errors.New("buffer length mismatch")
	ErrWorldClosed    = errors.New("world closed")
	ErrUnknownOp      = errors.New("unknown reduction op")
)

// Communicator is the rank-local view of a group of SPMD ranks.
// Every collective must be called by all ranks in the same order.
type Communicator interface {
	Rank() int
	Size() int

	// AllReduceFloat64 reduces buf elementwise across all ranks in place
	AllReduceFloat64(buf []float64, op Op) error
	// AllReduceInt reduces buf elementwise across all ranks in place
	AllReduceInt(buf []int, op Op) error
	Barrier() error

	// Point-to-point messages are matched by source and tag, FIFO per pair
	Send(dest, tag int, data []float64) error
	Receive(src, tag int) ([]float64, error)
	SendInts(dest, tag int, data []int) error
	ReceiveInts(src, tag int) ([]int, error)
}

func reduceFloat64(op Op, dst, src []float64) error {
	if len(dst) != len(src) {
		return fmt.Errorf("reduce %s: %w: %d != %d", op, ErrLengthMismatch, len(dst), len(src))
	}
	switch op {
	case OpSum:
		for i, v := range src {
			dst[i] += v
		}
	case OpMin:
		for i, v := range src {
			if v < dst[i] {
				dst[i] = v
			}
		}
	case OpMax:
		for i, v := range src {
			if v > dst[i] {
				dst[i] = v
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	return nil
}

func reduceInt(op Op, dst, src []int) error {
	if len(dst) != len(src) {
		return fmt.Errorf("reduce %s: %w: %d != %d", op, ErrLengthMismatch, len(dst), len(src))
	}
	switch op {
	case OpSum:
		for i, v := range src {
			dst[i] += v
		}
	case OpMin:
		for i, v := range src {
			if v < dst[i] {
				dst[i] = v
			}
		}
	case OpMax:
		for i, v := range src {
			if v > dst[i] {
				dst[i] = v
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	return nil
}

// serial is the single rank communicator
type serial struct{}

// Serial returns a communicator for a group of exactly one rank.
// Reductions leave their buffers unchanged.
func Serial() Communicator { return serial{} }

func (serial) Rank() int { return 0 }
func (serial) Size() int { return 1 }

func (serial) AllReduceFloat64(buf []float64, op Op) error {
	if op < OpSum || op > OpMax {
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	return nil
}

func (serial) AllReduceInt(buf []int, op Op) error {
	if op < OpSum || op > OpMax {
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	return nil
}

func (serial) Barrier() error { return nil }

func (serial) Send(dest, tag int, data []float64) error {
	return fmt.Errorf("serial send to %d: %w", dest, ErrRankOutOfRange)
}

func (serial) Receive(src, tag int) ([]float64, error) {
	return nil, fmt.Errorf("serial receive from %d: %w", src, ErrRankOutOfRange)
}

func (serial) SendInts(dest, tag int, data []int) error {
	return fmt.Errorf("serial send to %d: %w", dest, ErrRankOutOfRange)
}

func (serial) ReceiveInts(src, tag int) ([]int, error) {
	return nil, fmt.Errorf("serial receive from %d: %w", src, ErrRankOutOfRange)
}
