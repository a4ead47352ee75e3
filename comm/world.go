package comm

import (
	"fmt"
	"sync"
)

// Reserved tags for collectives. User tags must be non-negative.
const (
	tagReduce = -1 - iota
	tagBroadcast
)

type message struct {
	tag    int
	floats []float64
	ints   []int
}

// mailbox is an unbounded FIFO of messages from one rank to another
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []message
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) put(msg message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrWorldClosed
	}
	m.queue = append(m.queue, msg)
	m.cond.Broadcast()
	return nil
}

// take blocks until the first message carrying tag is available
func (m *mailbox) take(tag int) (message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for i, msg := range m.queue {
			if msg.tag == tag {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				return msg, nil
			}
		}
		if m.closed {
			return message{}, ErrWorldClosed
		}
		m.cond.Wait()
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// World is a group of in-process ranks. Each rank runs on its own goroutine
// and talks to the others only through its Communicator.
type World struct {
	size      int
	boxes     [][]*mailbox // [src][dst]
	closeOnce sync.Once
}

// NewWorld creates a world of n ranks. n must be positive.
func NewWorld(n int) *World {
	if n < 1 {
		panic(fmt.Sprintf("comm: world size must be positive, got %d", n))
	}
	w := &World{size: n, boxes: make([][]*mailbox, n)}
	for src := range w.boxes {
		w.boxes[src] = make([]*mailbox, n)
		for dst := range w.boxes[src] {
			w.boxes[src][dst] = newMailbox()
		}
	}
	return w
}

func (w *World) Size() int { return w.size }

// Comm returns the communicator of the given rank
func (w *World) Comm(rank int) Communicator {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("comm: rank %d outside world of size %d", rank, w.size))
	}
	return &worldComm{w: w, rank: rank}
}

// Close releases every rank blocked in a receive with ErrWorldClosed
func (w *World) Close() {
	w.closeOnce.Do(func() {
		for _, row := range w.boxes {
			for _, m := range row {
				m.close()
			}
		}
	})
}

// Run executes fn on every rank concurrently and waits for all of them.
// The first failing rank closes the world so that peers blocked in
// collectives return instead of hanging. A panicking rank is reported as an
// error naming that rank.
func (w *World) Run(fn func(c Communicator) error) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		w.Close()
	}
	wg.Add(w.size)
	for r := 0; r < w.size; r++ {
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					fail(fmt.Errorf("rank %d panicked: %v", rank, p))
				}
			}()
			if err := fn(w.Comm(rank)); err != nil {
				fail(fmt.Errorf("rank %d: %w", rank, err))
			}
		}(r)
	}
	wg.Wait()
	return firstErr
}

type worldComm struct {
	w    *World
	rank int
}

func (c *worldComm) Rank() int { return c.rank }
func (c *worldComm) Size() int { return c.w.size }

func (c *worldComm) checkPeer(peer int) error {
	if peer < 0 || peer >= c.w.size {
		return fmt.Errorf("peer %d of %d: %w", peer, c.w.size, ErrRankOutOfRange)
	}
	return nil
}

func (c *worldComm) Send(dest, tag int, data []float64) error {
	if err := c.checkPeer(dest); err != nil {
		return err
	}
	buf := make([]float64, len(data))
	copy(buf, data)
	return c.w.boxes[c.rank][dest].put(message{tag: tag, floats: buf})
}

func (c *worldComm) Receive(src, tag int) ([]float64, error) {
	if err := c.checkPeer(src); err != nil {
		return nil, err
	}
	msg, err := c.w.boxes[src][c.rank].take(tag)
	if err != nil {
		return nil, fmt.Errorf("receive from %d tag %d: %w", src, tag, err)
	}
	return msg.floats, nil
}

func (c *worldComm) SendInts(dest, tag int, data []int) error {
	if err := c.checkPeer(dest); err != nil {
		return err
	}
	buf := make([]int, len(data))
	copy(buf, data)
	return c.w.boxes[c.rank][dest].put(message{tag: tag, ints: buf})
}

func (c *worldComm) ReceiveInts(src, tag int) ([]int, error) {
	if err := c.checkPeer(src); err != nil {
		return nil, err
	}
	msg, err := c.w.boxes[src][c.rank].take(tag)
	if err != nil {
		return nil, fmt.Errorf("receive from %d tag %d: %w", src, tag, err)
	}
	return msg.ints, nil
}

// AllReduceFloat64 gathers on rank 0, reduces in ascending rank order and
// broadcasts, so every rank sees bitwise identical results.
func (c *worldComm) AllReduceFloat64(buf []float64, op Op) error {
	if c.rank != 0 {
		if err := c.Send(0, tagReduce, buf); err != nil {
			return err
		}
		res, err := c.Receive(0, tagBroadcast)
		if err != nil {
			return err
		}
		if len(res) != len(buf) {
			return fmt.Errorf("all-reduce: %w: %d != %d", ErrLengthMismatch, len(res), len(buf))
		}
		copy(buf, res)
		return nil
	}
	for src := 1; src < c.w.size; src++ {
		part, err := c.Receive(src, tagReduce)
		if err != nil {
			return err
		}
		if err = reduceFloat64(op, buf, part); err != nil {
			return fmt.Errorf("all-reduce from rank %d: %w", src, err)
		}
	}
	if op < OpSum || op > OpMax {
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	for dst := 1; dst < c.w.size; dst++ {
		if err := c.Send(dst, tagBroadcast, buf); err != nil {
			return err
		}
	}
	return nil
}

func (c *worldComm) AllReduceInt(buf []int, op Op) error {
	if c.rank != 0 {
		if err := c.SendInts(0, tagReduce, buf); err != nil {
			return err
		}
		res, err := c.ReceiveInts(0, tagBroadcast)
		if err != nil {
			return err
		}
		if len(res) != len(buf) {
			return fmt.Errorf("all-reduce: %w: %d != %d", ErrLengthMismatch, len(res), len(buf))
		}
		copy(buf, res)
		return nil
	}
	for src := 1; src < c.w.size; src++ {
		part, err := c.ReceiveInts(src, tagReduce)
		if err != nil {
			return err
		}
		if err = reduceInt(op, buf, part); err != nil {
			return fmt.Errorf("all-reduce from rank %d: %w", src, err)
		}
	}
	if op < OpSum || op > OpMax {
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	for dst := 1; dst < c.w.size; dst++ {
		if err := c.SendInts(dst, tagBroadcast, buf); err != nil {
			return err
		}
	}
	return nil
}

func (c *worldComm) Barrier() error {
	return c.AllReduceInt([]int{0}, OpSum)
}
