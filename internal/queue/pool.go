package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolFull is returned when a release would overflow the free list
	ErrPoolFull = errors.New("queue: release into full pool")

	// ErrSlotNotInFlight is returned when releasing a slot that is already free
	ErrSlotNotInFlight = errors.New("queue: slot is not in flight")
)

// Capacity rounds a queue depth up to the next power of two
func Capacity(depth int) int {
	c := 1
	for c < depth {
		c <<= 1
	}
	return c
}

// Pool is a fixed set of slots with a LIFO free list. Each slot owns one
// segment of the buffer handed to NewPool. A Pool is owned by one engine
// and is not safe for concurrent use.
type Pool struct {
	slots       []Slot
	free        []*Slot
	segmentSize int
}

// NewPool partitions buf into Capacity(depth) segments of segmentSize bytes
func NewPool(buf []byte, segmentSize, depth int) (*Pool, error) {
	if segmentSize <= 0 {
		return nil, fmt.Errorf("queue: segment size must be positive, got %d", segmentSize)
	}
	if depth <= 0 {
		return nil, fmt.Errorf("queue: depth must be positive, got %d", depth)
	}
	capacity := Capacity(depth)
	if need := capacity * segmentSize; len(buf) < need {
		return nil, fmt.Errorf("queue: buffer of %d bytes cannot hold %d segments of %d", len(buf), capacity, segmentSize)
	}

	p := &Pool{
		slots:       make([]Slot, capacity),
		free:        make([]*Slot, 0, capacity),
		segmentSize: segmentSize,
	}
	for i := range p.slots {
		s := &p.slots[i]
		s.index = uint32(i)
		start := i * segmentSize
		s.segment = buf[start : start+segmentSize : start+segmentSize]
	}
	// push in reverse so slot 0 is on top
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, &p.slots[i])
	}
	return p, nil
}

// Acquire pops the most recently released slot. ok is false when every
// slot is in flight, which callers treat as backpressure.
func (p *Pool) Acquire() (*Slot, bool) {
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	s := p.free[n-1]
	p.free = p.free[:n-1]
	s.state = slotInFlight
	return s, true
}

// Release returns a slot to the free list
func (p *Pool) Release(s *Slot) error {
	if len(p.free) == len(p.slots) {
		return ErrPoolFull
	}
	if s.state != slotInFlight {
		return fmt.Errorf("%w: slot %d", ErrSlotNotInFlight, s.index)
	}
	s.state = slotFree
	p.free = append(p.free, s)
	return nil
}

// Lookup resolves ring user data back to an in-flight slot
func (p *Pool) Lookup(userData uint64) (*Slot, bool) {
	if userData >= uint64(len(p.slots)) {
		return nil, false
	}
	s := &p.slots[userData]
	if s.state != slotInFlight {
		return nil, false
	}
	return s, true
}

// Cap returns the number of slots
func (p *Pool) Cap() int { return len(p.slots) }

// Free returns the number of idle slots
func (p *Pool) Free() int { return len(p.free) }

// InFlight returns the number of slots currently bound to an operation
func (p *Pool) InFlight() int { return len(p.slots) - len(p.free) }

// SegmentSize returns the bytes owned by each slot
func (p *Pool) SegmentSize() int { return p.segmentSize }
