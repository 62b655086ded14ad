package queue

import (
	"context"
	"fmt"
)

// Mode selects the transfer pipeline
type Mode int

const (
	ModeCopy  Mode = iota // read each chunk and relay it to the sink
	ModeRead              // read only
	ModeWrite             // write only
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "copy"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Range is a logical byte extent [Start, Start+Size). With Wrap set, the
// device offset of logical byte x is x % Wrap, so a range longer than the
// device cycles over it again; no operation crosses a wrap boundary.
type Range struct {
	Start uint64
	Size  uint64
	Wrap  uint64 // 0 maps offsets one to one
}

// End returns the first offset past the range
func (r Range) End() uint64 { return r.Start + r.Size }

// Stats are the counters of one pipeline run
type Stats struct {
	BytesRead    uint64
	BytesWritten uint64
	Reads        uint64 // completed read operations
	Writes       uint64 // completed write operations
	Partials     uint64
	Retries      uint64
	MaxInFlight  int
}

// Add folds o into s
func (s *Stats) Add(o Stats) {
	s.BytesRead += o.BytesRead
	s.BytesWritten += o.BytesWritten
	s.Reads += o.Reads
	s.Writes += o.Writes
	s.Partials += o.Partials
	s.Retries += o.Retries
	if o.MaxInFlight > s.MaxInFlight {
		s.MaxInFlight = o.MaxInFlight
	}
}

// Bytes is the payload moved, counting a copied chunk once
func (s Stats) Bytes() uint64 {
	if s.BytesWritten > s.BytesRead {
		return s.BytesWritten
	}
	return s.BytesRead
}

// chunker walks a range in chunk-size strides, clipping the last one and
// any stride that would run past a wrap boundary
type chunker struct {
	next, end uint64
	chunk     uint64
	wrap      uint64
}

func newChunker(r Range, chunkSize int) chunker {
	return chunker{next: r.Start, end: r.End(), chunk: uint64(chunkSize), wrap: r.Wrap}
}

func (c *chunker) done() bool { return c.next >= c.end }

func (c *chunker) peek() (length int, offset uint64) {
	n := c.chunk
	if rem := c.end - c.next; rem < n {
		n = rem
	}
	offset = c.next
	if c.wrap > 0 {
		offset %= c.wrap
		if rem := c.wrap - offset; rem < n {
			n = rem
		}
	}
	return int(n), offset
}

func (c *chunker) take(length int) { c.next += uint64(length) }

// Transfer runs a read-only or write-only pass over r against fd. On
// context cancellation it stops issuing, drains what is in flight and
// returns the context error alongside the partial counts.
func (e *Engine) Transfer(ctx context.Context, kind Kind, fd int, r Range) (Stats, error) {
	var stats Stats
	ch := newChunker(r, e.chunkSize)
	inFlight := 0
	stopped := false

	for !ch.done() || inFlight > 0 {
		if !stopped && ctx.Err() != nil {
			stopped = true
		}
		for !stopped && !ch.done() && inFlight < e.depth {
			n, off := ch.peek()
			ok, err := e.Queue(kind, fd, n, off)
			if err != nil {
				return e.abort(stats, err)
			}
			if !ok {
				break
			}
			ch.take(n)
			inFlight++
		}
		if inFlight == 0 {
			break
		}
		e.noteDepth(&stats, inFlight)
		if _, err := e.SubmitBatch(); err != nil {
			return e.abort(stats, err)
		}

		block := true
		for {
			slot, outcome, err := e.Drain(block)
			if err != nil {
				return e.abort(stats, err)
			}
			if outcome == OutcomeNone {
				break
			}
			block = false
			if outcome != OutcomeComplete {
				continue
			}
			e.account(&stats, slot)
			if err := e.Release(slot); err != nil {
				return e.abort(stats, err)
			}
			inFlight--
		}
	}
	e.finish(&stats)
	if stopped {
		return stats, ctx.Err()
	}
	return stats, nil
}

// Copy reads r from src and relays every completed read, in place, into a
// write at the same offset on dst. Reads plus writes in flight never exceed
// the engine depth.
func (e *Engine) Copy(ctx context.Context, src, dst int, r Range) (Stats, error) {
	var stats Stats
	ch := newChunker(r, e.chunkSize)
	reads, writes := 0, 0
	stopped := false

	for !ch.done() || reads+writes > 0 {
		if !stopped && ctx.Err() != nil {
			stopped = true
		}
		for !stopped && !ch.done() && reads+writes < e.depth {
			n, off := ch.peek()
			ok, err := e.Queue(KindRead, src, n, off)
			if err != nil {
				return e.abort(stats, err)
			}
			if !ok {
				break
			}
			ch.take(n)
			reads++
		}
		if reads+writes == 0 {
			break
		}
		e.noteDepth(&stats, reads+writes)
		if _, err := e.SubmitBatch(); err != nil {
			return e.abort(stats, err)
		}

		block := true
		for {
			slot, outcome, err := e.Drain(block)
			if err != nil {
				return e.abort(stats, err)
			}
			if outcome == OutcomeNone {
				break
			}
			block = false
			if outcome != OutcomeComplete {
				continue
			}
			e.account(&stats, slot)
			if slot.Kind() == KindRead {
				if err := e.Relay(slot, dst); err != nil {
					return e.abort(stats, err)
				}
				reads--
				writes++
				continue
			}
			if err := e.Release(slot); err != nil {
				return e.abort(stats, err)
			}
			writes--
		}
	}
	e.finish(&stats)
	if stopped {
		return stats, ctx.Err()
	}
	return stats, nil
}

// Run dispatches to the pipeline selected by mode
func (e *Engine) Run(ctx context.Context, mode Mode, src, dst int, r Range) (Stats, error) {
	switch mode {
	case ModeCopy:
		return e.Copy(ctx, src, dst, r)
	case ModeRead:
		return e.Transfer(ctx, KindRead, src, r)
	case ModeWrite:
		return e.Transfer(ctx, KindWrite, dst, r)
	default:
		return Stats{}, fmt.Errorf("queue: unknown mode %d", mode)
	}
}

func (e *Engine) account(stats *Stats, slot *Slot) {
	n := uint64(slot.Length())
	if slot.Kind() == KindWrite {
		stats.BytesWritten += n
		stats.Writes++
	} else {
		stats.BytesRead += n
		stats.Reads++
	}
}

func (e *Engine) noteDepth(stats *Stats, inFlight int) {
	if inFlight > stats.MaxInFlight {
		stats.MaxInFlight = inFlight
	}
	e.observer.ObserveQueueDepth(uint32(inFlight))
}

func (e *Engine) finish(stats *Stats) {
	stats.Partials = e.partials
	stats.Retries = e.retries
}

func (e *Engine) abort(stats Stats, err error) (Stats, error) {
	e.quiesce()
	e.finish(&stats)
	return stats, err
}
