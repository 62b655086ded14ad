package queue

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-p2pmem/internal/interfaces"
	"github.com/ehrlich-b/go-p2pmem/internal/logging"
	"github.com/ehrlich-b/go-p2pmem/internal/uring"
)

// Outcome classifies one drained completion
type Outcome int

const (
	OutcomeNone     Outcome = iota // nothing was ready
	OutcomeComplete                // requested bytes transferred
	OutcomeShort                   // partial transfer, re-issued for the rest
	OutcomeRetry                   // transient failure, re-issued unchanged
	OutcomeFailed                  // unrecoverable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeComplete:
		return "complete"
	case OutcomeShort:
		return "short"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrRetryBudget is returned when a slot exceeds MaxRetries consecutive
// retryable completions.
var ErrRetryBudget = errors.New("queue: retry budget exhausted")

// OpError describes a failed ring operation
type OpError struct {
	Kind   Kind
	Fd     int
	Offset uint64
	Length int
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s fd=%d offset=%d len=%d: %v", e.Kind, e.Fd, e.Offset, e.Length, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// EngineConfig configures an Engine
type EngineConfig struct {
	Ring       uring.Ring
	Buffer     []byte // must hold Capacity(Depth) * ChunkSize bytes
	ChunkSize  int
	Depth      int
	MaxRetries int // consecutive EAGAIN completions per slot, 0 = unbounded
	Observer   interfaces.Observer
	Logger     *logging.Logger
}

// Engine couples one ring with one slot pool. Submission and completion
// happen on the caller's goroutine; nothing inside is locked.
type Engine struct {
	ring       uring.Ring
	pool       *Pool
	depth      int
	chunkSize  int
	maxRetries int
	observer   interfaces.Observer
	logger     *logging.Logger

	queued      int // prepared, not yet submitted
	outstanding int // submitted, not yet reaped

	partials uint64
	retries  uint64
}

// NewEngine builds the slot pool over cfg.Buffer and takes ownership of cfg.Ring
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Ring == nil {
		return nil, errors.New("queue: engine requires a ring")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("queue: negative retry budget %d", cfg.MaxRetries)
	}
	pool, err := NewPool(cfg.Buffer, cfg.ChunkSize, cfg.Depth)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Engine{
		ring:       cfg.Ring,
		pool:       pool,
		depth:      cfg.Depth,
		chunkSize:  cfg.ChunkSize,
		maxRetries: cfg.MaxRetries,
		observer:   observer,
		logger:     logger,
	}, nil
}

// Pool exposes the engine's slot pool
func (e *Engine) Pool() *Pool { return e.pool }

// Outstanding returns operations prepared or submitted but not yet reaped
func (e *Engine) Outstanding() int { return e.queued + e.outstanding }

// Queue binds a free slot to [offset, offset+length) on fd and prepares the
// SQE. It returns false without error when no slot is free.
func (e *Engine) Queue(kind Kind, fd int, length int, offset uint64) (bool, error) {
	if length <= 0 || length > e.pool.SegmentSize() {
		return false, fmt.Errorf("queue: length %d outside (0, %d]", length, e.pool.SegmentSize())
	}
	slot, ok := e.pool.Acquire()
	if !ok {
		return false, nil
	}
	slot.bind(kind, fd, length, offset)
	if err := e.prepare(slot); err != nil {
		e.pool.Release(slot)
		return false, err
	}
	return true, nil
}

// prepare places the slot's current window on the SQ
func (e *Engine) prepare(slot *Slot) error {
	err := e.prepareOnce(slot)
	if errors.Is(err, uring.ErrSubmissionQueueFull) {
		if _, err = e.SubmitBatch(); err != nil {
			return err
		}
		err = e.prepareOnce(slot)
	}
	if err != nil {
		return err
	}
	e.queued++
	return nil
}

func (e *Engine) prepareOnce(slot *Slot) error {
	iov := slot.vec()
	ud := uint64(slot.index)
	if slot.kind == KindWrite {
		return e.ring.PrepareWritev(slot.fd, iov, slot.Offset(), ud)
	}
	return e.ring.PrepareReadv(slot.fd, iov, slot.Offset(), ud)
}

// SubmitBatch flushes all prepared entries with one system call
func (e *Engine) SubmitBatch() (int, error) {
	if e.queued == 0 {
		return 0, nil
	}
	n, err := e.ring.Submit()
	if err != nil {
		return n, fmt.Errorf("queue: submit: %w", err)
	}
	if n > e.queued {
		n = e.queued
	}
	e.queued -= n
	e.outstanding += n
	return n, nil
}

// reissue puts an in-flight slot straight back on the ring
func (e *Engine) reissue(slot *Slot) error {
	if err := e.prepare(slot); err != nil {
		return err
	}
	_, err := e.SubmitBatch()
	return err
}

// Drain consumes one completion, waiting for it when block is set.
// Short and retryable completions are re-issued before returning, so the
// slot stays in flight and callers act only on OutcomeComplete.
func (e *Engine) Drain(block bool) (*Slot, Outcome, error) {
	var (
		c   uring.Completion
		err error
		ok  = true
	)
	if block {
		c, err = e.ring.WaitCompletion()
	} else {
		c, ok, err = e.ring.PeekCompletion()
	}
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("queue: reap completion: %w", err)
	}
	if !ok {
		return nil, OutcomeNone, nil
	}
	e.outstanding--

	slot, found := e.pool.Lookup(c.UserData)
	if !found {
		return nil, OutcomeFailed, fmt.Errorf("queue: completion for unknown slot %d", c.UserData)
	}
	return e.resolve(slot, c.Res)
}

func (e *Engine) resolve(slot *Slot, res int32) (*Slot, Outcome, error) {
	switch {
	case res < 0:
		errno := syscall.Errno(-res)
		if errno == syscall.EAGAIN {
			return e.retry(slot)
		}
		return slot, OutcomeFailed, e.fail(slot, errno)

	case res == 0:
		return slot, OutcomeFailed, e.fail(slot, io.ErrUnexpectedEOF)

	case int(res) < slot.view.Len:
		n := int(res)
		slot.advance(n)
		slot.retries = 0
		e.partials++
		e.observer.ObservePartial(uint64(n))
		e.logger.WithSlot(slot.index, slot.kind.String()).Debug("short completion",
			"bytes", n, "remaining", slot.view.Len, "offset", slot.Offset())
		if err := e.reissue(slot); err != nil {
			return slot, OutcomeFailed, err
		}
		return slot, OutcomeShort, nil

	default:
		slot.advance(int(res))
		e.observe(slot, true)
		return slot, OutcomeComplete, nil
	}
}

func (e *Engine) retry(slot *Slot) (*Slot, Outcome, error) {
	slot.retries++
	e.retries++
	e.observer.ObserveRetry()
	if e.maxRetries > 0 && slot.retries > e.maxRetries {
		return slot, OutcomeFailed, e.fail(slot, fmt.Errorf("%w after %d attempts", ErrRetryBudget, slot.retries))
	}
	e.logger.WithSlot(slot.index, slot.kind.String()).Debug("resource busy, re-issuing",
		"attempt", slot.retries, "offset", slot.Offset())
	if err := e.reissue(slot); err != nil {
		return slot, OutcomeFailed, err
	}
	return slot, OutcomeRetry, nil
}

func (e *Engine) fail(slot *Slot, cause error) error {
	e.observe(slot, false)
	return &OpError{
		Kind:   slot.kind,
		Fd:     slot.fd,
		Offset: slot.Offset(),
		Length: slot.view.Len,
		Err:    cause,
	}
}

func (e *Engine) observe(slot *Slot, success bool) {
	latency := uint64(time.Since(slot.issuedAt).Nanoseconds())
	bytes := uint64(slot.originLength)
	if slot.kind == KindWrite {
		e.observer.ObserveWrite(bytes, latency, success)
	} else {
		e.observer.ObserveRead(bytes, latency, success)
	}
}

// Relay turns a completed read into the paired write of the same bytes to
// the same offset on fd, and submits it. The slot is not released.
func (e *Engine) Relay(slot *Slot, fd int) error {
	slot.kind = KindWrite
	slot.fd = fd
	slot.rewind()
	slot.retries = 0
	slot.issuedAt = time.Now()
	return e.reissue(slot)
}

// Release returns a completed slot to the pool
func (e *Engine) Release(slot *Slot) error {
	return e.pool.Release(slot)
}

// quiesce waits out every submitted operation after a fatal error so the
// kernel no longer references buffer memory. Results are discarded.
func (e *Engine) quiesce() {
	e.queued = 0
	for e.outstanding > 0 {
		c, err := e.ring.WaitCompletion()
		if err != nil {
			return
		}
		e.outstanding--
		if slot, ok := e.pool.Lookup(c.UserData); ok {
			e.pool.Release(slot)
		}
	}
}

// Close releases the ring
func (e *Engine) Close() error {
	return e.ring.Close()
}

type noopObserver struct{}

func (noopObserver) ObserveRead(uint64, uint64, bool)  {}
func (noopObserver) ObserveWrite(uint64, uint64, bool) {}
func (noopObserver) ObservePartial(uint64)             {}
func (noopObserver) ObserveRetry()                     {}
func (noopObserver) ObserveQueueDepth(uint32)          {}
