package uring

import (
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// OpKind distinguishes vectored reads from writes in the simulated ring
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	if k == OpWrite {
		return "write"
	}
	return "read"
}

// SimOp records one submitted operation
type SimOp struct {
	Kind     OpKind
	Fd       int
	Offset   uint64
	Len      int
	UserData uint64
}

type simEntry struct {
	SimOp
	iov *unix.Iovec
}

// SimRing is an in-memory Ring backed by byte slices registered per
// descriptor. Operations execute at Submit, completions are handed out in
// submission order (or reversed per batch when Reverse is set).
type SimRing struct {
	mu      sync.Mutex
	entries int
	devices map[int][]byte
	pending []simEntry
	ready   []Completion
	log     []SimOp
	closed  bool

	outstanding    int
	maxOutstanding int

	// MaxTransfer caps the bytes moved by one operation; >0 forces short completions
	MaxTransfer int

	// Fault is consulted before each operation executes. A negative return
	// value completes the operation with that result and moves no data.
	Fault func(op SimOp) int32

	// Reverse completes each submitted batch in reverse order
	Reverse bool
}

// NewSimRing creates a simulated ring with the given SQ size
func NewSimRing(entries int) *SimRing {
	return &SimRing{
		entries: entries,
		devices: make(map[int][]byte),
	}
}

// AddDevice registers backing storage for fd
func (r *SimRing) AddDevice(fd int, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[fd] = data
}

// Ops returns a copy of every operation executed so far
func (r *SimRing) Ops() []SimOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SimOp, len(r.log))
	copy(out, r.log)
	return out
}

// MaxOutstanding reports the most operations in flight at once
func (r *SimRing) MaxOutstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxOutstanding
}

// Outstanding reports operations submitted but not yet reaped
func (r *SimRing) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

func (r *SimRing) prepare(kind OpKind, fd int, iov *unix.Iovec, offset, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if len(r.pending) >= r.entries {
		return ErrSubmissionQueueFull
	}
	r.pending = append(r.pending, simEntry{
		SimOp: SimOp{Kind: kind, Fd: fd, Offset: offset, Len: int(iov.Len), UserData: userData},
		iov:   iov,
	})
	return nil
}

func (r *SimRing) PrepareReadv(fd int, iov *unix.Iovec, offset uint64, userData uint64) error {
	return r.prepare(OpRead, fd, iov, offset, userData)
}

func (r *SimRing) PrepareWritev(fd int, iov *unix.Iovec, offset uint64, userData uint64) error {
	return r.prepare(OpWrite, fd, iov, offset, userData)
}

func (r *SimRing) Submit() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	batch := make([]Completion, 0, len(r.pending))
	for _, e := range r.pending {
		r.log = append(r.log, e.SimOp)
		batch = append(batch, Completion{UserData: e.UserData, Res: r.execute(e)})
	}
	n := len(r.pending)
	r.pending = r.pending[:0]

	if r.Reverse {
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}
	}
	r.ready = append(r.ready, batch...)

	r.outstanding += n
	if r.outstanding > r.maxOutstanding {
		r.maxOutstanding = r.outstanding
	}
	return n, nil
}

// execute runs one operation against its backing slice. Caller holds mu.
func (r *SimRing) execute(e simEntry) int32 {
	if r.Fault != nil {
		if res := r.Fault(e.SimOp); res < 0 {
			return res
		}
	}
	dev, ok := r.devices[e.Fd]
	if !ok {
		return -int32(syscall.EBADF)
	}
	if e.Offset >= uint64(len(dev)) {
		return 0
	}
	n := e.Len
	if r.MaxTransfer > 0 && n > r.MaxTransfer {
		n = r.MaxTransfer
	}
	if rem := len(dev) - int(e.Offset); n > rem {
		n = rem
	}
	if n == 0 {
		return 0
	}
	buf := unsafe.Slice(e.iov.Base, n)
	if e.Kind == OpRead {
		copy(buf, dev[e.Offset:])
	} else {
		copy(dev[e.Offset:], buf)
	}
	return int32(n)
}

func (r *SimRing) WaitCompletion() (Completion, error) {
	c, ok, err := r.PeekCompletion()
	if err != nil {
		return Completion{}, err
	}
	if !ok {
		return Completion{}, ErrNoCompletion
	}
	return c, nil
}

func (r *SimRing) PeekCompletion() (Completion, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Completion{}, false, ErrClosed
	}
	if len(r.ready) == 0 {
		return Completion{}, false, nil
	}
	c := r.ready[0]
	r.ready = r.ready[1:]
	r.outstanding--
	return c, true, nil
}

func (r *SimRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

var _ Ring = (*SimRing)(nil)
