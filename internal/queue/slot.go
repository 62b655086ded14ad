package queue

import (
	"time"

	"golang.org/x/sys/unix"
)

// Kind is the direction of a slot's current operation
type Kind uint8

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

type slotState uint8

const (
	slotFree slotState = iota
	slotInFlight
)

// View is the untransferred part of a slot's segment
type View struct {
	Off int // bytes already transferred
	Len int // bytes remaining
}

// Slot binds one in-flight operation to a fixed segment of the transfer
// buffer. The segment never changes after the pool is built.
type Slot struct {
	index   uint32
	segment []byte
	state   slotState

	kind         Kind
	fd           int
	originOffset uint64
	originLength int
	view         View

	iov      unix.Iovec
	retries  int
	issuedAt time.Time
}

// Index is the slot's position in its pool and the ring user data
func (s *Slot) Index() uint32 { return s.index }

// Kind returns the direction of the current operation
func (s *Slot) Kind() Kind { return s.kind }

// Fd returns the descriptor the current operation targets
func (s *Slot) Fd() int { return s.fd }

// OriginOffset is the device offset the logical transfer started at
func (s *Slot) OriginOffset() uint64 { return s.originOffset }

// Length is the full size of the logical transfer
func (s *Slot) Length() int { return s.originLength }

// Offset is the device offset of the next untransferred byte
func (s *Slot) Offset() uint64 { return s.originOffset + uint64(s.view.Off) }

// View returns the untransferred window
func (s *Slot) View() View { return s.view }

// Data returns the bytes of the logical transfer
func (s *Slot) Data() []byte { return s.segment[:s.originLength] }

func (s *Slot) bind(kind Kind, fd int, length int, offset uint64) {
	s.kind = kind
	s.fd = fd
	s.originOffset = offset
	s.originLength = length
	s.view = View{Off: 0, Len: length}
	s.retries = 0
	s.issuedAt = time.Now()
}

// advance moves the view past n transferred bytes. All offset arithmetic
// for partial completions happens here.
func (s *Slot) advance(n int) {
	if n > s.view.Len {
		n = s.view.Len
	}
	s.view.Off += n
	s.view.Len -= n
}

// rewind restores the full view for a relayed write
func (s *Slot) rewind() {
	s.view = View{Off: 0, Len: s.originLength}
}

// vec points the slot's iovec at the untransferred window
func (s *Slot) vec() *unix.Iovec {
	rem := s.segment[s.view.Off : s.view.Off+s.view.Len]
	s.iov.Base = &rem[0]
	s.iov.SetLen(len(rem))
	return &s.iov
}
