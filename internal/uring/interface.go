// Package uring provides the submission/completion ring used by the transfer engine
package uring

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-p2pmem/internal/logging"
)

var (
	// ErrSubmissionQueueFull is returned by Prepare* when no SQE is free.
	ErrSubmissionQueueFull = errors.New("uring: submission queue full")

	// ErrNoCompletion is returned by WaitCompletion when nothing is outstanding
	// and a blocking wait could never return.
	ErrNoCompletion = errors.New("uring: no operation outstanding")

	// ErrClosed is returned by operations on a closed ring.
	ErrClosed = errors.New("uring: ring closed")
)

// Ring is one submission/completion ring pair. It is driven by a single
// goroutine; implementations are not safe for concurrent use.
type Ring interface {
	// PrepareReadv queues a single-vector readv. The iovec must stay valid
	// until the matching completion has been reaped.
	PrepareReadv(fd int, iov *unix.Iovec, offset uint64, userData uint64) error

	// PrepareWritev queues a single-vector writev.
	PrepareWritev(fd int, iov *unix.Iovec, offset uint64, userData uint64) error

	// Submit flushes every prepared entry with one system call
	Submit() (int, error)

	// WaitCompletion blocks until one completion is available and consumes it
	WaitCompletion() (Completion, error)

	// PeekCompletion consumes one completion if one is ready
	PeekCompletion() (Completion, bool, error)

	// Close releases the ring
	Close() error
}

// Completion is one reaped CQE
type Completion struct {
	UserData uint64
	Res      int32
}

// Errno returns the negative result as an errno, or 0 on success
func (c Completion) Errno() syscall.Errno {
	if c.Res >= 0 {
		return 0
	}
	return syscall.Errno(-c.Res)
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of SQ entries, a power of two
}

// NewRing creates a kernel-backed ring
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	logger.Debug("creating io_uring", "entries", config.Entries)

	if config.Entries == 0 || config.Entries&(config.Entries-1) != 0 {
		return nil, fmt.Errorf("uring: entries must be a power of two, got %d", config.Entries)
	}

	ring, err := newKernelRing(config)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, err
	}

	logger.Debug("created io_uring", "entries", config.Entries)
	return ring, nil
}
