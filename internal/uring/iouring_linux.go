//go:build linux

package uring

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// kernelRing implements Ring on top of giouring
type kernelRing struct {
	ring   *giouring.Ring
	closed bool
}

func newKernelRing(config Config) (Ring, error) {
	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, fmt.Errorf("io_uring_setup(%d): %w", config.Entries, err)
	}
	return &kernelRing{ring: ring}, nil
}

func (r *kernelRing) getSQE() (*giouring.SubmissionQueueEntry, error) {
	if r.closed {
		return nil, ErrClosed
	}
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, ErrSubmissionQueueFull
	}
	return sqe, nil
}

func (r *kernelRing) PrepareReadv(fd int, iov *unix.Iovec, offset uint64, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareReadv(fd, uintptr(unsafe.Pointer(iov)), 1, offset)
	sqe.UserData = userData
	return nil
}

func (r *kernelRing) PrepareWritev(fd int, iov *unix.Iovec, offset uint64, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareWritev(fd, uintptr(unsafe.Pointer(iov)), 1, offset)
	sqe.UserData = userData
	return nil
}

func (r *kernelRing) Submit() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	for {
		n, err := r.ring.Submit()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return int(n), err
	}
}

func (r *kernelRing) WaitCompletion() (Completion, error) {
	if r.closed {
		return Completion{}, ErrClosed
	}
	for {
		cqe, err := r.ring.WaitCQE()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return Completion{}, err
		}
		c := Completion{UserData: cqe.UserData, Res: cqe.Res}
		r.ring.CQESeen(cqe)
		return c, nil
	}
}

func (r *kernelRing) PeekCompletion() (Completion, bool, error) {
	if r.closed {
		return Completion{}, false, ErrClosed
	}
	cqe, err := r.ring.PeekCQE()
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
		return Completion{}, false, nil
	}
	if err != nil {
		return Completion{}, false, err
	}
	if cqe == nil {
		return Completion{}, false, nil
	}
	c := Completion{UserData: cqe.UserData, Res: cqe.Res}
	r.ring.CQESeen(cqe)
	return c, true, nil
}

func (r *kernelRing) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.ring.QueueExit()
	return nil
}
