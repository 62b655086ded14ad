// Package peermem acquires the transfer buffer: either a mapping of a peer
// device's memory (e.g. an NVMe controller memory buffer exposed as a
// p2pmem character device) or an anonymous page-aligned host region.
package peermem

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Source tells where a Buffer's bytes live
type Source int

const (
	SourceHost Source = iota
	SourceDevice
)

func (s Source) String() string {
	if s == SourceDevice {
		return "device"
	}
	return "host"
}

// ErrClosed is returned when a closed buffer is used
var ErrClosed = errors.New("peermem: buffer closed")

// Buffer is one contiguous, page-aligned transfer region
type Buffer struct {
	data   []byte
	source Source
	path   string
	offset int64
}

// PageSize returns the platform page size
func PageSize() int {
	return os.Getpagesize()
}

// Map maps size bytes of the device at path, starting at offset, shared
// and read/write. The offset must be page aligned.
func Map(path string, offset int64, size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("peermem: invalid size %d", size)
	}
	if offset < 0 || offset%int64(PageSize()) != 0 {
		return nil, fmt.Errorf("peermem: offset %d is not page aligned", offset)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("peermem: open %s: %w", path, err)
	}
	// the mapping holds its own reference to the device
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("peermem: mmap %s at %d (%d bytes): %w", path, offset, size, err)
	}
	return &Buffer{data: data, source: SourceDevice, path: path, offset: offset}, nil
}

// Alloc returns an anonymous, page-aligned host region of size bytes
func Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("peermem: invalid size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("peermem: allocate %d bytes: %w", size, err)
	}
	return &Buffer{data: data, source: SourceHost}, nil
}

// Bytes returns the whole region. The slice is invalid after Close.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the region size
func (b *Buffer) Len() int { return len(b.data) }

// Source reports whether the bytes are device or host memory
func (b *Buffer) Source() Source { return b.source }

// Path returns the mapped device path, empty for host memory
func (b *Buffer) Path() string { return b.path }

// Region returns the i-th of equal regions of n bytes each
func (b *Buffer) Region(i, n int) ([]byte, error) {
	if b.data == nil {
		return nil, ErrClosed
	}
	start := i * n
	if i < 0 || n <= 0 || start+n > len(b.data) {
		return nil, fmt.Errorf("peermem: region %d of %d bytes outside %d byte buffer", i, n, len(b.data))
	}
	return b.data[start : start+n : start+n], nil
}

// Close unmaps exactly the extent that was acquired
func (b *Buffer) Close() error {
	if b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	if err != nil {
		return fmt.Errorf("peermem: munmap: %w", err)
	}
	return nil
}
