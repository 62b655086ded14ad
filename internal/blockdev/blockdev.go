// Package blockdev opens the raw read and write targets of a transfer
package blockdev

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Options control how a device is opened
type Options struct {
	Direct   bool // bypass the page cache with O_DIRECT
	ReadOnly bool
}

// Device is an open block device or regular file
type Device struct {
	fd   int
	path string
	size int64
}

// Open opens an existing device; it never creates one. The size is
// queried once here.
func Open(path string, opts Options) (*Device, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.ReadOnly {
		flags = unix.O_RDONLY | unix.O_CLOEXEC
	}
	if opts.Direct {
		flags |= unix.O_DIRECT
	}

	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, &PathError{Op: "open", Path: path, Err: err}
	}

	size, err := querySize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, &PathError{Op: "size", Path: path, Err: err}
	}
	return &Device{fd: fd, path: path, size: size}, nil
}

// querySize returns the byte size of a block device or regular file
func querySize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		return blockSize(fd)
	case unix.S_IFREG:
		return st.Size, nil
	default:
		return 0, fmt.Errorf("not a block device or regular file (mode %#o)", st.Mode&unix.S_IFMT)
	}
}

// Fd returns the open descriptor
func (d *Device) Fd() int { return d.fd }

// Path returns the path the device was opened from
func (d *Device) Path() string { return d.path }

// Size returns the device size in bytes
func (d *Device) Size() int64 { return d.size }

// ReadAt reads len(p) bytes at off, retrying short reads
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pread(d.fd, p[total:], off+int64(total))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return total, &PathError{Op: "pread", Path: d.path, Err: err}
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

// WriteAt writes len(p) bytes at off, retrying short writes
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pwrite(d.fd, p[total:], off+int64(total))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return total, &PathError{Op: "pwrite", Path: d.path, Err: err}
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
		total += n
	}
	return total, nil
}

// Close closes the descriptor
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// PathError records the device and step that failed
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }
