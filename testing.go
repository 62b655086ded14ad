package p2pmem

import (
	"io"
	"sync"
)

// MockDevice is an in-memory Device for tests. Its descriptor is a made-up
// number, so it can only be driven by a ring that knows about it (such as
// the simulated ring, via Bytes). It tracks method calls for verification.
type MockDevice struct {
	fd   int
	path string
	data []byte

	mu         sync.Mutex
	closed     bool
	readCalls  int
	writeCalls int
}

// NewMockDevice creates a zeroed mock device of size bytes
func NewMockDevice(fd int, path string, size int64) *MockDevice {
	return &MockDevice{
		fd:   fd,
		path: path,
		data: make([]byte, size),
	}
}

// Fd implements Device
func (m *MockDevice) Fd() int { return m.fd }

// Path implements Device
func (m *MockDevice) Path() string { return m.path }

// Size implements Device
func (m *MockDevice) Size() int64 { return int64(len(m.data)) }

// Bytes exposes the backing storage
func (m *MockDevice) Bytes() []byte { return m.data }

// ReadAt implements Device
func (m *MockDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements Device
func (m *MockDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}

	return copy(m.data[off:], p), nil
}

// Close implements Device. The data stays readable for assertions.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Testing utility methods

// IsClosed returns true if the device has been closed
func (m *MockDevice) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts returns the number of ReadAt and WriteAt calls
func (m *MockDevice) CallCounts() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls, m.writeCalls
}

var _ Device = (*MockDevice)(nil)
