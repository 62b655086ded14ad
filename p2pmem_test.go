package p2pmem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-p2pmem/internal/blockdev"
	"github.com/ehrlich-b/go-p2pmem/internal/logging"
	"github.com/ehrlich-b/go-p2pmem/internal/peermem"
	"github.com/ehrlich-b/go-p2pmem/internal/uring"
)

const (
	readPath  = "/dev/mock-read"
	writePath = "/dev/mock-write"
)

type sessionHarness struct {
	read  *MockDevice
	write *MockDevice
	rings []*uring.SimRing
	log   bytes.Buffer

	// shadow receives ring writes instead of the write device when set
	shadow []byte

	opened map[string]blockdev.Options

	configure func(*uring.SimRing)
}

func newSessionHarness(t *testing.T, size int64) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		read:  NewMockDevice(10, readPath, size),
		write: NewMockDevice(11, writePath, size),
	}
	rand.New(rand.NewSource(7)).Read(h.read.Bytes())
	return h
}

func (h *sessionHarness) options() *Options {
	return &Options{
		Logger: logging.NewLogger(&logging.Config{
			Level:   logging.LevelDebug,
			Format:  "text",
			Output:  &h.log,
			Sync:    true,
			NoColor: true,
		}),
		newRing: func(entries uint32) (uring.Ring, error) {
			r := uring.NewSimRing(int(entries))
			r.AddDevice(h.read.Fd(), h.read.Bytes())
			if h.shadow != nil {
				r.AddDevice(h.write.Fd(), h.shadow)
			} else {
				r.AddDevice(h.write.Fd(), h.write.Bytes())
			}
			if h.configure != nil {
				h.configure(r)
			}
			h.rings = append(h.rings, r)
			return r, nil
		},
		openDevice: func(path string, opts blockdev.Options) (Device, error) {
			if h.opened == nil {
				h.opened = map[string]blockdev.Options{}
			}
			h.opened[path] = opts
			switch path {
			case readPath:
				return h.read, nil
			case writePath:
				return h.write, nil
			}
			return nil, &blockdev.PathError{Op: "open", Path: path, Err: syscall.ENOENT}
		},
	}
}

func testParams(chunk int, chunks int64) Params {
	p := DefaultParams()
	p.ReadPath = readPath
	p.WritePath = writePath
	p.ChunkSize = Size(chunk)
	p.Chunks = chunks
	p.Depth = 4
	p.Seed = 42
	return p
}

func openSession(t *testing.T, h *sessionHarness, p Params) *Session {
	t.Helper()
	s, err := Open(context.Background(), p, h.options())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCopy(t *testing.T) {
	h := newSessionHarness(t, 16*4096)
	opts := h.options()
	opts.Metrics = NewMetrics()

	s, err := Open(context.Background(), testParams(4096, 16), opts)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.StoppedAt)

	sum := res.Summary
	assert.Equal(t, "copy", sum.Mode)
	assert.Equal(t, "host", sum.Buffer)
	assert.Equal(t, uint64(16*4096), sum.TotalBytes)
	assert.Equal(t, uint64(16*4096), sum.BytesRead)
	assert.Equal(t, uint64(16*4096), sum.BytesWritten)
	assert.LessOrEqual(t, sum.MaxInFlight, 4)
	assert.True(t, bytes.Equal(h.read.Bytes(), h.write.Bytes()))

	snap := opts.Metrics.Snapshot()
	assert.Equal(t, uint64(16), snap.ReadOps)
	assert.Equal(t, uint64(16), snap.WriteOps)
	assert.Equal(t, snap, sum.Metrics)

	require.Len(t, h.rings, 1)
	assert.LessOrEqual(t, h.rings[0].MaxOutstanding(), 4)
}

func TestSessionOverlapWrapsDevice(t *testing.T) {
	h := newSessionHarness(t, 8192)

	p := testParams(4096, 4)
	p.Overlap = true
	s := openSession(t, h, p)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4*4096), res.Summary.TotalBytes)
	assert.Equal(t, uint64(4*4096), res.Summary.BytesRead)
	assert.Equal(t, uint64(4*4096), res.Summary.BytesWritten)
	assert.Equal(t, h.read.Bytes(), h.write.Bytes())

	for _, op := range h.rings[0].Ops() {
		assert.Less(t, op.Offset, uint64(8192))
	}
}

func TestSessionOpenModes(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Params)
		srcRO  bool
		sinkRO bool
	}{
		{"copy", nil, true, false},
		{"check seeds the source", func(p *Params) { p.Check = true }, false, false},
		{"read only run", func(p *Params) { p.SkipWrite = true }, true, true},
		{"write only run", func(p *Params) { p.SkipRead = true }, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSessionHarness(t, 4*4096)
			p := testParams(4096, 4)
			p.Direct = true
			if tt.modify != nil {
				tt.modify(&p)
			}
			openSession(t, h, p)
			assert.Equal(t, blockdev.Options{Direct: true, ReadOnly: tt.srcRO}, h.opened[readPath])
			assert.Equal(t, blockdev.Options{Direct: true, ReadOnly: tt.sinkRO}, h.opened[writePath])
		})
	}
}

func TestSessionCopyShortCompletions(t *testing.T) {
	h := newSessionHarness(t, 10000)
	h.configure = func(r *uring.SimRing) { r.MaxTransfer = 1000 }

	p := testParams(2000, 5)
	s := openSession(t, h, p)

	sum, err := s.Transfer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), sum.BytesRead)
	assert.Equal(t, uint64(10000), sum.BytesWritten)
	assert.Equal(t, uint64(10), sum.Partials)
	assert.True(t, bytes.Equal(h.read.Bytes(), h.write.Bytes()))
}

func TestSessionReadOnly(t *testing.T) {
	h := newSessionHarness(t, 8*4096)
	p := testParams(4096, 8)
	p.SkipWrite = true
	s := openSession(t, h, p)

	sum, err := s.Transfer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "read", sum.Mode)
	assert.Equal(t, uint64(8*4096), sum.BytesRead)
	assert.Zero(t, sum.BytesWritten)
	assert.Equal(t, make([]byte, 8*4096), h.write.Bytes())
	for _, op := range h.rings[0].Ops() {
		assert.Equal(t, uring.OpRead, op.Kind)
		assert.Equal(t, h.read.Fd(), op.Fd)
	}
}

func TestSessionWriteOnly(t *testing.T) {
	h := newSessionHarness(t, 8*4096)
	for i := range h.write.Bytes() {
		h.write.Bytes()[i] = 0xFF
	}
	p := testParams(4096, 8)
	p.SkipRead = true
	s := openSession(t, h, p)

	sum, err := s.Transfer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "write", sum.Mode)
	assert.Zero(t, sum.BytesRead)
	assert.Equal(t, uint64(8*4096), sum.BytesWritten)
	// the host buffer starts zeroed
	assert.Equal(t, make([]byte, 8*4096), h.write.Bytes())
}

func TestSessionCheck(t *testing.T) {
	h := newSessionHarness(t, 16*4096)
	p := testParams(4096, 16)
	p.Check = true
	s := openSession(t, h, p)

	sum, err := s.Transfer(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Checked)

	// the source was reseeded from the session seed
	seeded := make([]byte, 16*4096)
	rand.New(rand.NewSource(42)).Read(seeded)
	assert.Equal(t, seeded, h.read.Bytes())
	assert.Equal(t, seeded, h.write.Bytes())
}

func TestSessionCheckMismatch(t *testing.T) {
	h := newSessionHarness(t, 4*4096)
	h.shadow = make([]byte, 4*4096)
	p := testParams(4096, 4)
	p.Check = true
	s := openSession(t, h, p)

	_, err := s.Transfer(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataMismatch)
	assert.True(t, IsCode(err, ErrCodeDataMismatch))
}

func TestOpenValidation(t *testing.T) {
	h := newSessionHarness(t, 4096)
	p := testParams(4096, 4) // needs 16 KiB, devices hold 4 KiB
	p.Check = true
	p.SkipRead = true

	_, err := Open(context.Background(), p, h.options())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "--skip-read or --skip-write with --check")
	assert.Contains(t, err.Error(), "or use --overlap")

	// nothing was touched and both devices were released
	assert.Empty(t, h.rings)
	r, w := h.read.CallCounts()
	assert.Zero(t, r)
	assert.Zero(t, w)
	assert.True(t, h.read.IsClosed())
	assert.True(t, h.write.IsClosed())
}

func TestOpenWorkerFallback(t *testing.T) {
	h := newSessionHarness(t, 15*4096)
	p := testParams(4096, 15)
	p.Workers = 4

	s := openSession(t, h, p)
	assert.Equal(t, 1, s.Params().Workers)
	assert.Contains(t, h.log.String(), "multiple workers are not supported yet")

	sum, err := s.Transfer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Workers)
	assert.Equal(t, uint64(15*4096), sum.BytesWritten)
}

func TestOpenDurationWarning(t *testing.T) {
	h := newSessionHarness(t, 4096)
	p := testParams(4096, 1)
	p.Duration = 5e9

	openSession(t, h, p)
	assert.Contains(t, h.log.String(), "duration is accepted but not enforced")
}

func TestOpenMissingDevice(t *testing.T) {
	h := newSessionHarness(t, 4096)
	p := testParams(4096, 1)
	p.WritePath = "/dev/nope"

	_, err := Open(context.Background(), p, h.options())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDeviceNotFound))
	assert.True(t, IsErrno(err, syscall.ENOENT))

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "open_write", pe.Op)
	assert.Equal(t, "/dev/nope", pe.Device)
	assert.True(t, h.read.IsClosed())
}

func TestRunStopAfterInit(t *testing.T) {
	h := newSessionHarness(t, 4096)
	p := testParams(4096, 1)
	p.Init = InitSpec{Size: 8, Total: 64 << 10, Stop: true}

	s := openSession(t, h, p)
	assert.GreaterOrEqual(t, len(s.Buffer()), 64<<10)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopAfterInit, res.StoppedAt)
	assert.Empty(t, h.rings)
}

func TestRunStopAfterHostTest(t *testing.T) {
	h := newSessionHarness(t, 4096)
	p := testParams(4096, 1)
	p.Init = InitSpec{Size: 4, Total: 4096}
	p.HostAccess = AccessSpec{Size: 4, Count: 128, Stop: true}

	s := openSession(t, h, p)
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopAfterTest, res.StoppedAt)
	require.NotNil(t, res.Host)
	assert.Equal(t, 128, res.Host.Accesses)
	assert.Equal(t, 128, res.Host.Verified+res.Host.Skipped)
	assert.Empty(t, h.rings)
}

func TestRunProbesThenTransfer(t *testing.T) {
	h := newSessionHarness(t, 4*4096)
	p := testParams(4096, 4)
	p.HostAccess = AccessSpec{Size: -8, Count: 32}

	s := openSession(t, h, p)
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.StoppedAt)
	require.NotNil(t, res.Host)
	assert.Zero(t, res.Host.Verified)
	assert.Equal(t, uint64(4*4096), res.Summary.BytesWritten)
}

func TestTransferFailure(t *testing.T) {
	h := newSessionHarness(t, 8*4096)
	h.configure = func(r *uring.SimRing) {
		r.Fault = func(op uring.SimOp) int32 {
			if op.Kind == uring.OpWrite && op.Offset == 2*4096 {
				return -int32(syscall.EIO)
			}
			return 0
		}
	}
	s := openSession(t, h, testParams(4096, 8))

	_, err := s.Transfer(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeIOError))
	assert.ErrorIs(t, err, ErrIO)
	assert.True(t, IsErrno(err, syscall.EIO))

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "transfer", pe.Op)
	assert.Equal(t, 0, pe.Worker)
	assert.Zero(t, h.rings[0].Outstanding())
}

func TestTransferRetryBudget(t *testing.T) {
	h := newSessionHarness(t, 4096)
	h.configure = func(r *uring.SimRing) {
		r.Fault = func(uring.SimOp) int32 { return -int32(syscall.EAGAIN) }
	}
	p := testParams(4096, 1)
	p.MaxRetries = 3
	s := openSession(t, h, p)

	_, err := s.Transfer(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeRetryBudget))
	assert.ErrorIs(t, err, ErrRetryBudget)
}

func TestTransferCancelled(t *testing.T) {
	h := newSessionHarness(t, 4*4096)
	s := openSession(t, h, testParams(4096, 4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Transfer(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionPeerMapping(t *testing.T) {
	page := peermem.PageSize()
	h := newSessionHarness(t, int64(4*page))
	p := testParams(page, 4)

	// a regular file stands in for the p2pmem character device
	path := filepath.Join(t.TempDir(), "p2pmem0")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(2*p.BufferSize()))
	require.NoError(t, f.Close())
	p.P2PMemPath = path
	p.Offset = Size(page)

	s := openSession(t, h, p)
	sum, err := s.Transfer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "device", sum.Buffer)
	assert.True(t, bytes.Equal(h.read.Bytes(), h.write.Bytes()))
	require.NoError(t, s.Close())

	// the relayed data went through the mapped file
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, make([]byte, p.BufferSize()), data[page:int64(page)+p.BufferSize()])
}

func TestSessionCloseTwice(t *testing.T) {
	h := newSessionHarness(t, 4096)
	s, err := Open(context.Background(), testParams(4096, 1), h.options())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Nil(t, s.Buffer())
}

func TestOpenNilOptions(t *testing.T) {
	// without hooks the real device layer is used
	p := testParams(4096, 1)
	p.ReadPath = filepath.Join(t.TempDir(), "missing")
	logging.SetDefault(logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: io.Discard, Sync: true}))

	_, err := Open(context.Background(), p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
