// Package p2pmem benchmarks and checks block device transfers staged
// through a peer memory buffer (or host memory) with io_uring.
//
// A Session owns the two devices and the transfer buffer. Run executes the
// optional host probes and then one transfer pipeline, chosen from the
// parameters: copy (read and relay to the sink), read only or write only.
package p2pmem

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-p2pmem/internal/blockdev"
	"github.com/ehrlich-b/go-p2pmem/internal/hostaccess"
	"github.com/ehrlich-b/go-p2pmem/internal/integrity"
	"github.com/ehrlich-b/go-p2pmem/internal/logging"
	"github.com/ehrlich-b/go-p2pmem/internal/peermem"
	"github.com/ehrlich-b/go-p2pmem/internal/queue"
	"github.com/ehrlich-b/go-p2pmem/internal/report"
)

// Summary is the end-of-run report
type Summary = report.Summary

// HostResult summarises a random-access host probe
type HostResult = hostaccess.Result

// Stop points reported in Result.StoppedAt
const (
	StopAfterInit = "hostinit"
	StopAfterTest = "hosttest"
)

// Options contains additional options for a Session
type Options struct {
	// Logger for the session; nil uses logging.Default()
	Logger *logging.Logger

	// Metrics, when set, receives every engine event
	Metrics *Metrics

	// Observer overrides the observer derived from Metrics
	Observer Observer

	// hooks for tests
	newRing    queue.RingFactory
	openDevice func(path string, opts blockdev.Options) (Device, error)
}

// Result is what Run reports
type Result struct {
	// StoppedAt names the probe that ended the run early, if any
	StoppedAt string
	Host      *HostResult
	Summary   Summary
}

// Session is one configured benchmark run
type Session struct {
	params   Params
	seed     int64
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer
	newRing  queue.RingFactory

	read   Device
	write  Device
	buffer *peermem.Buffer
}

func openBlockDevice(path string, opts blockdev.Options) (Device, error) {
	return blockdev.Open(path, opts)
}

// Open prepares a run: it opens both devices, validates the parameters
// against their sizes and acquires the transfer buffer. Nothing is read,
// written or mapped before validation passes.
func Open(ctx context.Context, params Params, options *Options) (*Session, error) {
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	p, lowered := params.Normalize()
	if lowered {
		logger.Warn("multiple workers are not supported yet, using one", "requested", params.Workers)
	}
	if p.Duration != 0 {
		logger.Warn("duration is accepted but not enforced", "duration", p.Duration.String())
	}

	s := &Session{
		params:   p,
		seed:     p.Seed,
		logger:   logger,
		metrics:  options.Metrics,
		observer: options.Observer,
		newRing:  options.newRing,
	}
	if s.seed < 0 {
		s.seed = time.Now().UnixNano()
	}
	if s.observer == nil && s.metrics != nil {
		s.observer = NewMetricsObserver(s.metrics)
	}
	if s.newRing == nil {
		s.newRing = queue.DefaultRingFactory
	}
	openDevice := options.openDevice
	if openDevice == nil {
		openDevice = openBlockDevice
	}

	if err := ctx.Err(); err != nil {
		return nil, wrapWithCode("open", ErrCodeCancelled, err)
	}

	// the source is only written when --check seeds it, the sink never in
	// a read-only run
	readOpts := blockdev.Options{Direct: p.Direct, ReadOnly: !p.Check}
	writeOpts := blockdev.Options{Direct: p.Direct, ReadOnly: p.Mode() == queue.ModeRead}
	read, err := openDevice(p.ReadPath, readOpts)
	if err != nil {
		return nil, deviceError("open_read", p.ReadPath, err)
	}
	s.read = read
	logger.WithDevice("read", p.ReadPath).Debug("device opened", "size", read.Size())

	write, err := openDevice(p.WritePath, writeOpts)
	if err != nil {
		s.Close()
		return nil, deviceError("open_write", p.WritePath, err)
	}
	s.write = write
	logger.WithDevice("write", p.WritePath).Debug("device opened", "size", write.Size())

	if err := p.Validate(read.Size(), write.Size()); err != nil {
		s.Close()
		return nil, err
	}

	size := int(p.BufferSize())
	if p.P2PMemPath != "" {
		s.buffer, err = peermem.Map(p.P2PMemPath, int64(p.Offset), size)
		if err != nil {
			s.Close()
			return nil, deviceError("map_buffer", p.P2PMemPath, err)
		}
	} else {
		s.buffer, err = peermem.Alloc(size)
		if err != nil {
			s.Close()
			return nil, WrapError("alloc_buffer", err)
		}
	}

	logger.Info("session ready",
		"mode", p.Mode().String(),
		"buffer", s.buffer.Source().String(),
		"buffer_size", Size(size).String(),
		"chunk_size", int64(p.ChunkSize),
		"chunks", p.Chunks,
		"iodepth", p.Depth,
		"seed", s.seed)
	return s, nil
}

func deviceError(op, path string, err error) *Error {
	e := WrapError(op, err)
	e.Device = path
	return e
}

// Params returns the effective parameters, after the worker fallback
func (s *Session) Params() Params { return s.params }

// Seed returns the seed used for probes and data check content
func (s *Session) Seed() int64 { return s.seed }

// Buffer returns the transfer buffer bytes
func (s *Session) Buffer() []byte {
	if s.buffer == nil {
		return nil
	}
	return s.buffer.Bytes()
}

// Run executes the configured probes and the transfer
func (s *Session) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	p := s.params

	if p.Init.Enabled() {
		if err := s.HostInit(); err != nil {
			return nil, err
		}
		if p.Init.Stop {
			s.logger.Info("stopping after host init")
			res.StoppedAt = StopAfterInit
			return res, nil
		}
	}

	if p.HostAccess.Enabled() {
		hr, err := s.HostTest()
		if err != nil {
			return nil, err
		}
		res.Host = &hr
		if p.HostAccess.Stop {
			s.logger.Info("stopping after host test")
			res.StoppedAt = StopAfterTest
			return res, nil
		}
	}

	sum, err := s.Transfer(ctx)
	if err != nil {
		return nil, err
	}
	res.Summary = sum
	return res, nil
}

// HostInit zeroes the configured prefix of the buffer element by element
func (s *Session) HostInit() error {
	in := s.params.Init
	start := time.Now()
	if err := hostaccess.Init(s.Buffer(), in.Size, int(in.Total)); err != nil {
		return wrapWithCode("host_init", ErrCodeInvalidConfig, err)
	}
	s.logger.Debug("host init done", "elem_size", in.Size, "total", in.Total, "elapsed", time.Since(start).String())
	return nil
}

// HostTest runs the random-access probe over the first chunk of the buffer
func (s *Session) HostTest() (HostResult, error) {
	ha := s.params.HostAccess
	t, err := hostaccess.New(s.Buffer(), int(s.params.ChunkSize), rand.New(rand.NewSource(s.seed)))
	if err != nil {
		return HostResult{}, wrapWithCode("host_test", ErrCodeInvalidConfig, err)
	}
	res, err := t.Run(ha.Count, ha.Size)
	if err != nil {
		var mm *hostaccess.MismatchError
		if errors.As(err, &mm) {
			return res, wrapWithCode("host_test", ErrCodeHostMismatch, err)
		}
		return res, wrapWithCode("host_test", ErrCodeInvalidConfig, err)
	}
	s.logger.Info("host test passed",
		"accesses", res.Accesses,
		"elem_size", res.ElemSize,
		"verified", res.Verified,
		"skipped", res.Skipped,
		"elapsed", res.Elapsed.String())
	return res, nil
}

// Transfer runs the pipeline over [0, chunks*chunk_size). With --overlap
// the range cycles over the smaller device. The range is
// split into equal whole-chunk shares, one per worker, and each worker
// owns its ring, its slot pool and a disjoint region of the buffer.
// Counters are combined once every worker has returned.
func (s *Session) Transfer(ctx context.Context) (Summary, error) {
	p := s.params
	chunk := int(p.ChunkSize)
	total := p.TotalSize()
	workers := p.Workers
	share := uint64(p.Chunks/int64(workers)) * uint64(chunk)
	region := chunk * queue.Capacity(p.Depth)
	var wrap uint64
	if p.Overlap {
		wrap = uint64(min(s.read.Size(), s.write.Size()))
	}

	var scratch []byte
	var want uint64
	if p.Check {
		// page aligned so the check also works with O_DIRECT devices
		sb, err := peermem.Alloc(chunk)
		if err != nil {
			return Summary{}, WrapError("alloc_buffer", err)
		}
		defer sb.Close()
		scratch = sb.Bytes()
		want, err = integrity.Seed(s.read, 0, total, scratch, rand.New(rand.NewSource(s.seed)))
		if err != nil {
			return Summary{}, deviceError("seed_data", p.ReadPath, err)
		}
		s.logger.Debug("source seeded", "bytes", total, "digest", fmt.Sprintf("%016x", want))
	}

	runners := make([]*queue.Runner, 0, workers)
	defer func() {
		for _, r := range runners {
			r.Close()
		}
	}()
	for w := 0; w < workers; w++ {
		buf, err := s.buffer.Region(w, region)
		if err != nil {
			return Summary{}, s.workerError("alloc_buffer", w, err)
		}
		r, err := queue.NewRunner(queue.Config{
			WorkerID:   w,
			Mode:       p.Mode(),
			ReadFd:     s.read.Fd(),
			WriteFd:    s.write.Fd(),
			Range:      queue.Range{Start: uint64(w) * share, Size: share, Wrap: wrap},
			Buffer:     buf,
			ChunkSize:  chunk,
			Depth:      p.Depth,
			MaxRetries: p.MaxRetries,
			NewRing:    s.newRing,
			Observer:   s.observer,
			Logger:     s.logger,
		})
		if err != nil {
			return Summary{}, s.workerError("setup_ring", w, err)
		}
		runners = append(runners, r)
	}

	before, err := report.SampleUsage()
	if err != nil {
		return Summary{}, WrapError("rusage", err)
	}
	if s.metrics != nil {
		s.metrics.StartTime.Store(time.Now().UnixNano())
	}
	start := time.Now()

	results := make([]queue.Result, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range runners {
		i, r := i, r
		g.Go(func() error {
			res, err := r.Run(gctx)
			results[i] = res
			if err != nil {
				return s.workerError("transfer", i, err)
			}
			return nil
		})
	}
	werr := g.Wait()

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.Stop()
	}
	after, err := report.SampleUsage()
	if err != nil {
		return Summary{}, WrapError("rusage", err)
	}
	if werr != nil {
		return Summary{}, werr
	}

	var stats queue.Stats
	for _, res := range results {
		stats.Add(res.Stats)
	}

	if p.Check {
		got, err := integrity.Sum(s.write, 0, total, scratch)
		if err != nil {
			return Summary{}, deviceError("check_data", p.WritePath, err)
		}
		if err := integrity.Compare(want, got); err != nil {
			return Summary{}, wrapWithCode("check_data", ErrCodeDataMismatch, err)
		}
		s.logger.Info("data check passed", "digest", fmt.Sprintf("%016x", got))
	}

	sum := Summary{
		Mode:         p.Mode().String(),
		Buffer:       s.buffer.Source().String(),
		Workers:      workers,
		ChunkSize:    int64(chunk),
		Chunks:       p.Chunks,
		TotalBytes:   uint64(total),
		BytesRead:    stats.BytesRead,
		BytesWritten: stats.BytesWritten,
		Partials:     stats.Partials,
		Retries:      stats.Retries,
		MaxInFlight:  stats.MaxInFlight,
		Elapsed:      elapsed,
		CPU:          after.Sub(before),
		Checked:      p.Check,
	}
	if s.metrics != nil {
		sum.Metrics = s.metrics.Snapshot()
	}

	s.logger.Info("transfer complete",
		"bytes_read", stats.BytesRead,
		"bytes_written", stats.BytesWritten,
		"partials", stats.Partials,
		"retries", stats.Retries,
		"elapsed", elapsed.String())
	return sum, nil
}

// workerError wraps a worker failure with the step and worker index
func (s *Session) workerError(op string, worker int, err error) *Error {
	var code ErrorCode
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeCancelled
	case errors.Is(err, queue.ErrRetryBudget):
		code = ErrCodeRetryBudget
	case op == "setup_ring" || op == "alloc_buffer":
		// an errno, when there is one, says more than "setup failed"
		var errno syscall.Errno
		if !errors.As(err, &errno) {
			code = ErrCodeSetup
		}
	}
	e := wrapWithCode(op, code, err)
	e.Worker = worker
	return e
}

// Close releases the buffer and both devices. It is safe to call more
// than once.
func (s *Session) Close() error {
	var errs []error
	if s.buffer != nil {
		if err := s.buffer.Close(); err != nil {
			errs = append(errs, WrapError("unmap_buffer", err))
		}
		s.buffer = nil
	}
	if s.write != nil {
		if err := s.write.Close(); err != nil {
			errs = append(errs, deviceError("close_write", s.write.Path(), err))
		}
		s.write = nil
	}
	if s.read != nil {
		if err := s.read.Close(); err != nil {
			errs = append(errs, deviceError("close_read", s.read.Path(), err))
		}
		s.read = nil
	}
	return errors.Join(errs...)
}
