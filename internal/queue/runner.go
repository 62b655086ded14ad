package queue

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/ehrlich-b/go-p2pmem/internal/interfaces"
	"github.com/ehrlich-b/go-p2pmem/internal/logging"
	"github.com/ehrlich-b/go-p2pmem/internal/uring"
)

// RingFactory creates the ring for one runner
type RingFactory func(entries uint32) (uring.Ring, error)

// DefaultRingFactory creates a kernel io_uring
func DefaultRingFactory(entries uint32) (uring.Ring, error) {
	return uring.NewRing(uring.Config{Entries: entries})
}

// Config describes one worker's share of a transfer
type Config struct {
	WorkerID   int
	Mode       Mode
	ReadFd     int
	WriteFd    int
	Range      Range
	Buffer     []byte // private region, Capacity(Depth) * ChunkSize bytes
	ChunkSize  int
	Depth      int
	MaxRetries int
	NewRing    RingFactory
	Observer   interfaces.Observer
	Logger     *logging.Logger
}

// Result is what one worker hands back after it has finished
type Result struct {
	WorkerID int
	Stats    Stats
	Elapsed  time.Duration
}

// Runner drives one engine over one byte range
type Runner struct {
	id     int
	mode   Mode
	readFd int
	wrFd   int
	rng    Range
	engine *Engine
	logger *logging.Logger
}

// NewRunner creates the ring and the engine for a worker. Failures here are
// setup faults and nothing has been submitted yet.
func NewRunner(config Config) (*Runner, error) {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithWorker(config.WorkerID)

	newRing := config.NewRing
	if newRing == nil {
		newRing = DefaultRingFactory
	}

	if config.Depth <= 0 {
		return nil, fmt.Errorf("queue: depth must be positive, got %d", config.Depth)
	}
	entries := uint32(Capacity(config.Depth))
	logger.Debug("creating ring", "entries", entries, "depth", config.Depth)
	ring, err := newRing(entries)
	if err != nil {
		return nil, fmt.Errorf("create ring: %w", err)
	}

	engine, err := NewEngine(EngineConfig{
		Ring:       ring,
		Buffer:     config.Buffer,
		ChunkSize:  config.ChunkSize,
		Depth:      config.Depth,
		MaxRetries: config.MaxRetries,
		Observer:   config.Observer,
		Logger:     logger,
	})
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("create slot pool: %w", err)
	}

	return &Runner{
		id:     config.WorkerID,
		mode:   config.Mode,
		readFd: config.ReadFd,
		wrFd:   config.WriteFd,
		rng:    config.Range,
		engine: engine,
		logger: logger,
	}, nil
}

// Run executes the configured pipeline on the calling goroutine, pinned to
// its OS thread for the duration.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.logger.Debug("worker starting",
		"mode", r.mode.String(), "start", r.rng.Start, "size", r.rng.Size)

	start := time.Now()
	stats, err := r.engine.Run(ctx, r.mode, r.readFd, r.wrFd, r.rng)
	res := Result{WorkerID: r.id, Stats: stats, Elapsed: time.Since(start)}
	if err != nil {
		r.logger.WithError(err).Debug("worker stopped",
			"bytes_read", stats.BytesRead, "bytes_written", stats.BytesWritten)
		return res, err
	}

	r.logger.Debug("worker finished",
		"bytes_read", stats.BytesRead,
		"bytes_written", stats.BytesWritten,
		"partials", stats.Partials,
		"retries", stats.Retries,
		"max_in_flight", stats.MaxInFlight)
	return res, nil
}

// Engine returns the runner's engine
func (r *Runner) Engine() *Engine { return r.engine }

// Close releases the ring
func (r *Runner) Close() error {
	if r.engine == nil {
		return nil
	}
	err := r.engine.Close()
	r.engine = nil
	return err
}
