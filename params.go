package p2pmem

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-p2pmem/internal/constants"
	"github.com/ehrlich-b/go-p2pmem/internal/peermem"
	"github.com/ehrlich-b/go-p2pmem/internal/queue"
)

// Params is the immutable configuration of one run. It is built once
// (defaults, then an optional YAML profile, then flags) and passed by value.
type Params struct {
	ReadPath   string `yaml:"read"`
	WritePath  string `yaml:"write"`
	P2PMemPath string `yaml:"p2pmem"` // empty selects a host buffer

	Chunks    int64 `yaml:"chunks"`
	ChunkSize Size  `yaml:"chunk_size"`
	Offset    Size  `yaml:"offset"` // into the peer memory device
	Depth     int   `yaml:"iodepth"`
	Workers   int   `yaml:"threads"`

	Check     bool `yaml:"check"`
	Overlap   bool `yaml:"overlap"`
	SkipRead  bool `yaml:"skip_read"`
	SkipWrite bool `yaml:"skip_write"`
	Direct    bool `yaml:"direct"`

	// Duration is accepted for compatibility and reported, never enforced
	Duration time.Duration `yaml:"duration"`

	// Seed drives data check content and probe offsets; negative means
	// derive from the clock
	Seed int64 `yaml:"seed"`

	HostAccess AccessSpec `yaml:"host_access"`
	Init       InitSpec   `yaml:"init"`

	// MaxRetries bounds consecutive EAGAIN completions on one slot; 0 is
	// unbounded
	MaxRetries int `yaml:"max_retries"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	Output      string `yaml:"output"`
	MetricsFile string `yaml:"metrics_file"`
}

// DefaultParams returns parameters with the stock defaults
func DefaultParams() Params {
	return Params{
		Chunks:     constants.DefaultChunks,
		ChunkSize:  constants.DefaultChunkSize,
		Depth:      constants.DefaultQueueDepth,
		Workers:    constants.DefaultWorkers,
		Seed:       -1,
		MaxRetries: constants.DefaultMaxRetries,
		LogLevel:   "info",
		LogFormat:  "text",
		Output:     "csv",
	}
}

// LoadParams overlays the YAML profile at path on top of base
func LoadParams(path string, base Params) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, WrapError("load_config", err)
	}
	p := base
	if err := yaml.Unmarshal(data, &p); err != nil {
		return base, wrapWithCode("load_config", ErrCodeInvalidConfig, fmt.Errorf("%s: %w", path, err))
	}
	return p, nil
}

// Mode selects the pipeline the parameters describe
func (p Params) Mode() queue.Mode {
	switch {
	case p.SkipRead:
		return queue.ModeWrite
	case p.SkipWrite:
		return queue.ModeRead
	default:
		return queue.ModeCopy
	}
}

// TotalSize is chunk size times chunk count
func (p Params) TotalSize() int64 {
	return int64(p.ChunkSize) * p.Chunks
}

// BufferSize is the transfer buffer footprint: one chunk per slot for
// every worker, grown to the init footprint when init is a stop probe.
func (p Params) BufferSize() int64 {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	size := int64(p.ChunkSize) * int64(queue.Capacity(p.Depth)) * int64(workers)
	if p.Init.Stop && p.Init.Total > size {
		size = p.Init.Total
	}
	return size
}

// Normalize applies the single-worker fallback. It reports whether the
// requested worker count had to be lowered.
func (p Params) Normalize() (Params, bool) {
	if p.Workers > 1 {
		p.Workers = 1
		return p, true
	}
	return p, false
}

// Validate checks the parameters against the sizes of the read and write
// devices. Every conflict is reported; the result is an errors.Join of
// *Error values with ErrCodeInvalidConfig, or nil.
func (p Params) Validate(readSize, writeSize int64) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, NewConfigError(fmt.Sprintf(format, args...)))
	}

	overflow := p.ChunkSize > 0 && p.Chunks > math.MaxInt64/int64(p.ChunkSize)
	size := p.TotalSize()
	minSize := min(readSize, writeSize)

	if (p.SkipRead || p.SkipWrite) && p.Check {
		add("cannot combine --skip-read or --skip-write with --check")
	}
	if p.Overlap && p.Check {
		add("cannot combine --overlap with --check")
	}
	if p.Overlap && minSize <= 0 {
		add("--overlap needs non-empty devices: they hold %d and %d bytes", readSize, writeSize)
	}
	if p.Overlap && !overflow && minSize > size {
		add("--overlap is not needed: devices hold %d and %d bytes, transfer is %d", readSize, writeSize, size)
	}
	if !p.Overlap && !overflow && minSize < size {
		add("read and write devices must hold at least --chunks*--chunk-size (%d) bytes, or use --overlap", size)
	}
	if p.P2PMemPath != "" && int64(p.ChunkSize)%int64(peermem.PageSize()) != 0 {
		add("--chunk-size must be a multiple of the page size (%d) with a p2pmem buffer", peermem.PageSize())
	}
	if p.P2PMemPath == "" && p.Offset != 0 {
		add("--offset only applies to a p2pmem buffer")
	}
	if p.Workers < 1 || p.Workers > constants.MaxWorkers {
		add("--threads must be between 1 and %d", constants.MaxWorkers)
	} else if p.Chunks%int64(p.Workers) != 0 {
		add("--chunks (%d) is not evenly divisible by --threads (%d)", p.Chunks, p.Workers)
	}

	if p.SkipRead && p.SkipWrite {
		add("cannot combine --skip-read with --skip-write")
	}
	if p.ChunkSize <= 0 {
		add("--chunk-size must be positive")
	}
	if p.Chunks <= 0 {
		add("--chunks must be positive")
	}
	if overflow {
		add("--chunks*--chunk-size overflows a 64-bit byte count")
	}
	depthOK := p.Depth > 0 && p.Depth <= constants.MaxRingEntries
	if !depthOK {
		add("--iodepth must be between 1 and %d", constants.MaxRingEntries)
	}
	if p.MaxRetries < 0 {
		add("--max-retries must not be negative")
	}
	if p.HostAccess.Enabled() {
		elem := p.HostAccess.Size
		if elem < 0 {
			elem = -elem
		}
		if int64(elem) > int64(p.ChunkSize) {
			add("--host-access element size %d exceeds --chunk-size", elem)
		}
	}
	bufOK := depthOK && p.ChunkSize > 0
	if bufOK {
		slots := int64(queue.Capacity(p.Depth)) * int64(max(p.Workers, 1))
		if int64(p.ChunkSize) > math.MaxInt64/slots {
			add("--chunk-size %d with %d slots overflows the buffer size", int64(p.ChunkSize), slots)
			bufOK = false
		}
	}
	if bufOK && p.Init.Enabled() && p.Init.Total > p.BufferSize() {
		add("--init total %d exceeds the %d byte buffer", p.Init.Total, p.BufferSize())
	}

	return errors.Join(errs...)
}
