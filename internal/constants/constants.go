package constants

// Default configuration constants
const (
	// DefaultQueueDepth is the default number of operations kept in flight per engine
	DefaultQueueDepth = 64

	// DefaultChunkSize is the default transfer unit in bytes
	DefaultChunkSize = 4096

	// DefaultChunks is the default number of chunks transferred
	DefaultChunks = 1024

	// DefaultWorkers is the number of engines driven concurrently
	DefaultWorkers = 1

	// MaxWorkers is the largest worker count accepted on input
	MaxWorkers = 64

	// DefaultMaxRetries bounds consecutive EAGAIN completions per slot (0 = unbounded)
	DefaultMaxRetries = 0
)

// Host access probe defaults
const (
	// DefaultAccessCount is the number of random accesses when only a size is given
	DefaultAccessCount = 64

	// DefaultInitTotal is the number of bytes zeroed by the init probe
	DefaultInitTotal = 4096

	// MaxElementSize is the widest element the host probes will load or store
	MaxElementSize = 8
)

// Ring sizing
const (
	// MaxRingEntries caps the rounded queue depth handed to the kernel
	MaxRingEntries = 32768
)
