package p2pmem

import "github.com/ehrlich-b/go-p2pmem/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueDepth  = constants.DefaultQueueDepth
	DefaultChunkSize   = constants.DefaultChunkSize
	DefaultChunks      = constants.DefaultChunks
	DefaultWorkers     = constants.DefaultWorkers
	DefaultMaxRetries  = constants.DefaultMaxRetries
	DefaultAccessCount = constants.DefaultAccessCount
	DefaultInitTotal   = constants.DefaultInitTotal
	MaxElementSize     = constants.MaxElementSize
)
