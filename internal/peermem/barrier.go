package peermem

import "sync/atomic"

// fenceWord is the target of the atomic used as a full barrier.
// On x86-64 atomic.AddInt64 compiles to LOCK XADD, which orders all prior
// loads and stores against later ones, including stores to device memory
// mapped write-combining.
var fenceWord int64

// StoreFence orders the host probe's stores before anything that follows
func StoreFence() {
	atomic.AddInt64(&fenceWord, 0)
}

// Fence is a full load/store barrier between probe phases
func Fence() {
	atomic.AddInt64(&fenceWord, 0)
}
