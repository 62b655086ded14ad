package interfaces

// Device is a raw block-addressable target the transfer engine reads from
// or writes to. It mirrors io.ReaderAt and io.WriterAt so simple in-memory
// stand-ins compose with the rest of the stack.
type Device interface {
	// Fd returns the descriptor used for ring submissions.
	Fd() int

	// Path returns the path the device was opened from.
	Path() string

	// Size returns the addressable size in bytes.
	// It is queried once, before any transfer is planned.
	Size() int64

	// ReadAt reads len(p) bytes into p starting at offset off.
	// Used by the synchronous data check, never by the ring engine.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	WriteAt(p []byte, off int64) (n int, err error)

	// Close releases the descriptor.
	Close() error
}

// Observer receives per-operation events from the transfer engine.
// Implementations must be safe for concurrent use when more than one
// engine reports into them.
type Observer interface {
	// ObserveRead is called once per completed (or failed) read operation
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveWrite is called once per completed (or failed) write operation
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)

	// ObservePartial is called for every short completion
	ObservePartial(bytes uint64)

	// ObserveRetry is called for every retryable completion
	ObserveRetry()

	// ObserveQueueDepth is called with the in-flight count after each top-up
	ObserveQueueDepth(depth uint32)
}
