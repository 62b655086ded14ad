// Package integrity seeds the source range with reproducible random data
// before a copy and digests the sink range afterwards.
package integrity

import (
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// MismatchError reports that the sink does not hold what was seeded
type MismatchError struct {
	Want uint64
	Got  uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("data check failed: seeded digest %016x, sink digest %016x", e.Want, e.Got)
}

// Seed writes size bytes of random data from rng to dev starting at start,
// scratch bytes at a time, and returns the xxhash64 of everything written.
func Seed(dev io.WriterAt, start, size int64, scratch []byte, rng *rand.Rand) (uint64, error) {
	if len(scratch) == 0 {
		return 0, errors.New("integrity: empty scratch buffer")
	}
	h := xxhash.New()
	for off := int64(0); off < size; {
		n := int64(len(scratch))
		if rem := size - off; rem < n {
			n = rem
		}
		chunk := scratch[:n]
		rng.Read(chunk)
		if _, err := dev.WriteAt(chunk, start+off); err != nil {
			return 0, fmt.Errorf("integrity: seed at %d: %w", start+off, err)
		}
		h.Write(chunk)
		off += n
	}
	return h.Sum64(), nil
}

// Sum returns the xxhash64 of size bytes of dev starting at start
func Sum(dev io.ReaderAt, start, size int64, scratch []byte) (uint64, error) {
	if len(scratch) == 0 {
		return 0, errors.New("integrity: empty scratch buffer")
	}
	h := xxhash.New()
	for off := int64(0); off < size; {
		n := int64(len(scratch))
		if rem := size - off; rem < n {
			n = rem
		}
		chunk := scratch[:n]
		if _, err := dev.ReadAt(chunk, start+off); err != nil {
			return 0, fmt.Errorf("integrity: read at %d: %w", start+off, err)
		}
		h.Write(chunk)
		off += n
	}
	return h.Sum64(), nil
}

// Compare returns a *MismatchError when the digests differ
func Compare(want, got uint64) error {
	if want != got {
		return &MismatchError{Want: want, Got: got}
	}
	return nil
}
