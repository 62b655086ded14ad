// Package hostaccess exercises the transfer buffer with plain CPU loads and
// stores. It is how a peer memory region is checked for host coherency
// before any device I/O is pointed at it.
package hostaccess

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ehrlich-b/go-p2pmem/internal/peermem"
)

// MismatchError reports the first verified access whose readback differs
// from the value stored.
type MismatchError struct {
	Index    int
	Offset   int
	Expected []byte
	Observed []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("mismatch on host access %04d (offset %d): %s != %s",
		e.Index, e.Offset, HexHighFirst(e.Expected), HexHighFirst(e.Observed))
}

// HexHighFirst renders an element most significant byte first, two hex
// digits per byte.
func HexHighFirst(b []byte) string {
	var sb strings.Builder
	sb.Grow(2 * len(b))
	for i := len(b) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02X", b[i])
	}
	return sb.String()
}

// Init zeroes total/elemSize elements at the start of mem, one element
// sized store at a time.
func Init(mem []byte, elemSize, total int) error {
	if elemSize <= 0 {
		return fmt.Errorf("hostaccess: element size must be positive, got %d", elemSize)
	}
	if total < 0 || total > len(mem) {
		return fmt.Errorf("hostaccess: init of %d bytes exceeds %d byte buffer", total, len(mem))
	}
	zero := make([]byte, elemSize)
	count := total / elemSize
	for i := 0; i < count; i++ {
		store(mem, i*elemSize, zero)
	}
	peermem.StoreFence()
	return nil
}

// Result summarises one random-access probe
type Result struct {
	Accesses int
	ElemSize int
	Written  int
	Verified int
	Skipped  int // earlier writes to an offset that a later index overwrote
	Elapsed  time.Duration
}

// Tester runs random-access probes over the first chunk of a buffer
type Tester struct {
	mem   []byte
	chunk int
	rng   *rand.Rand

	// afterWrite runs between the store and load phases
	afterWrite func(mem []byte)
}

// New creates a tester over mem. Offsets are drawn within the first
// chunkSize bytes.
func New(mem []byte, chunkSize int, rng *rand.Rand) (*Tester, error) {
	if chunkSize <= 0 || chunkSize > len(mem) {
		return nil, fmt.Errorf("hostaccess: chunk %d outside %d byte buffer", chunkSize, len(mem))
	}
	if rng == nil {
		return nil, errors.New("hostaccess: nil random source")
	}
	return &Tester{mem: mem, chunk: chunkSize, rng: rng}, nil
}

// DrawOffsets returns n element indexes uniformly drawn from [0, count)
func (t *Tester) DrawOffsets(n, count int) []int {
	offsets := make([]int, n)
	for i := range offsets {
		offsets[i] = t.rng.Intn(count)
	}
	return offsets
}

// Run performs n accesses of |elemSize| bytes. With elemSize > 0 each
// access first stores a random value, then every access is read back and
// compared. With elemSize <= 0 the probe only loads.
func (t *Tester) Run(n, elemSize int) (Result, error) {
	size := elemSize
	if size < 0 {
		size = -size
	}
	res := Result{Accesses: n, ElemSize: elemSize}
	if size == 0 {
		return res, errors.New("hostaccess: element size must be non-zero")
	}
	count := t.chunk / size
	if count == 0 {
		return res, fmt.Errorf("hostaccess: element of %d bytes does not fit a %d byte chunk", size, t.chunk)
	}
	if n <= 0 {
		return res, nil
	}

	start := time.Now()
	offsets := t.DrawOffsets(n, count)

	var written []byte
	if elemSize > 0 {
		written = make([]byte, n*size)
		t.rng.Read(written)
		for i, idx := range offsets {
			store(t.mem, idx*size, written[i*size:(i+1)*size])
		}
		peermem.StoreFence()
		res.Written = n
	}
	if t.afterWrite != nil {
		t.afterWrite(t.mem)
	}
	peermem.Fence()

	read := make([]byte, n*size)
	for i, idx := range offsets {
		load(read[i*size:(i+1)*size], t.mem, idx*size)
	}
	res.Elapsed = time.Since(start)

	if elemSize <= 0 {
		return res, nil
	}
	verified, skipped, err := Verify(offsets, written, read, size)
	res.Verified, res.Skipped = verified, skipped
	return res, err
}

// Verify compares readback against stored values. An index is skipped when
// a later index targets the same offset, since only the last store to an
// offset is observable. It stops at the first mismatch.
func Verify(offsets []int, written, read []byte, size int) (verified, skipped int, err error) {
	if len(written) < len(offsets)*size || len(read) < len(offsets)*size {
		return 0, 0, errors.New("hostaccess: value arrays shorter than offsets")
	}

	last := make(map[int]int, len(offsets))
	for i, off := range offsets {
		last[off] = i
	}

	for i, off := range offsets {
		if last[off] != i {
			skipped++
			continue
		}
		want := written[i*size : (i+1)*size]
		got := read[i*size : (i+1)*size]
		if string(want) != string(got) {
			return verified, skipped, &MismatchError{
				Index:    i,
				Offset:   off * size,
				Expected: append([]byte(nil), want...),
				Observed: append([]byte(nil), got...),
			}
		}
		verified++
	}
	return verified, skipped, nil
}
