package integrity

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDev []byte

func (m memDev) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m[off:]), nil }
func (m memDev) WriteAt(p []byte, off int64) (int, error) { return copy(m[off:], p), nil }

type failDev struct{}

func (failDev) ReadAt([]byte, int64) (int, error)  { return 0, errors.New("boom") }
func (failDev) WriteAt([]byte, int64) (int, error) { return 0, errors.New("boom") }

func TestSeedAndSum(t *testing.T) {
	dev := make(memDev, 20000)
	scratch := make([]byte, 4096)

	want, err := Seed(dev, 1000, 10000, scratch, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.Equal(t, xxhash.Sum64(dev[1000:11000]), want)
	assert.Equal(t, make([]byte, 1000), []byte(dev[:1000]), "nothing written before the range")
	assert.Equal(t, make([]byte, 9000), []byte(dev[11000:]), "nothing written past the range")

	got, err := Sum(dev, 1000, 10000, scratch)
	require.NoError(t, err)
	assert.NoError(t, Compare(want, got))
}

func TestSeedIsReproducible(t *testing.T) {
	a := make(memDev, 8192)
	b := make(memDev, 8192)
	da, err := Seed(a, 0, 8192, make([]byte, 1000), rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	db, err := Seed(b, 0, 8192, make([]byte, 1000), rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Equal(t, a, b)
}

func TestCompareMismatch(t *testing.T) {
	dev := make(memDev, 4096)
	want, err := Seed(dev, 0, 4096, make([]byte, 512), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	dev[100] ^= 1

	got, err := Sum(dev, 0, 4096, make([]byte, 512))
	require.NoError(t, err)

	err = Compare(want, got)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, want, me.Want)
	assert.Equal(t, got, me.Got)
}

func TestErrors(t *testing.T) {
	_, err := Seed(failDev{}, 0, 10, make([]byte, 4), rand.New(rand.NewSource(1)))
	assert.Error(t, err)
	_, err = Sum(failDev{}, 0, 10, make([]byte, 4))
	assert.Error(t, err)
	_, err = Sum(make(memDev, 4), 0, 4, nil)
	assert.Error(t, err)
}
