package blockdev

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tempImage(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func TestOpenRegularFile(t *testing.T) {
	path := tempImage(t, 1<<16)

	dev, err := Open(path, Options{})
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, int64(1<<16), dev.Size())
	assert.Equal(t, path, dev.Path())
	assert.GreaterOrEqual(t, dev.Fd(), 0)

	n, err := dev.WriteAt([]byte("p2pmem"), 4096)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	buf := make([]byte, 6)
	n, err = dev.ReadAt(buf, 4096)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "p2pmem", string(buf))
}

func TestOpenDoesNotCreate(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ENOENT)

	var pe *PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "open", pe.Op)
}

func TestOpenRejectsDirectory(t *testing.T) {
	_, err := Open(t.TempDir(), Options{ReadOnly: true})
	assert.Error(t, err)
}

func TestOpenReadOnly(t *testing.T) {
	dev, err := Open(tempImage(t, 4096), Options{ReadOnly: true})
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.ReadAt(make([]byte, 16), 0)
	require.NoError(t, err)
	_, err = dev.WriteAt([]byte("p2pmem"), 0)
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestReadPastEnd(t *testing.T) {
	dev, err := Open(tempImage(t, 100), Options{})
	require.NoError(t, err)
	defer dev.Close()

	n, err := dev.ReadAt(make([]byte, 50), 80)
	assert.Equal(t, 20, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseTwice(t *testing.T) {
	dev, err := Open(tempImage(t, 100), Options{})
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	assert.NoError(t, dev.Close())
}
