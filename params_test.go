package p2pmem

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-p2pmem/internal/peermem"
	"github.com/ehrlich-b/go-p2pmem/internal/queue"
)

func validParams() Params {
	p := DefaultParams()
	p.ReadPath = "/dev/nvme0n1"
	p.WritePath = "/dev/nvme1n1"
	return p
}

// conflicts returns the individual messages joined in err
func conflicts(t *testing.T, err error) []string {
	t.Helper()
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok, "expected a joined error, got %T", err)
	var out []string
	for _, e := range joined.Unwrap() {
		var pe *Error
		require.True(t, errors.As(e, &pe))
		assert.Equal(t, ErrCodeInvalidConfig, pe.Code)
		out = append(out, pe.Msg)
	}
	return out
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, int64(DefaultChunks), p.Chunks)
	assert.Equal(t, Size(DefaultChunkSize), p.ChunkSize)
	assert.Equal(t, DefaultQueueDepth, p.Depth)
	assert.Equal(t, 1, p.Workers)
	assert.Equal(t, int64(-1), p.Seed)
	assert.Equal(t, queue.ModeCopy, p.Mode())
	assert.Equal(t, int64(4<<20), p.TotalSize())
	assert.Equal(t, int64(4096*64), p.BufferSize())
}

func TestParamsMode(t *testing.T) {
	p := validParams()
	p.SkipRead = true
	assert.Equal(t, queue.ModeWrite, p.Mode())

	p = validParams()
	p.SkipWrite = true
	assert.Equal(t, queue.ModeRead, p.Mode())
}

func TestParamsBufferSize(t *testing.T) {
	p := validParams()
	p.ChunkSize = 8192
	p.Depth = 5 // rounds up to 8 slots
	assert.Equal(t, int64(8192*8), p.BufferSize())

	p.Workers = 2
	assert.Equal(t, int64(8192*8*2), p.BufferSize())

	p.Init = InitSpec{Size: 8, Total: 1 << 20}
	assert.Equal(t, int64(8192*8*2), p.BufferSize(), "only a stop probe grows the buffer")

	p.Init.Stop = true
	assert.Equal(t, int64(1<<20), p.BufferSize())
}

func TestParamsNormalize(t *testing.T) {
	p := validParams()
	p.Workers = 8
	n, lowered := p.Normalize()
	assert.True(t, lowered)
	assert.Equal(t, 1, n.Workers)
	assert.Equal(t, 8, p.Workers, "the receiver is untouched")

	_, lowered = validParams().Normalize()
	assert.False(t, lowered)
}

func TestValidate(t *testing.T) {
	const total = 4 << 20

	tests := []struct {
		name   string
		modify func(*Params)
		rsize  int64
		wsize  int64
		want   []string
	}{
		{
			name:  "valid",
			rsize: total, wsize: total,
		},
		{
			name:   "check with skip",
			modify: func(p *Params) { p.Check = true; p.SkipWrite = true },
			rsize:  total, wsize: total,
			want:   []string{"--skip-read or --skip-write with --check"},
		},
		{
			name:   "overlap with check",
			modify: func(p *Params) { p.Check = true; p.Overlap = true },
			rsize:  total / 2, wsize: total,
			want:   []string{"--overlap with --check"},
		},
		{
			name:   "overlap not needed",
			modify: func(p *Params) { p.Overlap = true },
			rsize:  2 * total, wsize: 2 * total,
			want:   []string{"--overlap is not needed"},
		},
		{
			name:   "overlap allows small devices",
			modify: func(p *Params) { p.Overlap = true },
			rsize:  total / 4, wsize: total,
		},
		{
			name:   "overlap with an empty device",
			modify: func(p *Params) { p.Overlap = true },
			rsize:  0, wsize: total,
			want:   []string{"--overlap needs non-empty devices"},
		},
		{
			name:   "transfer size overflows",
			modify: func(p *Params) { p.Chunks = 1 << 52 },
			rsize:  total, wsize: total,
			want:   []string{"overflows a 64-bit byte count"},
		},
		{
			name:   "buffer size overflows",
			modify: func(p *Params) { p.ChunkSize = 1 << 60; p.Chunks = 1 },
			rsize:  1 << 60, wsize: 1 << 60,
			want:   []string{"overflows the buffer size"},
		},
		{
			name:  "devices too small",
			rsize: total, wsize: total - 1,
			want:  []string{"or use --overlap"},
		},
		{
			name: "p2pmem chunk not page aligned",
			modify: func(p *Params) {
				p.P2PMemPath = "/dev/p2pmem0"
				p.ChunkSize = Size(peermem.PageSize() + 512)
				p.Chunks = 4
			},
			rsize: total, wsize: total,
			want:  []string{"multiple of the page size"},
		},
		{
			name:   "offset without p2pmem",
			modify: func(p *Params) { p.Offset = 4096 },
			rsize:  total, wsize: total,
			want:   []string{"--offset only applies"},
		},
		{
			name:   "chunks not divisible by workers",
			modify: func(p *Params) { p.Chunks = 1023; p.Workers = 2 },
			rsize:  total, wsize: total,
			want:   []string{"not evenly divisible"},
		},
		{
			name:   "both skips",
			modify: func(p *Params) { p.SkipRead = true; p.SkipWrite = true },
			rsize:  total, wsize: total,
			want:   []string{"--skip-read with --skip-write"},
		},
		{
			name:   "bad depth",
			modify: func(p *Params) { p.Depth = 0 },
			rsize:  total, wsize: total,
			want:   []string{"--iodepth"},
		},
		{
			name:   "element wider than chunk",
			modify: func(p *Params) { p.ChunkSize = 4; p.Chunks = 8; p.HostAccess = AccessSpec{Size: -8, Count: 1} },
			rsize:  32, wsize: 32,
			want:   []string{"--host-access element size 8"},
		},
		{
			name:   "init exceeds buffer",
			modify: func(p *Params) { p.Init = InitSpec{Size: 8, Total: 1 << 30} },
			rsize:  total, wsize: total,
			want:   []string{"--init total"},
		},
		{
			name:   "init stop grows the buffer",
			modify: func(p *Params) { p.Init = InitSpec{Size: 8, Total: 1 << 30, Stop: true} },
			rsize:  total, wsize: total,
		},
		{
			name: "every conflict is reported",
			modify: func(p *Params) {
				p.Check = true
				p.SkipRead = true
				p.Overlap = true
				p.Offset = 4096
			},
			rsize: total, wsize: total,
			want: []string{
				"--skip-read or --skip-write with --check",
				"--overlap with --check",
				"--offset only applies",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			if tt.modify != nil {
				tt.modify(&p)
			}
			err := p.Validate(tt.rsize, tt.wsize)
			got := conflicts(t, err)
			require.Len(t, got, len(tt.want), "conflicts: %v", got)
			for i, want := range tt.want {
				assert.Contains(t, got[i], want)
			}
			if len(tt.want) > 0 {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoadParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	profile := strings.Join([]string{
		"read: /dev/nvme0n1",
		"write: /dev/nvme1n1",
		"p2pmem: /dev/p2pmem0",
		"chunks: 2048",
		"chunk_size: 64k",
		"offset: 1M",
		"iodepth: 16",
		"duration: 30s",
		"host_access: \"-4:128\"",
		"init: 8:16k:stop",
		"max_retries: 10",
		"output: json",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o644))

	p, err := LoadParams(path, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "/dev/p2pmem0", p.P2PMemPath)
	assert.Equal(t, int64(2048), p.Chunks)
	assert.Equal(t, Size(64<<10), p.ChunkSize)
	assert.Equal(t, Size(1<<20), p.Offset)
	assert.Equal(t, 16, p.Depth)
	assert.Equal(t, 30*time.Second, p.Duration)
	assert.Equal(t, AccessSpec{Size: -4, Count: 128}, p.HostAccess)
	assert.Equal(t, InitSpec{Size: 8, Total: 16 << 10, Stop: true}, p.Init)
	assert.Equal(t, 10, p.MaxRetries)
	assert.Equal(t, "json", p.Output)

	// untouched fields keep the base values
	assert.Equal(t, 1, p.Workers)
	assert.Equal(t, int64(-1), p.Seed)
}

func TestLoadParamsErrors(t *testing.T) {
	_, err := LoadParams(filepath.Join(t.TempDir(), "missing.yaml"), DefaultParams())
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: lots\n"), 0o644))
	_, err = LoadParams(path, DefaultParams())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
