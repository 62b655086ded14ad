// Package report renders the end-of-run summary
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format selects how a Summary is written
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatJSON, FormatText:
		return f, nil
	case "":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown output format %q (want csv, json or text)", s)
}

// Summary is everything reported about one run
type Summary struct {
	Mode         string        `json:"mode"`
	Buffer       string        `json:"buffer"`
	Workers      int           `json:"workers"`
	ChunkSize    int64         `json:"chunk_size"`
	Chunks       int64         `json:"chunks"`
	TotalBytes   uint64        `json:"total_bytes"`
	BytesRead    uint64        `json:"bytes_read"`
	BytesWritten uint64        `json:"bytes_written"`
	Partials     uint64        `json:"partial_completions"`
	Retries      uint64        `json:"retries"`
	MaxInFlight  int           `json:"max_in_flight"`
	Elapsed      time.Duration `json:"-"`
	CPU          Usage         `json:"-"`
	Checked      bool          `json:"checked"`
	Metrics      any           `json:"metrics,omitempty"`
}

// Rate returns bytes per second over the elapsed wall time
func (s Summary) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.TotalBytes) / s.Elapsed.Seconds()
}

type jsonSummary struct {
	Summary
	ElapsedSeconds float64 `json:"elapsed_s"`
	BytesPerSecond float64 `json:"bytes_per_s"`
	UserSeconds    float64 `json:"user_s"`
	SystemSeconds  float64 `json:"sys_s"`
}

// Write renders s in the requested format
func Write(w io.Writer, f Format, s Summary) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, s)
	case FormatText:
		return WriteText(w, s)
	default:
		return WriteCSV(w, s)
	}
}

// WriteCSV emits the single machine-parseable summary line:
// chunk_size, chunks, total_bytes, elapsed_s, bytes_per_s, user_s, sys_s
func WriteCSV(w io.Writer, s Summary) error {
	_, err := fmt.Fprintf(w, "%d, %d, %d, %.6f, %.4g, %s, %s\n",
		s.ChunkSize, s.Chunks, s.TotalBytes,
		s.Elapsed.Seconds(), s.Rate(),
		seconds(s.CPU.User), seconds(s.CPU.System))
	return err
}

// WriteJSON emits the summary as one JSON object
func WriteJSON(w io.Writer, s Summary) error {
	out := jsonSummary{
		Summary:        s,
		ElapsedSeconds: s.Elapsed.Seconds(),
		BytesPerSecond: s.Rate(),
		UserSeconds:    s.CPU.User.Seconds(),
		SystemSeconds:  s.CPU.System.Seconds(),
	}
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

// WriteText emits a short human readable report
func WriteText(w io.Writer, s Summary) error {
	_, err := fmt.Fprintf(w,
		"%s via %s buffer: %s in %d x %s chunks, %s in %s (%s/s), cpu user %s sys %s\n",
		s.Mode, s.Buffer,
		humanize.IBytes(s.TotalBytes), s.Chunks, humanize.IBytes(uint64(s.ChunkSize)),
		humanize.Comma(int64(s.TotalBytes)), s.Elapsed.Round(time.Microsecond),
		humanize.IBytes(uint64(s.Rate())),
		seconds(s.CPU.User), seconds(s.CPU.System))
	return err
}

// seconds formats d as sec.usec
func seconds(d time.Duration) string {
	us := d.Microseconds()
	return fmt.Sprintf("%d.%06d", us/1_000_000, us%1_000_000)
}
