package p2pmem

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-p2pmem/internal/constants"
)

// Size is a byte count that parses binary suffixes ("4k", "1M", "2G")
type Size int64

// ParseSize parses a decimal count with an optional k/M/G/T suffix (powers
// of 1024, case-insensitive, optional trailing "B" or "iB").
func ParseSize(s string) (Size, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return 0, fmt.Errorf("empty size")
	}
	upper := strings.ToUpper(str)
	upper = strings.TrimSuffix(upper, "IB")
	upper = strings.TrimSuffix(upper, "B")

	var shift uint
	switch {
	case strings.HasSuffix(upper, "K"):
		shift = 10
	case strings.HasSuffix(upper, "M"):
		shift = 20
	case strings.HasSuffix(upper, "G"):
		shift = 30
	case strings.HasSuffix(upper, "T"):
		shift = 40
	}
	if shift > 0 {
		upper = upper[:len(upper)-1]
	}

	n, err := strconv.ParseInt(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	if shift > 0 && n > (1<<(63-shift))-1 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(n << shift), nil
}

// String renders the size in IEC units
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Set implements pflag.Value
func (s *Size) Set(v string) error {
	n, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

// Type implements pflag.Value
func (s *Size) Type() string { return "size" }

// UnmarshalYAML accepts both plain integers and suffixed strings
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	return s.Set(node.Value)
}

// AccessSpec configures the random-access host probe. A negative Size
// selects read-only probing of |Size| byte elements.
type AccessSpec struct {
	Size  int
	Count int
	Stop  bool
}

// Enabled reports whether the probe runs at all
func (a AccessSpec) Enabled() bool { return a.Size != 0 && a.Count > 0 }

// ReadOnly reports whether the probe only loads
func (a AccessSpec) ReadOnly() bool { return a.Size < 0 }

// ParseAccessSpec parses "SZ[:COUNT[:stop]]". COUNT defaults to 64 and
// accepts size suffixes. Any third field requests a stop after the probe.
// A zero SZ disables the probe.
func ParseAccessSpec(s string) (AccessSpec, error) {
	var a AccessSpec
	if s == "" {
		return a, nil
	}
	fields := strings.Split(s, ":")
	if len(fields) > 3 {
		return a, fmt.Errorf("host access %q: too many fields", s)
	}
	sz, err := strconv.Atoi(fields[0])
	if err != nil {
		return a, fmt.Errorf("host access %q: invalid element size", s)
	}
	if sz == 0 {
		return a, nil
	}
	a.Size = sz
	a.Count = constants.DefaultAccessCount
	if len(fields) > 1 {
		n, err := ParseSize(fields[1])
		if err != nil {
			return AccessSpec{}, fmt.Errorf("host access %q: %w", s, err)
		}
		a.Count = int(n)
	}
	a.Stop = len(fields) > 2
	return a, nil
}

// String renders the value back into flag syntax
func (a AccessSpec) String() string {
	if a.Size == 0 {
		return ""
	}
	out := fmt.Sprintf("%d:%d", a.Size, a.Count)
	if a.Stop {
		out += ":stop"
	}
	return out
}

// Set implements pflag.Value
func (a *AccessSpec) Set(v string) error {
	spec, err := ParseAccessSpec(v)
	if err != nil {
		return err
	}
	*a = spec
	return nil
}

// Type implements pflag.Value
func (a *AccessSpec) Type() string { return "SZ[:COUNT[:stop]]" }

// UnmarshalYAML accepts the flag syntax
func (a *AccessSpec) UnmarshalYAML(node *yaml.Node) error {
	return a.Set(node.Value)
}

// InitSpec configures the zero-fill host probe
type InitSpec struct {
	Size  int
	Total int64
	Stop  bool
}

// Enabled reports whether the probe runs at all
func (i InitSpec) Enabled() bool { return i.Size > 0 && i.Total > 0 }

// ParseInitSpec parses "SZ[:TOTAL[:stop]]". TOTAL defaults to 4096 and
// accepts size suffixes. A zero SZ disables the probe.
func ParseInitSpec(s string) (InitSpec, error) {
	var in InitSpec
	if s == "" {
		return in, nil
	}
	fields := strings.Split(s, ":")
	if len(fields) > 3 {
		return in, fmt.Errorf("init %q: too many fields", s)
	}
	sz, err := strconv.Atoi(fields[0])
	if err != nil || sz < 0 {
		return in, fmt.Errorf("init %q: invalid element size", s)
	}
	if sz == 0 {
		return in, nil
	}
	in.Size = sz
	in.Total = constants.DefaultInitTotal
	if len(fields) > 1 {
		n, err := ParseSize(fields[1])
		if err != nil {
			return InitSpec{}, fmt.Errorf("init %q: %w", s, err)
		}
		in.Total = int64(n)
	}
	in.Stop = len(fields) > 2
	return in, nil
}

// String renders the value back into flag syntax
func (i InitSpec) String() string {
	if i.Size == 0 {
		return ""
	}
	out := fmt.Sprintf("%d:%d", i.Size, i.Total)
	if i.Stop {
		out += ":stop"
	}
	return out
}

// Set implements pflag.Value
func (i *InitSpec) Set(v string) error {
	spec, err := ParseInitSpec(v)
	if err != nil {
		return err
	}
	*i = spec
	return nil
}

// Type implements pflag.Value
func (i *InitSpec) Type() string { return "SZ[:TOTAL[:stop]]" }

// UnmarshalYAML accepts the flag syntax
func (i *InitSpec) UnmarshalYAML(node *yaml.Node) error {
	return i.Set(node.Value)
}
