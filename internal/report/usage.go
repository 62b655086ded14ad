package report

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Usage is the CPU time consumed by the process
type Usage struct {
	User   time.Duration
	System time.Duration
}

// SampleUsage reads getrusage(RUSAGE_SELF)
func SampleUsage() (Usage, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Usage{}, fmt.Errorf("getrusage: %w", err)
	}
	return Usage{
		User:   time.Duration(ru.Utime.Nano()),
		System: time.Duration(ru.Stime.Nano()),
	}, nil
}

// Sub returns the CPU time spent between o and u
func (u Usage) Sub(o Usage) Usage {
	return Usage{User: u.User - o.User, System: u.System - o.System}
}
