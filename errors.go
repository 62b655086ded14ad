package p2pmem

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error is a structured p2pmem error carrying the failing step
type Error struct {
	Op     string        // Step that failed (e.g., "map_buffer", "transfer")
	Device string        // Device path (empty if not applicable)
	Worker int           // Worker index (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Device != "" {
		parts = append(parts, fmt.Sprintf("dev=%s", e.Device))
	}

	if e.Worker >= 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.Worker))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("p2pmem: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("p2pmem: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel codes and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeSetup              ErrorCode = "setup failed"
	ErrCodeInvalidConfig      ErrorCode = "invalid configuration"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeResourceExhausted  ErrorCode = "resource exhausted"
	ErrCodeDataMismatch       ErrorCode = "data mismatch"
	ErrCodeHostMismatch       ErrorCode = "host access mismatch"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeKernelNotSupported ErrorCode = "kernel does not support io_uring"
	ErrCodeRetryBudget        ErrorCode = "retry budget exhausted"
	ErrCodeCancelled          ErrorCode = "cancelled"
)

// SentinelError is comparable with errors.Is against any *Error of the same code
type SentinelError string

func (e SentinelError) Error() string {
	return string(e)
}

const (
	ErrSetup            SentinelError = SentinelError(ErrCodeSetup)
	ErrInvalidConfig    SentinelError = SentinelError(ErrCodeInvalidConfig)
	ErrIO               SentinelError = SentinelError(ErrCodeIOError)
	ErrDataMismatch     SentinelError = SentinelError(ErrCodeDataMismatch)
	ErrHostMismatch     SentinelError = SentinelError(ErrCodeHostMismatch)
	ErrDeviceNotFound   SentinelError = SentinelError(ErrCodeDeviceNotFound)
	ErrPermissionDenied SentinelError = SentinelError(ErrCodePermissionDenied)
	ErrRetryBudget      SentinelError = SentinelError(ErrCodeRetryBudget)
	ErrCancelled        SentinelError = SentinelError(ErrCodeCancelled)
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Worker: -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewConfigError reports one configuration conflict
func NewConfigError(msg string) *Error {
	return NewError("validate", ErrCodeInvalidConfig, msg)
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, device string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Worker: -1,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with the step that failed. The
// innermost errno found in the chain decides the code unless code is set.
func WrapError(op string, inner error) *Error {
	return wrapWithCode(op, "", inner)
}

// wrapWithCode wraps inner, preferring code over the errno mapping when set
func wrapWithCode(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var se *Error
	if errors.As(inner, &se) {
		out := *se
		out.Op = op
		return &out
	}

	e := &Error{
		Op:     op,
		Worker: -1,
		Code:   code,
		Msg:    inner.Error(),
		Inner:  inner,
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		if e.Code == "" {
			e.Code = mapErrnoToCode(errno)
		}
	}
	if e.Code == "" {
		e.Code = ErrCodeIOError
	}
	return e
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return ErrCodeDeviceNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidConfig
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EAGAIN:
		return ErrCodeResourceExhausted
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Errno == errno
	}
	return false
}
