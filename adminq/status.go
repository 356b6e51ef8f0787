package adminq

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status is the completion status the device writes into a command slot.
type Status uint32

const (
	StatusUnset              = Status(0x0)
	StatusPassed             = Status(0x1)
	StatusAborted            = Status(0xfffffff0)
	StatusAlreadyExists      = Status(0xfffffff1)
	StatusCancelled          = Status(0xfffffff2)
	StatusDataLoss           = Status(0xfffffff3)
	StatusDeadlineExceeded   = Status(0xfffffff4)
	StatusFailedPrecondition = Status(0xfffffff5)
	StatusInternalError      = Status(0xfffffff6)
	StatusInvalidArgument    = Status(0xfffffff7)
	StatusNotFound           = Status(0xfffffff8)
	StatusOutOfRange         = Status(0xfffffff9)
	StatusPermissionDenied   = Status(0xfffffffa)
	StatusUnauthenticated    = Status(0xfffffffb)
	StatusResourceExhausted  = Status(0xfffffffc)
	StatusUnavailable        = Status(0xfffffffd)
	StatusUnimplemented      = Status(0xfffffffe)
	StatusUnknownError       = Status(0xffffffff)
)

var (
	ErrAllocation          = errors.New("adminq: coherent memory allocation failed")
	ErrNotReady            = errors.New("adminq: admin queue is not allocated")
	ErrConcurrentAccess    = errors.New("adminq: commands are outstanding")
	ErrRingFull            = errors.New("adminq: ring is full after flush")
	ErrUnrecoverable       = errors.New("adminq: commands timed out, admin queue needs reset")
	ErrMalformedDescriptor = errors.New("adminq: device options exceed the descriptor")
	ErrNoQueueFormat       = errors.New("adminq: no compatible queue format")

	ErrRetryable      = errors.New("adminq: command failed, try again")
	ErrInvalidRequest = errors.New("adminq: invalid command")
	ErrTimeout        = errors.New("adminq: command deadline exceeded")
	ErrAccessDenied   = errors.New("adminq: command not permitted")
	ErrOutOfMemory    = errors.New("adminq: device resources exhausted")
	ErrUnsupported    = errors.New("adminq: command not supported")
	ErrProtocol       = errors.New("adminq: command completed without a status")
)

// StatusError is returned when the device completes a command with a status
// other than StatusPassed. It matches both its taxonomy error (ErrRetryable,
// ErrInvalidRequest, ...) and the corresponding errno with errors.Is.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind(), e.Status)
}

func (e *StatusError) Unwrap() []error {
	return []error{e.kind(), e.errno()}
}

func (e *StatusError) kind() error {
	switch e.Status {
	case StatusUnset:
		return ErrProtocol

	case StatusAborted,
		StatusCancelled,
		StatusDataLoss,
		StatusFailedPrecondition,
		StatusUnavailable:
		return ErrRetryable

	case StatusAlreadyExists,
		StatusInternalError,
		StatusInvalidArgument,
		StatusNotFound,
		StatusOutOfRange,
		StatusUnknownError:
		return ErrInvalidRequest

	case StatusDeadlineExceeded:
		return ErrTimeout

	case StatusPermissionDenied,
		StatusUnauthenticated:
		return ErrAccessDenied

	case StatusResourceExhausted:
		return ErrOutOfMemory

	case StatusUnimplemented:
		return ErrUnsupported

	default:
		return ErrInvalidRequest
	}
}

func (e *StatusError) errno() error {
	switch e.kind() {
	case ErrRetryable:
		return unix.EAGAIN

	case ErrTimeout:
		return unix.ETIME

	case ErrAccessDenied:
		return unix.EACCES

	case ErrOutOfMemory:
		return unix.ENOMEM

	case ErrUnsupported:
		return unix.EOPNOTSUPP

	default:
		return unix.EINVAL
	}
}

// Err translates the status into an error. It returns nil for StatusPassed.
func (s Status) Err() error {
	if s == StatusPassed {
		return nil
	}

	return &StatusError{Status: s}
}

// Known reports whether s is one of the status codes defined by the device.
func (s Status) Known() bool {
	return s == StatusUnset || s == StatusPassed || s >= StatusAborted
}

func (s Status) String() string {
	switch s {
	case StatusUnset:
		return "unset"

	case StatusPassed:
		return "passed"

	case StatusAborted:
		return "aborted"

	case StatusAlreadyExists:
		return "already exists"

	case StatusCancelled:
		return "cancelled"

	case StatusDataLoss:
		return "data loss"

	case StatusDeadlineExceeded:
		return "deadline exceeded"

	case StatusFailedPrecondition:
		return "failed precondition"

	case StatusInternalError:
		return "internal error"

	case StatusInvalidArgument:
		return "invalid argument"

	case StatusNotFound:
		return "not found"

	case StatusOutOfRange:
		return "out of range"

	case StatusPermissionDenied:
		return "permission denied"

	case StatusUnauthenticated:
		return "unauthenticated"

	case StatusResourceExhausted:
		return "resource exhausted"

	case StatusUnavailable:
		return "unavailable"

	case StatusUnimplemented:
		return "unimplemented"

	case StatusUnknownError:
		return "unknown error"

	default:
		return fmt.Sprintf("Status(%#x)", uint32(s))
	}
}
