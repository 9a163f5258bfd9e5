// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface. Two values are attached:
//
//   errno - the linux/POSIX errno the failure maps to (what a file system
//           front end would hand back to its caller)
//   class - which member of the block-map cache error taxonomy the failure
//           belongs to, which decides whether it is retried, propagated to
//           pending I/O, or logged as corruption
//
// This package is implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

type FsError int

const (
	NotPermError        FsError = FsError(int(unix.EPERM))     // Operation not permitted
	NotFoundError       FsError = FsError(int(unix.ENOENT))    // No such file or directory
	IOError             FsError = FsError(int(unix.EIO))       // I/O error
	TryAgainError       FsError = FsError(int(unix.EAGAIN))    // Try again
	OutOfMemoryError    FsError = FsError(int(unix.ENOMEM))    // Out of memory
	DevBusyError        FsError = FsError(int(unix.EBUSY))     // Device or resource busy
	InvalidArgError     FsError = FsError(int(unix.EINVAL))    // Invalid argument
	OutOfRangeError     FsError = FsError(int(unix.ERANGE))    // Math result not representable
	NotSupportedError   FsError = FsError(int(unix.ENOTSUP))   // Operation not supported
	ProtocolErrno       FsError = FsError(int(unix.EPROTO))    // Protocol error
	StaleError          FsError = FsError(int(unix.ESTALE))    // Stale file handle
	TimedOut            FsError = FsError(int(unix.ETIMEDOUT)) // Connection timed out
	HostUnreachable     FsError = FsError(int(unix.EHOSTUNREACH))
	NotRecoverableError FsError = FsError(int(unix.ENOTRECOVERABLE))
)

// SuccessError is the errno reported for a nil error
const SuccessError FsError = 0

const (
	successErrno = 0
	failureErrno = -1
)

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

// ErrorClass places an error in the block-map cache error taxonomy
type ErrorClass int

const (
	UnclassifiedError ErrorClass = iota
	ProtocolError                // malformed/unexpected server response; fatal to the call, not retried
	Retryable                    // server asked us to try later; bounded randomized retry
	LeaseFailed                  // renewal/reassignment exhausted; pending I/O is force-expired
	CorruptState                 // internal invariant violated; object unusable, logged loudly
	ResourceExhausted            // pool/slab allocation failure; resolved by blocking + reclamation
)

func (class ErrorClass) String() string {
	switch class {
	case ProtocolError:
		return "ProtocolError"
	case Retryable:
		return "Retryable"
	case LeaseFailed:
		return "LeaseFailed"
	case CorruptState:
		return "CorruptState"
	case ResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Unclassified"
	}
}

const (
	errnoKey = "errno"
	classKey = "class"
)

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(errnoKey, int(errValue))
}

// NewClassError is NewError plus an ErrorClass annotation.
func NewClassError(class ErrorClass, errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(errnoKey, int(errValue)).WithValue(classKey, class)
}

// AddError is used to add FS error detail to a Go error.
func AddError(e error, errValue FsError) error {
	if nil == e {
		return merry.New("regular error").WithValue(errnoKey, int(errValue))
	}

	return merry.WrapSkipping(e, 1).WithValue(errnoKey, int(errValue))
}

// AddClass is used to add (or replace) the ErrorClass of a Go error.
func AddClass(e error, class ErrorClass) error {
	if nil == e {
		return merry.New("classified error").WithValue(classKey, class).WithValue(errnoKey, int(IOError))
	}

	return merry.WrapSkipping(e, 1).WithValue(classKey, class)
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	errno, ok := merry.Value(e, errnoKey).(int)
	if !ok {
		return failureErrno
	}

	return errno
}

// ClassOf returns the ErrorClass of the error (UnclassifiedError if none was attached).
func ClassOf(e error) ErrorClass {
	if nil == e {
		return UnclassifiedError
	}

	class, ok := merry.Value(e, classKey).(ErrorClass)
	if !ok {
		return UnclassifiedError
	}

	return class
}

// Is checks if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value.
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsClass checks if an error belongs to a particular ErrorClass
func IsClass(e error, class ErrorClass) bool {
	return ClassOf(e) == class
}

// IsRetryable checks if an error should be retried after a delay
func IsRetryable(e error) bool {
	return ClassOf(e) == Retryable
}

// IsSuccess checks if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// ErrorString returns the error string with the errno and class appended
func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	return fmt.Sprintf("%s [errno: %v class: %v]", e.Error(), Errno(e), ClassOf(e))
}

// Location returns the file and line number of the code that generated the error.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}
