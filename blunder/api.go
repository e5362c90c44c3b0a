// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface.
//
// This package provides APIs to add errno information to regular Go errors.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/crawlstate/logger"
)

// Error constants to be used in the crawl state storage layer.
//
// There are two groups of constants:
//  - constants that correspond to linux/POSIX errnos as defined in errno.h
//  - constants for errors not covered in the errno space
//
type FsError int

const (
	// Errors that map to linux/POSIX errnos as defined in errno.h
	//
	NotFoundError   FsError = FsError(int(unix.ENOENT))  // No such file or directory
	IOError         FsError = FsError(int(unix.EIO))     // I/O error
	InvalidArgError FsError = FsError(int(unix.EINVAL))  // Invalid argument
	EmptyTreeError  FsError = FsError(int(unix.ENODATA)) // No data available
)

// Success error
const SuccessError FsError = 0

const ( // reset iota to 0
	// Errors that are internal/specific to the crawl state storage layer
	PackError FsError = 1000 + iota
	UnpackError
	CorruptBatchError
	ConfigurationError
	StaleNodeError
)

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

func (err FsError) String() string {
	switch err {
	case SuccessError:
		return "SuccessError"
	case NotFoundError:
		return "NotFoundError"
	case IOError:
		return "IOError"
	case InvalidArgError:
		return "InvalidArgError"
	case EmptyTreeError:
		return "EmptyTreeError"
	case PackError:
		return "PackError"
	case UnpackError:
		return "UnpackError"
	case CorruptBatchError:
		return "CorruptBatchError"
	case ConfigurationError:
		return "ConfigurationError"
	case StaleNodeError:
		return "StaleNodeError"
	default:
		return fmt.Sprintf("FsError(%d)", int(err))
	}
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: Checks whether the error value has already been set
//       Note that by default merry will replace the old with the new.
//
func AddError(e error, errValue FsError) error {
	if e == nil {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, FsError(tmp.(int)))
	}

	return errPlusVal
}

// Check if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value.
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// Check if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// Check if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// Check if an error is NOT the success FsError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// IsSerializationFailure reports whether e came from packing or unpacking a record
func IsSerializationFailure(e error) bool {
	switch FsError(Errno(e)) {
	case PackError, UnpackError, CorruptBatchError:
		return true
	default:
		return false
	}
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// SourceLine returns the string representation of Location's result
// Returns empty string if e has no stacktrace.
func SourceLine(e error) string {
	return merry.SourceLine(e)
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
