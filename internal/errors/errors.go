// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package errors defines the error type and functions used by
// cassq and its internal packages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of which describes various aspects of an error.
type Error struct {
	Code Code
	Op   Op
	Err  error
}

func (e *Error) DebugString() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Code != Unspecified {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code != Unspecified {
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Code defines the canonical error code.
type Code int8

// List of canonical error codes.
const (
	Unspecified Code = iota
	NotFound
	FailedPrecondition
	Unavailable
	Internal
)

func (c Code) String() string {
	switch c {
	case Unspecified:
		return "ERROR_CODE_UNSPECIFIED"
	case NotFound:
		return "NOT_FOUND"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case Unavailable:
		return "UNAVAILABLE"
	case Internal:
		return "INTERNAL"
	}
	panic(fmt.Sprintf("unknown error code %d", c))
}

// Op describes an operation, usually as the package and method,
// such as "eventlog.GetEvents".
type Op string

// E builds an error value from its arguments.
// There must be at least one argument or E panics.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded.
//
// The types are:
//
//	errors.Op
//	    The operation being performed.
//	errors.Code
//	    The canonical error code, such as NOT_FOUND.
//	string
//	    Treated as an error message and assigned to the
//	    Err field after a call to errors.New.
//	error
//	    The underlying error that triggered this one.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Op:
			e.Op = arg
		case Code:
			e.Code = arg
		case error:
			e.Err = arg
		case string:
			e.Err = errors.New(arg)
		default:
			panic(fmt.Sprintf("errors.E: bad call from the package: unknown type %T, value %v", arg, arg))
		}
	}
	return e
}

// CanonicalCode returns the canonical code of the given error if one is present.
// Otherwise it returns Unspecified.
func CanonicalCode(err error) Code {
	if err == nil {
		return Unspecified
	}
	e, ok := err.(*Error)
	if !ok {
		return Unspecified
	}
	if e.Code == Unspecified {
		return CanonicalCode(e.Err)
	}
	return e.Code
}

/*
Domain sentinel errors. Callers match these with errors.Is.
*/
var (
	// ErrTaskNotFound indicates that an operation referenced a task id
	// with no metadata record in storage.
	ErrTaskNotFound = errors.New("task not found")

	// ErrLockNotAcquired indicates that the remote lock for a task is
	// held by another owner. The caller may retry with backoff.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLeaseExpired indicates that a held lease expired before it was
	// renewed or released.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrTaskTerminal indicates that a state-changing operation was not
	// applicable because the task is already in a terminal state.
	ErrTaskTerminal = errors.New("task already in terminal state")

	// ErrColumnNotFound indicates that a row does not contain the
	// requested column.
	ErrColumnNotFound = errors.New("column not found")

	// ErrDuplicateHandler indicates that a handler was registered twice
	// for the same task type name.
	ErrDuplicateHandler = errors.New("duplicate handler registration")
)

// IsTaskNotFound reports whether any error in err's chain is ErrTaskNotFound.
func IsTaskNotFound(err error) bool { return errors.Is(err, ErrTaskNotFound) }

// IsLockNotAcquired reports whether any error in err's chain is ErrLockNotAcquired.
func IsLockNotAcquired(err error) bool { return errors.Is(err, ErrLockNotAcquired) }

/*
Functions below are wrappers around the standard library's errors package
so that this package is the single point of error handling for cassq.
*/

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error { return errors.Unwrap(err) }
