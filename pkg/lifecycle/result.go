package lifecycle

import (
	"errors"
	"fmt"
	"syscall"
)

// errorServiceSpecific is ERROR_SERVICE_SPECIFIC_ERROR. A start that fails
// without a code reports it so the manager never sees a clean stop.
const errorServiceSpecific uint32 = 1066

// OutcomeKind classifies how a lifecycle callback returned.
type OutcomeKind int

const (
	Succeeded OutcomeKind = iota
	FailedWithCode
	FailedGeneric
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case FailedWithCode:
		return "failed_with_code"
	default:
		return "failed"
	}
}

// Outcome is the result of one callback invocation.
type Outcome struct {
	Kind OutcomeKind
	Code uint32
	Err  error
}

// Failed reports whether the callback did not succeed.
func (o Outcome) Failed() bool { return o.Kind != Succeeded }

// CodeError is returned by a callback to fail with a numeric Win32 code.
type CodeError struct {
	Code uint32
	Err  error
}

// Fail returns a CodeError for code, optionally wrapping a cause.
func Fail(code uint32, cause error) *CodeError {
	return &CodeError{Code: code, Err: cause}
}

func (e *CodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code %#x: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("code %#x", e.Code)
}

func (e *CodeError) Unwrap() error { return e.Err }

// ExitCode returns the numeric code.
func (e *CodeError) ExitCode() uint32 { return e.Code }

type exitCoder interface {
	ExitCode() uint32
}

// Classify converts a callback's error into an Outcome. Errors carrying a
// code (an ExitCode method or a syscall.Errno) fail with that code, any other
// non-nil error is a generic failure.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Succeeded}
	}

	var ec exitCoder
	if errors.As(err, &ec) && ec.ExitCode() != 0 {
		return Outcome{Kind: FailedWithCode, Code: ec.ExitCode(), Err: err}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return Outcome{Kind: FailedWithCode, Code: uint32(errno), Err: err}
	}

	return Outcome{Kind: FailedGeneric, Err: err}
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}
