// Package types — errors.go
//
// The kernel's error taxonomy. Every kernel method returns one of these
// concrete types (or nil); nothing is returned as a bare string or an
// opaque fmt.Errorf. The IPC layer maps each Code to exactly one wire
// error code — see internal/ipc/codec.go.

package types

import "fmt"

// Code is the closed enumeration of kernel error kinds.
type Code int

const (
	CodeNotFound Code = iota
	CodeInvalidInput
	CodeInvalidTransition
	CodeDuplicatePid
	CodeUnauthorized
	CodeQuotaExceeded
	CodeRateLimited
	CodeNoHandler
	CodeTimeout
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "NotFound"
	case CodeInvalidInput:
		return "InvalidInput"
	case CodeInvalidTransition:
		return "InvalidTransition"
	case CodeDuplicatePid:
		return "DuplicatePid"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeQuotaExceeded:
		return "QuotaExceeded"
	case CodeRateLimited:
		return "RateLimited"
	case CodeNoHandler:
		return "NoHandler"
	case CodeTimeout:
		return "Timeout"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// KernelError is the common shape every kernel error satisfies.
type KernelError struct {
	Code    Code
	Message string
}

func (e *KernelError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// ErrNotFound reports a missing PCB, session, interrupt, or subscription.
func ErrNotFound(msg string) error { return &KernelError{Code: CodeNotFound, Message: msg} }

// ErrInvalidInput reports a negative counter delta, a decode failure, or
// an oversize frame.
func ErrInvalidInput(msg string) error { return &KernelError{Code: CodeInvalidInput, Message: msg} }

// ErrInvalidTransition reports a rejected state-machine edge for a state
// machine that, unlike the PCB lifecycle, has no dedicated From/To pair
// worth naming (e.g. the interrupt status machine).
func ErrInvalidTransition(msg string) error {
	return &KernelError{Code: CodeInvalidTransition, Message: msg}
}

// ErrUnauthorized reports a resolving-user mismatch.
func ErrUnauthorized(msg string) error { return &KernelError{Code: CodeUnauthorized, Message: msg} }

// ErrNoHandler reports an unknown service/method/command/query target.
func ErrNoHandler(msg string) error { return &KernelError{Code: CodeNoHandler, Message: msg} }

// ErrTimeout reports a query timeout or an IPC stall.
func ErrTimeout(msg string) error { return &KernelError{Code: CodeTimeout, Message: msg} }

// ErrInternal reports an unexpected invariant violation. Always logged by
// the caller.
func ErrInternal(msg string) error { return &KernelError{Code: CodeInternal, Message: msg} }

// DuplicatePidError reports create_process called with an already-live pid.
type DuplicatePidError struct {
	Pid ProcessId
}

func (e *DuplicatePidError) Error() string {
	return fmt.Sprintf("DuplicatePid: process %q already exists", e.Pid)
}

// InvalidTransitionError reports a rejected PCB state-machine edge.
type InvalidTransitionError struct {
	From, To ProcessState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("InvalidTransition: %s -> %s", e.From, e.To)
}

// QuotaExceededError names the first dimension, in canonical order, that
// crossed its quota.
type QuotaExceededError struct {
	Violation QuotaViolation
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("QuotaExceeded: %s used=%d limit=%d", e.Violation.Dimension, e.Violation.Used, e.Violation.Limit)
}

// RateLimitedError names the sliding window that rejected the request.
type RateLimitedError struct {
	Window Window
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("RateLimited: %s", e.Window)
}

// CodeOf extracts the wire Code for any error produced by the kernel.
// Errors not originating from this package map to CodeInternal.
func CodeOf(err error) Code {
	switch e := err.(type) {
	case *KernelError:
		return e.Code
	case *DuplicatePidError:
		return CodeDuplicatePid
	case *InvalidTransitionError:
		return CodeInvalidTransition
	case *QuotaExceededError:
		return CodeQuotaExceeded
	case *RateLimitedError:
		return CodeRateLimited
	default:
		if err == nil {
			return CodeInternal
		}
		return CodeInternal
	}
}
