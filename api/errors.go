// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-net.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrResourceExhausted = fmt.Errorf("resource exhausted")
	ErrNotSupported      = fmt.Errorf("operation not supported")
	ErrAlreadyExists     = fmt.Errorf("resource already exists")
	ErrNotFound          = fmt.Errorf("resource not found")

	// ErrUpcallYield is returned by an upcall handler to give the pumping
	// duty to another worker while the connection stays alive.
	ErrUpcallYield = errors.New("upcall yielded")
	// ErrUpcallClosed is returned by an upcall handler, or by a pump, when
	// the underlying channel is gone.
	ErrUpcallClosed = errors.New("upcall channel closed")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeAlreadyExists
	ErrCodeNotFound
	ErrCodeInternal
	ErrCodeIO
	ErrCodeSizeMismatch
	ErrCodeProtocol
	ErrCodeState
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid argument"
	case ErrCodeResourceExhausted:
		return "resource exhausted"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeNotSupported:
		return "not supported"
	case ErrCodeAlreadyExists:
		return "already exists"
	case ErrCodeNotFound:
		return "not found"
	case ErrCodeIO:
		return "i/o error"
	case ErrCodeSizeMismatch:
		return "size mismatch"
	case ErrCodeProtocol:
		return "protocol error"
	case ErrCodeState:
		return "state error"
	default:
		return "internal error"
	}
}

// Taxonomy sentinels. errors.Is matches any *Error carrying the same code.
var (
	ErrIO           = &Error{Code: ErrCodeIO}
	ErrSizeMismatch = &Error{Code: ErrCodeSizeMismatch}
	ErrProtocol     = &Error{Code: ErrCodeProtocol}
	ErrState        = &Error{Code: ErrCodeState}
	ErrTimeout      = &Error{Code: ErrCodeTimeout}
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches taxonomy sentinels by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause records the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// IOError wraps a transport failure. A nil err yields nil.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Code == ErrCodeIO {
		return err
	}
	return &Error{Code: ErrCodeIO, Message: op, Err: err}
}

// SizeMismatchError reports a receive whose declared length disagrees with
// the received payload.
func SizeMismatchError(want, got int) error {
	return NewError(ErrCodeSizeMismatch,
		fmt.Sprintf("length mismatch: got %d bytes, %d bytes were required", got, want)).
		WithContext("want", want).
		WithContext("got", got)
}

// ProtocolError reports an unexpected opcode or state on an exchange.
func ProtocolError(format string, args ...any) error {
	return NewError(ErrCodeProtocol, fmt.Sprintf(format, args...))
}

// StateError reports an operation invoked in the wrong lifecycle state.
func StateError(op string, state ConnState) error {
	return NewError(ErrCodeState, op).WithContext("state", state.String())
}

// CodeOf extracts the code of the first *Error in the chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeInternal
}
