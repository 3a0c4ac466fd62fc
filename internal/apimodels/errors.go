package apimodels

import (
	"errors"
	"fmt"
)

// Code is the closed error taxonomy shared with the platform service. The
// positive values are gateway-local conditions; the negative values map
// directly onto JSON-RPC and platform capability codes on the wire.
type Code int32

const (
	CodeNone             Code = 0
	CodeGeneral          Code = 1
	CodeTimedout         Code = 2
	CodeNotConnected     Code = 3
	CodeAlreadyConnected Code = 4

	CodeInvalidRequest Code = -32600
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602

	CodeCapabilityNotAvailable Code = -50300
	CodeCapabilityGet          Code = -50200
	CodeCapabilityNotSupported Code = -50100
	CodeCapabilityNotPermitted Code = -40300
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeGeneral:
		return "general"
	case CodeTimedout:
		return "timed out"
	case CodeNotConnected:
		return "not connected"
	case CodeAlreadyConnected:
		return "already connected"
	case CodeInvalidRequest:
		return "invalid request"
	case CodeMethodNotFound:
		return "method not found"
	case CodeInvalidParams:
		return "invalid params"
	case CodeCapabilityNotAvailable:
		return "capability not available"
	case CodeCapabilityGet:
		return "capability get"
	case CodeCapabilityNotSupported:
		return "capability not supported"
	case CodeCapabilityNotPermitted:
		return "capability not permitted"
	}
	return fmt.Sprintf("error(%d)", int32(c))
}

// Error carries a taxonomy code and an optional server-supplied message.
// Codes outside the known set are preserved as-is so callers can still
// inspect what the service sent.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code.String()
}

// Is matches any *Error with the same code, so errors.Is(err, ErrTimedout)
// works regardless of the attached message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrGeneral          = &Error{Code: CodeGeneral}
	ErrTimedout         = &Error{Code: CodeTimedout}
	ErrNotConnected     = &Error{Code: CodeNotConnected}
	ErrAlreadyConnected = &Error{Code: CodeAlreadyConnected}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest}
	ErrMethodNotFound   = &Error{Code: CodeMethodNotFound}
	ErrInvalidParams    = &Error{Code: CodeInvalidParams}
)

// FromRPCError maps a wire error object onto the taxonomy, preserving the
// raw code for values the taxonomy does not name.
func FromRPCError(rpcErr *RPCError) *Error {
	if rpcErr == nil {
		return nil
	}
	return &Error{Code: Code(rpcErr.Code), Message: rpcErr.Message}
}

// CodeOf extracts the taxonomy code from any error returned by the gateway.
// Non-taxonomy errors report CodeGeneral; nil reports CodeNone.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneral
}
