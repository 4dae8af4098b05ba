package errors

import (
	"errors"
	"fmt"
)

// Error codes used across the runtime.
const (
	CodeUnknown          = "UNKNOWN_ERROR"
	CodeMalformedGraph   = "MALFORMED_GRAPH"
	CodeAddress          = "ADDRESS_ERROR"
	CodeArc              = "ARC_ERROR"
	CodeNode             = "NODE_ERROR"
	CodeScript           = "SCRIPT_ERROR"
	CodeService          = "SERVICE_ERROR"
	CodeConfiguration    = "CONFIGURATION_ERROR"
	CodeIO               = "IO_ERROR"
	CodeContextCancelled = "CONTEXT_CANCELLED"
)

var (
	// ErrMalformedGraph indicates a structural defect in a graph image
	ErrMalformedGraph = errors.New("malformed graph")

	// ErrAddress indicates that a packed address could not be resolved
	ErrAddress = errors.New("address resolution failed")

	// ErrInvalidConfig indicates invalid runtime configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupported indicates an operation a component does not implement
	ErrUnsupported = errors.New("unsupported operation")
)

// Error represents a structured runtime error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new runtime error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Malformed builds a MALFORMED_GRAPH error wrapping ErrMalformedGraph.
func Malformed(format string, args ...interface{}) *Error {
	return NewError(CodeMalformedGraph, fmt.Sprintf(format, args...), ErrMalformedGraph)
}

// IsMalformed checks if an error reports a structural graph defect
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedGraph)
}

// Is forwards to the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As forwards to the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New forwards to the standard library.
func New(text string) error {
	return errors.New(text)
}
