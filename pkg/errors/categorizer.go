package errors

import (
	"context"
	"errors"
	"strings"
)

// CategorizeError maps an error to a standardized error code
func CategorizeError(err error) string {
	if err == nil {
		return ""
	}

	var rtErr *Error
	if errors.As(err, &rtErr) && rtErr.Code != "" {
		return rtErr.Code
	}

	if errors.Is(err, ErrMalformedGraph) {
		return CodeMalformedGraph
	}
	if errors.Is(err, ErrAddress) {
		return CodeAddress
	}
	if errors.Is(err, ErrInvalidConfig) {
		return CodeConfiguration
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeContextCancelled
	}

	// Check error message for common patterns
	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "arc") {
		return CodeArc
	}
	if strings.Contains(errMsg, "script") {
		return CodeScript
	}
	if strings.Contains(errMsg, "service") {
		return CodeService
	}
	if strings.Contains(errMsg, "configuration") || strings.Contains(errMsg, "config") {
		return CodeConfiguration
	}

	return CodeUnknown
}

// IsFatal reports whether an error must abort graph construction.
// Only structural graph errors are fatal; everything else is recoverable
// or a scheduling signal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return CategorizeError(err) == CodeMalformedGraph
}
