package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the original error.
// The wrapped error is accessible via Unwrap() and compatible with errors.Is and errors.As.
//
// If the wrapped error is a PlatformError, its classification is preserved.
// Otherwise, the default classification for the error code is used.
//
// Returns nil if err is nil.
//
// Example:
//
//	if err := fetchMirror(ctx, url); err != nil {
//	    return errors.Wrap(err, errors.CodeNetwork, "failed to update mirror")
//	}
func Wrap(err error, code ErrorCode, message string) PlatformError {
	if err == nil {
		return nil
	}

	// Preserve classification if wrapping a PlatformError
	classification := getDefaultClassification(code)
	var platformErr PlatformError
	if errors.As(err, &platformErr) {
		classification = platformErr.Classification()
	}

	return &platformError{
		code:           code,
		classification: classification,
		message:        message,
		context:        nil,
		cause:          err,
	}
}

// Wrapf wraps an error with a formatted message while preserving the original error.
//
// Returns nil if err is nil.
//
// Example:
//
//	if err := run(args); err != nil {
//	    return errors.Wrapf(err, errors.CodeExecutionFailed, "git %s failed", args[0])
//	}
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) PlatformError {
	if err == nil {
		return nil
	}

	return Wrap(err, code, fmt.Sprintf(format, args...))
}
