package errors

import (
	stderrors "errors"
)

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard library errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard library errors.As.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// GetCode extracts the ErrorCode from an error.
// Returns CodeUnknown if the error is nil or not a PlatformError.
//
// This function handles the error chain and will extract the code from
// the outermost PlatformError in the chain.
//
// Example:
//
//	if errors.GetCode(err) == errors.CodeRevNotFound {
//	    // Suggest allRefs or a corrected ref
//	}
func GetCode(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var platformErr PlatformError
	if stderrors.As(err, &platformErr) {
		return platformErr.Code()
	}

	return CodeUnknown
}

// GetClassification extracts the ErrorClassification from an error.
// Returns ClassificationPermanent if the error is nil or not a PlatformError.
// This is a safe default that prevents inappropriate retry attempts.
func GetClassification(err error) ErrorClassification {
	if err == nil {
		return ClassificationPermanent
	}

	var platformErr PlatformError
	if stderrors.As(err, &platformErr) {
		return platformErr.Classification()
	}

	return ClassificationPermanent
}
