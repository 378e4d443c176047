package errors

import "errors"

// WithContext adds a single context field to an error.
// Returns a new PlatformError with the context field added.
// Existing context fields are preserved.
//
// If err is not a PlatformError, it is converted to one with CodeUnknown.
// Returns nil if err is nil.
//
// Example:
//
//	err := errors.New(errors.CodeRevNotFound, "revision not found")
//	err = errors.WithContext(err, "rev", rev)
//	err = errors.WithContext(err, "ref", ref)
func WithContext(err error, key string, value interface{}) PlatformError {
	if err == nil {
		return nil
	}

	// Convert to PlatformError if needed
	var platformErr PlatformError
	if !errors.As(err, &platformErr) {
		platformErr = &platformError{
			code:           CodeUnknown,
			classification: ClassificationPermanent,
			message:        err.Error(),
			context:        nil,
			cause:          err,
		}
	}

	// Create new context with existing fields plus new field
	newContext := make(map[string]interface{})
	if existingCtx := platformErr.Context(); existingCtx != nil {
		for k, v := range existingCtx {
			newContext[k] = v
		}
	}
	newContext[key] = value

	return &platformError{
		code:           platformErr.Code(),
		classification: platformErr.Classification(),
		message:        platformErr.Message(),
		context:        newContext,
		cause:          platformErr.Unwrap(),
	}
}
