package airquality

import (
	"errors"
	"fmt"
)

// Error kinds. Every error leaving Service.Acquire matches exactly one of
// these with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrAuthentication = errors.New("authentication error")
	ErrDataSource     = errors.New("data source error")
	ErrDataProcessing = errors.New("data processing error")
)

// ValidationError reports bad client input. It is never retried.
type ValidationError struct {
	Message string
	Err     error
}

// NewValidationError creates a ValidationError.
func NewValidationError(msg string, err error) *ValidationError {
	return &ValidationError{Message: msg, Err: err}
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AuthenticationError reports an expired, missing or rejected credential.
type AuthenticationError struct {
	Message string
	Err     error
}

// NewAuthenticationError creates an AuthenticationError.
func NewAuthenticationError(msg string, err error) *AuthenticationError {
	return &AuthenticationError{Message: msg, Err: err}
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Is matches ErrAuthentication.
func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// DataSourceError reports an upstream search, download or subset failure.
// Status and Body are set when the upstream answered with an HTTP error.
type DataSourceError struct {
	Message string
	Status  int
	Body    string
	Err     error
}

// NewDataSourceError creates a DataSourceError.
func NewDataSourceError(msg string, err error) *DataSourceError {
	return &DataSourceError{Message: msg, Err: err}
}

func (e *DataSourceError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Message, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// Is matches ErrDataSource.
func (e *DataSourceError) Is(target error) bool { return target == ErrDataSource }

// DataProcessingError reports an unreadable file, a missing variable or
// coordinate array, or a shape mismatch.
type DataProcessingError struct {
	Message string
	Err     error
}

// NewDataProcessingError creates a DataProcessingError.
func NewDataProcessingError(msg string, err error) *DataProcessingError {
	return &DataProcessingError{Message: msg, Err: err}
}

func (e *DataProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DataProcessingError) Unwrap() error { return e.Err }

// Is matches ErrDataProcessing.
func (e *DataProcessingError) Is(target error) bool { return target == ErrDataProcessing }

// IsKnown reports whether err already belongs to one of the four kinds.
func IsKnown(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrDataSource) ||
		errors.Is(err, ErrDataProcessing)
}
