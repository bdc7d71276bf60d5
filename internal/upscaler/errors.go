package upscaler

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid or missing input; the job never starts.
	ErrConfiguration = errors.New("invalid upscale configuration")

	// ErrBusy is returned when another job holds the backend.
	ErrBusy = errors.New("another upscale job is running")
)

// ConfigurationError is a user-facing validation failure.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ResourceBuildError wraps a failure to construct or resolve the backend.
type ResourceBuildError struct {
	Err error
}

func (e *ResourceBuildError) Error() string {
	return fmt.Sprintf("backend initialization failed: %v", e.Err)
}

func (e *ResourceBuildError) Unwrap() error {
	return e.Err
}

// BackendError wraps a failed tile invocation.
type BackendError struct {
	Batch int
	Tile  string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("batch %d tile %s: %v", e.Batch, e.Tile, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
