// Package apperr defines the error taxonomy shared by the merge engine and its adapters.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrInvalidProposal   = errors.New("invalid proposal")
	ErrInvalidConfig     = errors.New("invalid configuration")
	// ErrStoreUnavailable marks storage failures that make the rest of a batch pointless,
	// e.g. a lost connection. Per-record failures must not wrap it.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrBatchCanceled    = errors.New("batch canceled")
	ErrUnresolved       = errors.New("unresolved endpoint")
	// ErrNotConfigured is returned by optional features, such as document extraction,
	// that the running configuration leaves off.
	ErrNotConfigured = errors.New("not configured")
)

// ConfigError is returned at startup for malformed or incomplete configuration.
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

func (e *ConfigError) Error() string {
	msg := "configuration error: " + e.Message
	if e.Component != "" {
		msg = fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// NewConfigError creates a ConfigError. Message may use fmt verbs.
func NewConfigError(component string, err error, format string, args ...any) *ConfigError {
	return &ConfigError{Component: component, Message: fmt.Sprintf(format, args...), Err: err}
}

// StorageError wraps a failed storage primitive.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it is nil or already a StorageError.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ResolutionError reports a relation whose endpoint could not be mapped to a canonical entity.
type ResolutionError struct {
	Relation string
	Endpoint string
	Reason   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("relation %s: endpoint %q unresolved: %s", e.Relation, e.Endpoint, e.Reason)
}

func (e *ResolutionError) Is(target error) bool { return target == ErrUnresolved }

// IsFatal reports whether err should abort the remainder of a batch.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
