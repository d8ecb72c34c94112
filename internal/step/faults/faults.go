// Package faults defines the error taxonomy shared by the load step packages.
//
// Construction-time problems are reported as *ConfigurationError and abort the
// step assembly. Per-operation problems never abort a step; they are carried
// as *OperationFailure values and counted by the metrics context.
package faults

import (
	"errors"
	"fmt"
)

// ErrAdmissionTimeout is returned by a driver that could not admit an
// operation within its admission policy. Callers treat it as backpressure.
var ErrAdmissionTimeout = errors.New("admission timeout: driver is at its concurrency limit")

// ErrPersistenceDegraded marks a step running without its item record sink.
var ErrPersistenceDegraded = errors.New("item records output is not available, the processed items info won't be persisted")

// ConfigurationError represents bad or missing settings.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Configf builds a ConfigurationError for the given field.
func Configf(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ContentAddressError reports an invalid content layer or offset.
type ContentAddressError struct {
	Layer     int
	Offset    int64
	LayerSize int64
}

func (e *ContentAddressError) Error() string {
	return fmt.Sprintf("invalid content address: layer %d, offset %d (layer size %d)", e.Layer, e.Offset, e.LayerSize)
}

// IllegalStateError is a protocol violation by the caller, e.g. entering the
// threshold state twice. It indicates an orchestration defect.
type IllegalStateError struct {
	Message string
}

func (e *IllegalStateError) Error() string {
	return "illegal state: " + e.Message
}

// IllegalState builds an IllegalStateError.
func IllegalState(format string, args ...interface{}) *IllegalStateError {
	return &IllegalStateError{Message: fmt.Sprintf(format, args...)}
}

// OperationFailure is the terminal failure of a single operation.
type OperationFailure struct {
	Op   string
	Item string
	Err  error
}

func (e *OperationFailure) Error() string {
	return fmt.Sprintf("%s %q failed: %v", e.Op, e.Item, e.Err)
}

func (e *OperationFailure) Unwrap() error {
	return e.Err
}

// InitError is a step assembly failure, identifying the stage which failed.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize the %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsIllegalState reports whether err is or wraps an IllegalStateError.
func IsIllegalState(err error) bool {
	var ie *IllegalStateError
	return errors.As(err, &ie)
}
