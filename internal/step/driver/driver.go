// Package driver provides the storage drivers that execute load operations.
//
// A Driver is the admission boundary of a load step: it accepts operations up
// to a configured concurrency limit and blocks further submissions until
// capacity frees up. Every admitted operation reports exactly one terminal
// outcome to the driver's output.
package driver

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stowload/internal/step/data"
	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/op"
)

// Type identifies a storage backend implementation.
type Type string

const (
	// TypeMem keeps objects in process memory.
	TypeMem Type = "mem"

	// TypeHTTP stores objects with plain HTTP PUT/GET/DELETE requests.
	TypeHTTP Type = "http"

	// TypeNoop accepts every request without doing anything.
	TypeNoop Type = "noop"
)

// ErrNotFound is returned by backends for missing objects.
var ErrNotFound = errors.New("object not found")

// Driver is the executor admission contract consumed by load steps.
type Driver interface {
	// Put submits operations, blocking until each of them holds a
	// concurrency slot. It returns the number of admitted operations;
	// operations past that index were not submitted.
	Put(ctx context.Context, ops []*op.Operation) (int, error)

	// SetOutput sets the consumer of terminal operations. Must be called
	// before the first Put.
	SetOutput(out op.Output)

	// ConcurrencyLimit returns the maximum number of in-flight operations.
	ConcurrencyLimit() int

	// BatchSize returns the number of operations dispatched together.
	BatchSize() int

	// ActiveCount returns the current number of in-flight operations.
	ActiveCount() int

	// Wait blocks until all admitted operations have reported.
	Wait(ctx context.Context) error

	// Interrupt cancels in-flight operations; they still report, with an
	// interrupted status.
	Interrupt()

	// Close interrupts and drains the driver and releases the backend.
	Close() error
}

// Backend executes storage requests against one storage system.
type Backend interface {
	// Put writes size bytes read from body as object name.
	Put(ctx context.Context, name string, body io.Reader, size int64) error

	// Get writes the content of object name into dst.
	Get(ctx context.Context, name string, dst io.Writer) (int64, error)

	// Delete removes object name.
	Delete(ctx context.Context, name string) error

	io.Closer
}

// Config configures a driver.
type Config struct {
	Type             Type          `json:"type" yaml:"type"`
	ConcurrencyLimit int           `json:"concurrencyLimit" yaml:"concurrencyLimit"`
	BatchSize        int           `json:"batchSize" yaml:"batchSize"`
	Verify           bool          `json:"verify" yaml:"verify"`
	AdmissionTimeout time.Duration `json:"admissionTimeout,omitempty" yaml:"admissionTimeout,omitempty"`

	// HTTP backend settings.
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Bucket   string            `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Validate validates the driver configuration.
func (c *Config) Validate() error {
	if c.ConcurrencyLimit <= 0 {
		return faults.Configf("storage.driver.limit.concurrency", "concurrency limit must be > 0")
	}
	if c.BatchSize <= 0 {
		return faults.Configf("load.batch.size", "batch size must be > 0")
	}
	if c.AdmissionTimeout < 0 {
		return faults.Configf("storage.driver.admissionTimeout", "admission timeout must be >= 0")
	}

	switch c.Type {
	case TypeMem, TypeNoop:
	case TypeHTTP:
		if c.Endpoint == "" {
			return faults.Configf("storage.net.endpoint", "endpoint is required for the http driver")
		}
	case "":
		return faults.Configf("storage.driver.type", "driver type is required")
	default:
		return faults.Configf("storage.driver.type", "unknown driver type: %s", c.Type)
	}
	return nil
}

// New creates a driver for cfg.Type backed by a fresh backend.
func New(cfg Config, content *data.Source, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var backend Backend
	switch cfg.Type {
	case TypeMem:
		backend = NewMemBackend()
	case TypeNoop:
		backend = NoopBackend{}
	case TypeHTTP:
		hb, err := NewHTTPBackend(HTTPConfig{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Timeout:         cfg.Timeout,
			Headers:         cfg.Headers,
			MaxConnsPerHost: cfg.ConcurrencyLimit,
		})
		if err != nil {
			return nil, err
		}
		backend = hb
	}

	return NewPool(cfg, backend, content, logger)
}

// NoopBackend accepts every request and transfers nothing.
type NoopBackend struct{}

// Put implements Backend.
func (NoopBackend) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	return nil
}

// Get implements Backend.
func (NoopBackend) Get(ctx context.Context, name string, dst io.Writer) (int64, error) {
	return 0, nil
}

// Delete implements Backend.
func (NoopBackend) Delete(ctx context.Context, name string) error {
	return nil
}

// Close implements io.Closer.
func (NoopBackend) Close() error {
	return nil
}
