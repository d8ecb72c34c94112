// Package step assembles load steps and runs them.
//
// A load step binds one operation generator, one storage driver and one
// metrics context into a runnable unit:
//
//	items -> generator -> driver -> (metrics, item records, op traces)
//
// The Step interface is the surface a remote coordinator controls. It is
// implemented by Linear, which builds the whole pipeline from a
// configuration document.
package step

import (
	"time"

	"github.com/wesleyorama2/stowload/internal/step/metrics"
)

// State is the lifecycle state of a load step.
type State int32

const (
	// StateConstructed is the state of an assembled step that was not started.
	StateConstructed State = iota

	// StateStarted means the generator and the driver are running.
	StateStarted

	// StateCompleted means the generator is exhausted and every in-flight
	// operation has reported.
	StateCompleted

	// StateInterrupted means the step was stopped before completion.
	StateInterrupted

	// StateClosed means the step resources are released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarted:
		return "started"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the step has finished running.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Step is the remote control contract of a load step.
//
// All the methods are safe for concurrent use. Close is idempotent and the
// step identity stays queryable after it.
type Step interface {
	// Start activates the generator and the driver.
	Start() error

	// Stop interrupts a running step.
	Stop() error

	// Close stops the step if needed and releases its resources.
	Close() error

	// LoadStepID returns the step id.
	LoadStepID() string

	// RunID returns the id of the run the step belongs to.
	RunID() int64

	// TypeName returns the step type, e.g. "linear".
	TypeName() string

	// State returns the lifecycle state.
	State() State

	// MetricsSnapshots returns the current snapshots of the step metrics,
	// followed by the threshold snapshot when one exists.
	MetricsSnapshots() []*metrics.Snapshot

	// Await blocks until the step reaches a terminal state or the timeout
	// expires. It returns true only if the step completed.
	Await(timeout time.Duration) bool
}
