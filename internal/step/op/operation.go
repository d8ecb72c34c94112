// Package op defines load operations and their result reporting contract.
package op

import (
	"fmt"
	"strings"
	"time"

	"github.com/wesleyorama2/stowload/internal/step/item"
)

// Type identifies the kind of operation.
type Type string

const (
	// TypeNoop does nothing against the storage; useful to measure the
	// engine's own overhead.
	TypeNoop Type = "noop"

	// TypeCreate writes a new item.
	TypeCreate Type = "create"

	// TypeRead reads an item back, optionally verifying its content.
	TypeRead Type = "read"

	// TypeUpdate overwrites an item with the content of its next layer.
	TypeUpdate Type = "update"

	// TypeDelete removes an item.
	TypeDelete Type = "delete"
)

// ParseType parses an operation type name (case-insensitive).
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeNoop, TypeCreate, TypeRead, TypeUpdate, TypeDelete:
		return t, nil
	default:
		return "", fmt.Errorf("unknown operation type: %s", s)
	}
}

// Status is the state of an operation.
type Status int32

const (
	StatusPending Status = iota
	StatusActive
	StatusSucc
	StatusFailIO
	StatusFailTimeout
	StatusFailDataCorrupted
	StatusFailNotFound
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusSucc:
		return "succ"
	case StatusFailIO:
		return "fail_io"
	case StatusFailTimeout:
		return "fail_timeout"
	case StatusFailDataCorrupted:
		return "fail_data_corrupted"
	case StatusFailNotFound:
		return "fail_not_found"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s >= StatusSucc
}

// Operation is one executable action derived from an item.
//
// The generator creates it, the driver owns it while in flight and hands it
// to the result output once it reaches a terminal status.
type Operation struct {
	Type Type
	Item item.Item

	// Set by the driver.
	Status           Status
	StartTime        time.Time
	RespLatency      time.Duration
	Duration         time.Duration
	TransferredBytes int64
	Err              error
}

// New creates a pending operation.
func New(t Type, it item.Item) *Operation {
	return &Operation{Type: t, Item: it}
}

// Begin marks the operation as active.
func (o *Operation) Begin() {
	o.Status = StatusActive
	o.StartTime = time.Now()
}

// Finish marks the operation terminal with the given status.
func (o *Operation) Finish(status Status, err error) {
	o.Duration = time.Since(o.StartTime)
	if o.RespLatency == 0 || o.RespLatency > o.Duration {
		o.RespLatency = o.Duration
	}
	o.Status = status
	o.Err = err
}

// MarkResponse records the response latency (time to first byte).
func (o *Operation) MarkResponse() {
	if o.RespLatency == 0 {
		o.RespLatency = time.Since(o.StartTime)
	}
}

// Succeeded reports whether the operation finished successfully.
func (o *Operation) Succeeded() bool {
	return o.Status == StatusSucc
}

// Output consumes terminal operations. Implementations must be safe for
// concurrent use by the driver's workers.
type Output interface {
	Put(o *Operation)
}

// OutputFunc adapts a function to Output.
type OutputFunc func(o *Operation)

// Put implements Output.
func (f OutputFunc) Put(o *Operation) {
	f(o)
}
