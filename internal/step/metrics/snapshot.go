package metrics

import (
	"time"

	"github.com/wesleyorama2/stowload/internal/step/op"
)

// Snapshot is an immutable point-in-time view of a metrics context.
type Snapshot struct {
	StepID               string  `json:"stepId"`
	RunID                int64   `json:"runId"`
	OpType               op.Type `json:"opType"`
	ConcurrencyLimit     int     `json:"concurrencyLimit"`
	ConcurrencyThreshold int     `json:"concurrencyThreshold"`
	ItemDataSize         int64   `json:"itemDataSize"`
	Comment              string  `json:"comment,omitempty"`

	// Threshold is set for the snapshots of a threshold sub-context.
	Threshold bool `json:"threshold"`

	Succ      int64 `json:"succ"`
	Fail      int64 `json:"fail"`
	Bytes     int64 `json:"bytes"`
	Corrupted int64 `json:"corrupted"`

	OpsPerSecond   float64 `json:"opsPerSecond"`
	BytesPerSecond float64 `json:"bytesPerSecond"`

	Duration LatencyStats `json:"duration"`
	Latency  LatencyStats `json:"latency"`

	StartTime time.Time     `json:"startTime"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// Total returns the number of counted operations.
func (s *Snapshot) Total() int64 {
	return s.Succ + s.Fail
}

// LatencyStats contains duration statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}
