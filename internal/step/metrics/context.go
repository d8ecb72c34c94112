// Package metrics aggregates the performance metrics of load steps.
//
// There is one Context per (load step, operation type). A Context counts
// terminal operations and records their durations and latencies in HDR
// histograms. While the live concurrency is above the configured threshold,
// a nested threshold Context collects an independently zeroed set of
// metrics describing the saturated regime.
package metrics

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/op"
)

// Histogram range in microseconds: 1µs to 1 hour, 3 significant figures.
const (
	histogramMin     = 1
	histogramMax     = 3600000000
	histogramSigFigs = 3
)

// ThresholdState is the state of the threshold sub-context.
type ThresholdState int32

const (
	ThresholdNone ThresholdState = iota
	ThresholdEntered
	ThresholdExited
)

func (s ThresholdState) String() string {
	switch s {
	case ThresholdNone:
		return "none"
	case ThresholdEntered:
		return "entered"
	case ThresholdExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Meta describes what a Context measures.
type Meta struct {
	StepID               string  `json:"stepId"`
	RunID                int64   `json:"runId"`
	OpType               op.Type `json:"opType"`
	ConcurrencyLimit     int     `json:"concurrencyLimit"`
	ConcurrencyThreshold int     `json:"concurrencyThreshold"`
	ItemDataSize         int64   `json:"itemDataSize"`
	Comment              string  `json:"comment,omitempty"`
}

// contexts created in the same clock tick are ordered by sequence
var sequence atomic.Uint64

// Context accumulates the metrics of one operation type of one load step.
//
// # Thread Safety
//
// The Mark methods and the snapshot methods are safe for concurrent use.
// Start, Close and the threshold state transitions are expected to be called
// by a single control goroutine.
type Context struct {
	meta         Meta
	outputPeriod time.Duration
	nested       bool
	created      time.Time
	seq          uint64

	startNanos atomic.Int64
	closed     atomic.Bool

	succ    atomic.Int64
	fail    atomic.Int64
	bytes   atomic.Int64
	byState [op.StatusInterrupted + 1]atomic.Int64

	histMu       sync.Mutex
	durationHist *hdrhistogram.Histogram
	latencyHist  *hdrhistogram.Histogram

	// bumped by every mark, a cached snapshot of an older version is stale
	version atomic.Uint64

	snapMu      sync.Mutex
	snapshot    *Snapshot
	snapVersion uint64

	thresholdMu     sync.Mutex
	thresholdState  ThresholdState
	threshold       atomic.Pointer[Context]
	thresholdResult *Snapshot
}

// NewContext creates a context which is not started yet.
func NewContext(meta Meta, outputPeriod time.Duration) *Context {
	return newContext(meta, outputPeriod, false)
}

func newContext(meta Meta, outputPeriod time.Duration, nested bool) *Context {
	return &Context{
		meta:         meta,
		outputPeriod: outputPeriod,
		nested:       nested,
		created:      time.Now(),
		seq:          sequence.Add(1),
		durationHist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		latencyHist:  hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
	}
}

// Meta returns the context description.
func (c *Context) Meta() Meta {
	return c.meta
}

// OutputPeriod returns how often the context should be reported; 0 means
// only at the end of the step.
func (c *Context) OutputPeriod() time.Duration {
	return c.outputPeriod
}

// Start fixes the start timestamp. Repeated calls keep the first timestamp.
// A closed context can not be started again.
func (c *Context) Start() error {
	if c.closed.Load() {
		return faults.IllegalState("metrics context is closed")
	}
	c.startNanos.CompareAndSwap(0, time.Now().UnixNano())
	return nil
}

// IsStarted reports whether Start was called and Close was not.
func (c *Context) IsStarted() bool {
	return c.startNanos.Load() != 0
}

// StartTimeStamp returns the start time, or the zero time when not started.
func (c *Context) StartTimeStamp() time.Time {
	ns := c.startNanos.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Mark counts a terminal operation.
func (c *Context) Mark(o *op.Operation) {
	switch {
	case o.Succeeded():
		c.MarkSucc(o.TransferredBytes, o.Duration, o.RespLatency)
	case o.TransferredBytes > 0:
		c.MarkPartial(o.Status, o.TransferredBytes)
	default:
		c.MarkFail(o.Status)
	}
}

// MarkSucc counts a successful operation.
func (c *Context) MarkSucc(bytes int64, duration, latency time.Duration) {
	c.histMu.Lock()
	c.succ.Add(1)
	c.bytes.Add(bytes)
	c.byState[op.StatusSucc].Add(1)
	_ = c.durationHist.RecordValue(clamp(duration.Microseconds()))
	_ = c.latencyHist.RecordValue(clamp(latency.Microseconds()))
	c.histMu.Unlock()

	c.version.Add(1)
	if child := c.threshold.Load(); child != nil {
		child.MarkSucc(bytes, duration, latency)
	}
}

// MarkFail counts a failed operation.
func (c *Context) MarkFail(status op.Status) {
	c.MarkPartial(status, 0)
}

// MarkPartial counts a failed operation which still transferred some bytes.
func (c *Context) MarkPartial(status op.Status, bytes int64) {
	c.histMu.Lock()
	c.fail.Add(1)
	c.bytes.Add(bytes)
	if status >= 0 && int(status) < len(c.byState) {
		c.byState[status].Add(1)
	}
	c.histMu.Unlock()

	c.version.Add(1)
	if child := c.threshold.Load(); child != nil {
		child.MarkPartial(status, bytes)
	}
}

func clamp(v int64) int64 {
	if v < histogramMin {
		return histogramMin
	}
	if v > histogramMax {
		return histogramMax
	}
	return v
}

// LastSnapshot returns the cached snapshot, computing a new one when there
// is none or when operations were counted since it was taken.
func (c *Context) LastSnapshot() *Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	if c.snapshot != nil && c.snapVersion == c.version.Load() {
		return c.snapshot
	}
	return c.refreshLocked()
}

// RefreshLastSnapshot computes and caches a new snapshot.
func (c *Context) RefreshLastSnapshot() *Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.refreshLocked()
}

func (c *Context) refreshLocked() *Snapshot {
	version := c.version.Load()

	// counters and histograms are read together so Succ matches Duration.Count
	c.histMu.Lock()
	duration := latencyStats(c.durationHist)
	latency := latencyStats(c.latencyHist)
	succ, fail, bytes := c.succ.Load(), c.fail.Load(), c.bytes.Load()
	corrupted := c.byState[op.StatusFailDataCorrupted].Load()
	c.histMu.Unlock()

	now := time.Now()
	start := c.StartTimeStamp()
	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = now.Sub(start)
	}

	s := &Snapshot{
		StepID:               c.meta.StepID,
		RunID:                c.meta.RunID,
		OpType:               c.meta.OpType,
		ConcurrencyLimit:     c.meta.ConcurrencyLimit,
		ConcurrencyThreshold: c.meta.ConcurrencyThreshold,
		ItemDataSize:         c.meta.ItemDataSize,
		Comment:              c.meta.Comment,
		Threshold:            c.nested,
		Succ:                 succ,
		Fail:                 fail,
		Bytes:                bytes,
		Corrupted:            corrupted,
		Duration:             duration,
		Latency:              latency,
		StartTime:            start,
		Elapsed:              elapsed,
		Timestamp:            now,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.OpsPerSecond = float64(s.Succ) / secs
		s.BytesPerSecond = float64(s.Bytes) / secs
	}

	c.snapshot = s
	c.snapVersion = version
	return s
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	if h.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:    time.Duration(h.Min()) * time.Microsecond,
		Max:    time.Duration(h.Max()) * time.Microsecond,
		Mean:   time.Duration(h.Mean()) * time.Microsecond,
		StdDev: time.Duration(h.StdDev()) * time.Microsecond,
		P50:    time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count:  h.TotalCount(),
	}
}

// EnterThresholdState starts a nested context counting the operations from
// now on. It is valid only once per context.
func (c *Context) EnterThresholdState() error {
	c.thresholdMu.Lock()
	defer c.thresholdMu.Unlock()

	if c.closed.Load() {
		return faults.IllegalState("metrics context is closed")
	}
	if c.thresholdState != ThresholdNone {
		return faults.IllegalState("nested context already exists")
	}

	child := newContext(c.meta, c.outputPeriod, true)
	if err := child.Start(); err != nil {
		return err
	}
	c.threshold.Store(child)
	c.thresholdState = ThresholdEntered
	return nil
}

// ExitThresholdState closes the nested context. Its final snapshot stays
// available from ThresholdSnapshot.
func (c *Context) ExitThresholdState() error {
	c.thresholdMu.Lock()
	defer c.thresholdMu.Unlock()

	if c.thresholdState != ThresholdEntered {
		return faults.IllegalState("threshold state was not entered")
	}

	child := c.threshold.Swap(nil)
	c.thresholdResult = child.RefreshLastSnapshot()
	child.Close()
	c.thresholdState = ThresholdExited
	return nil
}

// ThresholdState returns the state of the threshold sub-context.
func (c *Context) ThresholdState() ThresholdState {
	c.thresholdMu.Lock()
	defer c.thresholdMu.Unlock()
	return c.thresholdState
}

// ThresholdMetrics returns the nested context while the threshold state is
// entered, nil otherwise.
func (c *Context) ThresholdMetrics() *Context {
	return c.threshold.Load()
}

// ThresholdSnapshot returns the live nested snapshot while entered, the
// final one after exit, and nil when the state was never entered.
func (c *Context) ThresholdSnapshot() *Snapshot {
	if child := c.threshold.Load(); child != nil {
		return child.LastSnapshot()
	}
	c.thresholdMu.Lock()
	defer c.thresholdMu.Unlock()
	return c.thresholdResult
}

// Close resets the start timestamp, drops the cached snapshot and closes the
// nested context. A closed context can not be started again.
func (c *Context) Close() {
	c.closed.Store(true)

	c.thresholdMu.Lock()
	if child := c.threshold.Swap(nil); child != nil {
		child.Close()
	}
	c.thresholdMu.Unlock()

	c.startNanos.Store(0)

	c.snapMu.Lock()
	c.snapshot = nil
	c.snapMu.Unlock()
}

// IsClosed reports whether Close was called.
func (c *Context) IsClosed() bool {
	return c.closed.Load()
}

// Compare orders contexts by creation time. It returns -1, 0 or 1.
func (c *Context) Compare(other *Context) int {
	switch {
	case c == other:
		return 0
	case c.created.Before(other.created):
		return -1
	case other.created.Before(c.created):
		return 1
	case c.seq < other.seq:
		return -1
	case c.seq > other.seq:
		return 1
	default:
		return 0
	}
}

// Sort sorts contexts in creation order.
func Sort(contexts []*Context) {
	slices.SortFunc(contexts, func(a, b *Context) int {
		return a.Compare(b)
	})
}
