package metrics

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stowload/internal/step/op"
)

type recordingOutput struct {
	mu     sync.Mutex
	snaps  []*Snapshot
	finals int
}

func (r *recordingOutput) Snapshot(s *Snapshot, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	if final {
		r.finals++
	}
}

func (r *recordingOutput) count() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps), r.finals
}

func TestManager_ThresholdFollowsConcurrency(t *testing.T) {
	out := &recordingOutput{}
	m := NewManager(out, nil)

	c := NewContext(Meta{StepID: "s", OpType: op.TypeCreate, ConcurrencyLimit: 10, ConcurrencyThreshold: 4}, 0)
	require.NoError(t, c.Start())

	var active atomic.Int32
	m.Register(c, func() int { return int(active.Load()) })

	active.Store(3)
	m.check(time.Now())
	assert.Equal(t, ThresholdNone, c.ThresholdState())

	active.Store(4)
	m.check(time.Now())
	assert.Equal(t, ThresholdEntered, c.ThresholdState())

	c.MarkSucc(1, time.Millisecond, time.Millisecond)
	m.check(time.Now())
	assert.Equal(t, ThresholdEntered, c.ThresholdState())

	active.Store(1)
	m.check(time.Now())
	assert.Equal(t, ThresholdExited, c.ThresholdState())
	_, finals := out.count()
	assert.Equal(t, 1, finals, "threshold summary is reported on exit")

	// the threshold state is never entered twice
	active.Store(9)
	m.check(time.Now())
	assert.Equal(t, ThresholdExited, c.ThresholdState())
}

func TestManager_NonPositiveThresholdNeverEnters(t *testing.T) {
	for _, threshold := range []int{0, -1} {
		m := NewManager(nil, nil)
		c := NewContext(Meta{OpType: op.TypeRead, ConcurrencyThreshold: threshold}, 0)
		require.NoError(t, c.Start())
		m.Register(c, func() int { return 1000 })

		m.check(time.Now())
		assert.Equal(t, ThresholdNone, c.ThresholdState(), "threshold %d", threshold)
	}
}

func TestManager_PeriodicOutput(t *testing.T) {
	out := &recordingOutput{}
	m := NewManager(out, nil)
	m.SetCheckInterval(5 * time.Millisecond)

	c := NewContext(Meta{OpType: op.TypeNoop}, 20*time.Millisecond)
	require.NoError(t, c.Start())
	m.Register(c, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	n, finals := out.count()
	assert.GreaterOrEqual(t, n, 3)
	assert.LessOrEqual(t, n, 6)
	assert.Equal(t, 0, finals)

	m.Unregister(c)
	n2, finals := out.count()
	assert.Equal(t, n+1, n2)
	assert.Equal(t, 1, finals)
	assert.Empty(t, m.Contexts())
}

func TestManager_UnregisterExitsThreshold(t *testing.T) {
	out := &recordingOutput{}
	m := NewManager(out, nil)
	c := NewContext(Meta{OpType: op.TypeCreate, ConcurrencyThreshold: 1}, 0)
	require.NoError(t, c.Start())
	m.Register(c, func() int { return 2 })

	m.check(time.Now())
	require.Equal(t, ThresholdEntered, c.ThresholdState())

	m.Unregister(c)
	assert.Equal(t, ThresholdExited, c.ThresholdState())
	_, finals := out.count()
	assert.Equal(t, 2, finals, "step summary and threshold summary")
}

func TestManager_ContextsSorted(t *testing.T) {
	m := NewManager(nil, nil)
	a := NewContext(Meta{OpType: op.TypeCreate}, 0)
	b := NewContext(Meta{OpType: op.TypeRead}, 0)
	m.Register(b, nil)
	m.Register(a, nil)

	assert.Equal(t, []*Context{a, b}, m.Contexts())
}

func TestCollector(t *testing.T) {
	m := NewManager(nil, nil)
	c := NewContext(Meta{StepID: "linear_1", OpType: op.TypeCreate}, 0)
	require.NoError(t, c.Start())
	c.MarkSucc(100, 5*time.Millisecond, time.Millisecond)
	c.MarkFail(op.StatusFailIO)
	m.Register(c, nil)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(m)))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "step_id" {
					assert.Equal(t, "linear_1", l.GetValue())
				}
			}
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetSummary() != nil:
				values[f.GetName()] = float64(metric.GetSummary().GetSampleCount())
			}
		}
	}

	assert.Equal(t, 1.0, values["stowload_operations_succeeded_total"])
	assert.Equal(t, 1.0, values["stowload_operations_failed_total"])
	assert.Equal(t, 100.0, values["stowload_transferred_bytes_total"])
	assert.Equal(t, 1.0, values["stowload_operation_duration_seconds"])
	for name := range values {
		assert.True(t, strings.HasPrefix(name, "stowload_"), name)
	}
}
