package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCheckInterval is how often the manager samples the live concurrency.
const DefaultCheckInterval = 100 * time.Millisecond

// Output receives the snapshots reported by the Manager.
type Output interface {
	Snapshot(s *Snapshot, final bool)
}

// ActiveCountFunc returns the live concurrency of the measured driver.
type ActiveCountFunc func() int

type entry struct {
	ctx        *Context
	active     ActiveCountFunc
	lastOutput time.Time
}

// Manager reports the registered contexts periodically and drives their
// threshold state from the live concurrency: the threshold state is entered
// once the concurrency reaches the context's threshold and exited when it
// falls below it again. A context with a threshold <= 0 never enters it.
type Manager struct {
	out      Output
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[*Context]*entry
}

// NewManager creates a manager. out may be nil.
func NewManager(out Output, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		out:      out,
		logger:   logger,
		interval: DefaultCheckInterval,
		entries:  make(map[*Context]*entry),
	}
}

// SetCheckInterval changes the sampling interval. Must be called before Run.
func (m *Manager) SetCheckInterval(d time.Duration) {
	if d > 0 {
		m.interval = d
	}
}

// Register adds a context. active may be nil when no threshold is tracked.
func (m *Manager) Register(c *Context, active ActiveCountFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[c] = &entry{ctx: c, active: active, lastOutput: time.Now()}
}

// Unregister removes a context, exits its threshold state if entered and
// reports its final snapshots.
func (m *Manager) Unregister(c *Context) {
	m.mu.Lock()
	_, ok := m.entries[c]
	delete(m.entries, c)
	m.mu.Unlock()
	if !ok {
		return
	}

	if c.ThresholdState() == ThresholdEntered {
		if err := c.ExitThresholdState(); err != nil {
			m.logger.Error("Failed to exit the threshold state", zap.Error(err))
		}
	}
	if m.out != nil {
		m.out.Snapshot(c.RefreshLastSnapshot(), true)
		if ts := c.ThresholdSnapshot(); ts != nil {
			m.out.Snapshot(ts, true)
		}
	}
}

// Contexts returns the registered contexts in creation order.
func (m *Manager) Contexts() []*Context {
	m.mu.Lock()
	contexts := make([]*Context, 0, len(m.entries))
	for c := range m.entries {
		contexts = append(contexts, c)
	}
	m.mu.Unlock()

	Sort(contexts)
	return contexts
}

// Run samples the registered contexts until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.check(now)
		}
	}
}

func (m *Manager) check(now time.Time) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if !e.ctx.IsStarted() {
			continue
		}
		m.checkThreshold(e)

		period := e.ctx.OutputPeriod()
		if m.out != nil && period > 0 && now.Sub(e.lastOutput) >= period {
			e.lastOutput = now
			m.out.Snapshot(e.ctx.RefreshLastSnapshot(), false)
		}
	}
}

func (m *Manager) checkThreshold(e *entry) {
	threshold := e.ctx.Meta().ConcurrencyThreshold
	if threshold <= 0 || e.active == nil {
		return
	}

	active := e.active()
	switch e.ctx.ThresholdState() {
	case ThresholdNone:
		if active >= threshold {
			if err := e.ctx.EnterThresholdState(); err != nil {
				m.logger.Error("Failed to enter the threshold state", zap.Error(err))
				return
			}
			m.logger.Info("The threshold of concurrency is reached, starting to collect the threshold metrics",
				zap.String("step_id", e.ctx.Meta().StepID),
				zap.String("op_type", string(e.ctx.Meta().OpType)),
				zap.Int("threshold", threshold))
		}
	case ThresholdEntered:
		if active < threshold {
			if err := e.ctx.ExitThresholdState(); err != nil {
				m.logger.Error("Failed to exit the threshold state", zap.Error(err))
				return
			}
			m.logger.Info("The concurrency fell below the threshold, the threshold metrics collection is finished",
				zap.String("step_id", e.ctx.Meta().StepID),
				zap.String("op_type", string(e.ctx.Meta().OpType)))
			if m.out != nil {
				if ts := e.ctx.ThresholdSnapshot(); ts != nil {
					m.out.Snapshot(ts, true)
				}
			}
		}
	}
}
