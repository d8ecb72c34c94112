package step

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/stowload/internal/logging"
	"github.com/wesleyorama2/stowload/internal/step/driver"
	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/generator"
	"github.com/wesleyorama2/stowload/internal/step/metrics"
	"github.com/wesleyorama2/stowload/internal/step/op"
)

// LoadConfig holds the limits a Context enforces.
type LoadConfig struct {
	// TimeLimit stops the emission after the given time; the step then
	// completes normally. 0 means no limit.
	TimeLimit time.Duration

	// DrainTimeout bounds the wait for in-flight operations once the
	// emission has ended. Operations still running are interrupted.
	// 0 waits without bound.
	DrainTimeout time.Duration
}

// Context binds a generator, a driver and a metrics context into a
// runnable unit and supervises its completion.
//
// The Context is the output of its driver: each terminal operation is counted
// in the metrics context, passed to the results output and traced.
type Context struct {
	id           string
	gen          *generator.Generator
	drv          driver.Driver
	metrics      *metrics.Context
	manager      *metrics.Manager
	cfg          LoadConfig
	tracePersist bool
	logger       *zap.Logger
	trace        *zap.Logger

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	results op.Output

	// closed once the step is terminal
	done     chan struct{}
	doneOnce sync.Once
	// closed once the run goroutine has returned
	finished  chan struct{}
	completed atomic.Bool
	runErr    error

	closeOnce sync.Once
	closeErr  error
}

// NewContext creates a step context and makes it the output of drv.
func NewContext(
	id string,
	gen *generator.Generator,
	drv driver.Driver,
	metricsCtx *metrics.Context,
	cfg LoadConfig,
	tracePersist bool,
	logger *zap.Logger,
) (*Context, error) {
	if gen == nil {
		return nil, faults.Configf("load.generator", "generator is required")
	}
	if drv == nil {
		return nil, faults.Configf("storage.driver", "driver is required")
	}
	if metricsCtx == nil {
		return nil, faults.Configf("output.metrics", "metrics context is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.With(zap.String("step_id", id))
	c := &Context{
		id:           id,
		gen:          gen,
		drv:          drv,
		metrics:      metricsCtx,
		cfg:          cfg,
		tracePersist: tracePersist,
		logger:       logger,
		trace:        logging.OpTrace(logger),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	drv.SetOutput(c)
	return c, nil
}

// SetMetricsManager makes the context register its metrics with m on start
// and run m while the step runs.
func (c *Context) SetMetricsManager(m *metrics.Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manager = m
}

// SetResultsOutput sets the consumer of every terminal operation, successful
// or not. Filtering is up to the consumer: the linear step records only the
// items of successful operations to its item output file.
func (c *Context) SetResultsOutput(out op.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = out
}

// ID returns the step id.
func (c *Context) ID() string {
	return c.id
}

// Metrics returns the metrics context.
func (c *Context) Metrics() *metrics.Context {
	return c.metrics
}

// State returns the lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error which ended the run early, if any.
func (c *Context) Err() error {
	select {
	case <-c.finished:
		return c.runErr
	default:
		return nil
	}
}

// Put implements op.Output.
func (c *Context) Put(o *op.Operation) {
	c.metrics.Mark(o)

	c.mu.Lock()
	results := c.results
	c.mu.Unlock()
	if results != nil {
		results.Put(o)
	}

	if c.tracePersist {
		fields := []zap.Field{
			zap.String("op_type", string(o.Type)),
			zap.String("item", o.Item.Name),
			zap.Int("layer", o.Item.Layer),
			zap.String("status", o.Status.String()),
			zap.Time("start", o.StartTime),
			zap.Duration("duration", o.Duration),
			zap.Duration("latency", o.RespLatency),
			zap.Int64("bytes", o.TransferredBytes),
		}
		if o.Err != nil {
			fields = append(fields, zap.Error(o.Err))
		}
		c.trace.Info("Operation finished", fields...)
	}
}

// Start starts the metrics, the generator and the completion watcher.
func (c *Context) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConstructed {
		return faults.IllegalState("step %s is %s, it cannot be started", c.id, c.state)
	}
	if err := c.metrics.Start(); err != nil {
		return err
	}
	if c.manager != nil {
		c.manager.Register(c.metrics, c.drv.ActiveCount)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if c.cfg.TimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), c.cfg.TimeLimit)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	c.cancel = cancel
	c.state = StateStarted

	c.logger.Info("Load step started",
		zap.String("op_type", string(c.gen.OpType())),
		zap.Int("concurrency", c.drv.ConcurrencyLimit()),
		zap.Duration("time_limit", c.cfg.TimeLimit))

	go c.supervise(runCtx)
	return nil
}

func (c *Context) supervise(ctx context.Context) {
	defer close(c.finished)

	managerCtx, stopManager := context.WithCancel(context.Background())
	var g errgroup.Group
	if c.manager != nil {
		g.Go(func() error {
			return c.manager.Run(managerCtx)
		})
	}
	g.Go(func() error {
		defer stopManager()
		return c.run(ctx)
	})

	c.runErr = g.Wait()
}

// run emits until the generator ends, then drains the driver.
func (c *Context) run(ctx context.Context) error {
	err := c.gen.Run(ctx)
	defer c.cancel()

	var genErr error
	switch {
	case err == nil:
		c.logger.Debug("Generator exhausted", zap.Int64("emitted", c.gen.Emitted()))
	case errors.Is(err, context.DeadlineExceeded):
		c.logger.Info("Load step time limit reached", zap.Int64("emitted", c.gen.Emitted()))
	case errors.Is(err, context.Canceled):
		c.logger.Debug("Generator stopped", zap.Int64("emitted", c.gen.Emitted()))
	default:
		c.logger.Error("Generator failed", zap.Error(err))
		genErr = err
	}

	c.drain()

	if genErr != nil {
		c.finish(StateInterrupted)
		return genErr
	}
	c.finish(StateCompleted)
	return nil
}

func (c *Context) drain() {
	waitCtx := context.Background()
	if c.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, c.cfg.DrainTimeout)
		defer cancel()
	}

	if err := c.drv.Wait(waitCtx); err != nil {
		c.logger.Warn("In-flight operations did not finish in time, interrupting them",
			zap.Duration("drain_timeout", c.cfg.DrainTimeout),
			zap.Int("active", c.drv.ActiveCount()))
		c.drv.Interrupt()
		_ = c.drv.Wait(context.Background())
	}
}

// finish moves a started step to a terminal state.
func (c *Context) finish(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStarted {
		return
	}
	c.state = state
	if state == StateCompleted {
		c.completed.Store(true)
		c.logger.Info("Load step completed", zap.Int64("emitted", c.gen.Emitted()))
	}
	c.signalDone()
}

func (c *Context) signalDone() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// Stop interrupts the step: the emission ends and in-flight operations are
// interrupted. Pending AwaitCompletion calls return false.
func (c *Context) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConstructed:
		c.state = StateInterrupted
		c.signalDone()
	case StateStarted:
		c.state = StateInterrupted
		c.signalDone()
		c.cancel()
		c.drv.Interrupt()
		c.logger.Info("Load step stopped", zap.Int64("emitted", c.gen.Emitted()))
	}
	return nil
}

// AwaitCompletion blocks until the step is terminal or timeout expires. It
// returns true if the step completed; false on timeout or interruption.
func (c *Context) AwaitCompletion(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-c.done:
			return c.completed.Load()
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.completed.Load()
	case <-timer.C:
		return false
	}
}

// Close stops the step if it is running, waits for the in-flight operations,
// reports the final metrics and releases the driver and the metrics context.
// Repeated calls return the first result.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		_ = c.Stop()

		c.mu.Lock()
		started := c.cancel != nil
		manager := c.manager
		c.mu.Unlock()

		if started {
			<-c.finished
		}
		if manager != nil {
			manager.Unregister(c.metrics)
		}
		c.metrics.Close()
		c.closeErr = c.drv.Close()

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.Debug("Load step closed")
	})
	return c.closeErr
}

var _ op.Output = (*Context)(nil)
