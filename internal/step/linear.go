package step

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stowload/internal/step/config"
	"github.com/wesleyorama2/stowload/internal/step/data"
	"github.com/wesleyorama2/stowload/internal/step/driver"
	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/generator"
	"github.com/wesleyorama2/stowload/internal/step/item"
	"github.com/wesleyorama2/stowload/internal/step/metrics"
	"github.com/wesleyorama2/stowload/internal/step/op"
	"github.com/wesleyorama2/stowload/internal/step/rate"
)

// TypeLinear is the type name of the linear load step.
const TypeLinear = "linear"

// autoIDLayout formats the start time of steps without a configured id.
const autoIDLayout = "20060102.150405.000"

// Option configures a Linear step.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	metricsOutput metrics.Output
	backend       driver.Backend
	checkInterval time.Duration
	now           func() time.Time
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetricsOutput sets the consumer of the periodic metrics snapshots.
func WithMetricsOutput(out metrics.Output) Option {
	return func(o *options) {
		o.metricsOutput = out
	}
}

// WithBackend replaces the backend selected by storage.driver.type.
func WithBackend(b driver.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithCheckInterval sets how often the live concurrency is sampled.
func WithCheckInterval(d time.Duration) Option {
	return func(o *options) {
		o.checkInterval = d
	}
}

// Linear is a load step executing one operation type with a fixed
// concurrency limit from start to end.
type Linear struct {
	cfg     *config.Config
	id      string
	runID   int64
	content *data.Source
	input   item.Input
	records *itemRecorder
	ctx     *Context
	manager *metrics.Manager
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewLinear assembles a linear load step from a validated configuration.
//
// Failures to build the content source or the item input, the storage driver
// and the load generator are reported as *faults.InitError naming the stage.
// A failure to open the item output file is not fatal: the step runs without
// item records.
func NewLinear(cfg *config.Config, opts ...Option) (*Linear, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	started := o.now()
	id := cfg.Load.Step.ID
	if id == "" {
		id = TypeLinear + "_" + started.Format(autoIDLayout)
	}
	runID := cfg.Run.ID
	if runID == 0 {
		runID = started.UnixMilli()
	}
	logger := o.logger.With(zap.String("step_id", id))

	opType, err := op.ParseType(cfg.Load.Op.Type)
	if err != nil {
		return nil, &faults.InitError{Stage: "load generator", Err: err}
	}

	l := &Linear{cfg: cfg, id: id, runID: runID, logger: logger}

	l.content, err = data.New(cfg.Item.Data.Input.Seed, int64(cfg.Item.Data.Input.Layer.Size), cfg.Item.Data.Input.Layer.Cache)
	if err != nil {
		return nil, &faults.InitError{Stage: "data input", Err: err}
	}
	l.input, err = newItemInput(cfg)
	if err != nil {
		return nil, &faults.InitError{Stage: "data input", Err: err}
	}

	drv, err := newDriver(cfg, l.content, o.backend, logger)
	if err != nil {
		_ = l.input.Close()
		return nil, &faults.InitError{Stage: "storage driver", Err: err}
	}

	gen, err := generator.NewBuilder().
		ItemInput(l.input).
		OpType(opType).
		Output(drv).
		Throttle(rate.New(cfg.Load.Op.Limit.Rate, cfg.Load.Op.Limit.Burst, cfg.Load.Batch.Size)).
		BatchSize(cfg.Load.Batch.Size).
		CountLimit(cfg.Load.Op.Limit.Count).
		Logger(logger).
		Build()
	if err != nil {
		_ = drv.Close()
		_ = l.input.Close()
		return nil, &faults.InitError{Stage: "load generator", Err: err}
	}

	metricsCtx := metrics.NewContext(metrics.Meta{
		StepID:               id,
		RunID:                runID,
		OpType:               opType,
		ConcurrencyLimit:     cfg.Storage.Driver.Limit.Concurrency,
		ConcurrencyThreshold: cfg.ConcurrencyThreshold(),
		ItemDataSize:         int64(cfg.Item.Data.Size),
		Comment:              cfg.Output.Metrics.Comment,
	}, cfg.Output.Metrics.Period.Std())

	l.ctx, err = NewContext(id, gen, drv, metricsCtx, LoadConfig{
		TimeLimit:    cfg.Load.Step.Limit.Time.Std(),
		DrainTimeout: cfg.Load.Step.DrainTimeout.Std(),
	}, cfg.Output.Metrics.TracePersist, o.logger)
	if err != nil {
		_ = drv.Close()
		_ = l.input.Close()
		return nil, &faults.InitError{Stage: "load generator", Err: err}
	}

	l.manager = metrics.NewManager(o.metricsOutput, logger)
	if o.checkInterval > 0 {
		l.manager.SetCheckInterval(o.checkInterval)
	}
	l.ctx.SetMetricsManager(l.manager)

	if path := cfg.Item.Output.File; path != "" {
		l.records = openItemRecorder(path, logger)
		if l.records != nil {
			l.ctx.SetResultsOutput(l.records)
		}
	}

	return l, nil
}

func newItemInput(cfg *config.Config) (item.Input, error) {
	if path := cfg.Item.Input.File; path != "" {
		return item.OpenFileInput(path)
	}
	return item.NewFactory(item.FactoryConfig{
		Naming:    item.NamingType(cfg.Item.Naming.Type),
		Prefix:    cfg.Item.Naming.Prefix,
		Radix:     cfg.Item.Naming.Radix,
		Start:     cfg.Item.Naming.Offset,
		Size:      int64(cfg.Item.Data.Size),
		LayerSize: int64(cfg.Item.Data.Input.Layer.Size),
	})
}

func newDriver(cfg *config.Config, content *data.Source, backend driver.Backend, logger *zap.Logger) (*driver.Pool, error) {
	dcfg := driver.Config{
		Type:             driver.Type(cfg.Storage.Driver.Type),
		ConcurrencyLimit: cfg.Storage.Driver.Limit.Concurrency,
		BatchSize:        cfg.Load.Batch.Size,
		Verify:           cfg.Item.Data.Verify,
		AdmissionTimeout: cfg.Storage.Driver.AdmissionTimeout.Std(),
		Endpoint:         cfg.Storage.Net.Endpoint,
		Bucket:           cfg.Storage.Bucket,
		Timeout:          cfg.Storage.Driver.Timeout.Std(),
		Headers:          cfg.Storage.Net.Headers,
	}
	if backend != nil {
		if err := dcfg.Validate(); err != nil {
			return nil, err
		}
		return driver.NewPool(dcfg, backend, content, logger)
	}
	return driver.New(dcfg, content, logger)
}

// Start implements Step.
func (l *Linear) Start() error {
	return l.ctx.Start()
}

// Stop implements Step.
func (l *Linear) Stop() error {
	return l.ctx.Stop()
}

// Close implements Step.
func (l *Linear) Close() error {
	l.closeOnce.Do(func() {
		err := l.ctx.Close()
		if cerr := l.input.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if l.records != nil {
			if cerr := l.records.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		l.closeErr = err
	})
	return l.closeErr
}

// LoadStepID implements Step.
func (l *Linear) LoadStepID() string {
	return l.id
}

// RunID implements Step.
func (l *Linear) RunID() int64 {
	return l.runID
}

// TypeName implements Step.
func (l *Linear) TypeName() string {
	return TypeLinear
}

// State implements Step.
func (l *Linear) State() State {
	return l.ctx.State()
}

// Config returns the step configuration.
func (l *Linear) Config() *config.Config {
	return l.cfg
}

// Context returns the step context.
func (l *Linear) Context() *Context {
	return l.ctx
}

// MetricsManager returns the manager reporting the step metrics.
func (l *Linear) MetricsManager() *metrics.Manager {
	return l.manager
}

// ContentStats returns the content source cache statistics.
func (l *Linear) ContentStats() data.Stats {
	return l.content.Stats()
}

// RecordedItems returns the number of items written to the item output.
func (l *Linear) RecordedItems() int64 {
	if l.records == nil {
		return 0
	}
	return l.records.count.Load()
}

// MetricsSnapshots implements Step.
func (l *Linear) MetricsSnapshots() []*metrics.Snapshot {
	m := l.ctx.Metrics()
	snapshots := []*metrics.Snapshot{m.LastSnapshot()}
	if ts := m.ThresholdSnapshot(); ts != nil {
		snapshots = append(snapshots, ts)
	}
	return snapshots
}

// Await implements Step.
func (l *Linear) Await(timeout time.Duration) bool {
	return l.ctx.AwaitCompletion(timeout)
}

var _ Step = (*Linear)(nil)

// itemRecorder appends the items of the successful operations to the item
// output, so the file can feed a later step. Failed and interrupted
// operations are not recorded. After the first append failure it stops
// recording.
type itemRecorder struct {
	sink     item.RecordSink
	logger   *zap.Logger
	count    atomic.Int64
	degraded atomic.Bool
	once     sync.Once
}

func openItemRecorder(path string, logger *zap.Logger) *itemRecorder {
	if _, err := os.Stat(path); err == nil {
		logger.Warn("Items output file already exists, it will be overwritten", zap.String("path", path))
	}

	out, err := item.OpenFileOutput(path)
	if err != nil {
		logger.Warn("Failed to open the items output, continuing without item records",
			zap.String("path", path),
			zap.Error(fmt.Errorf("%w: %v", faults.ErrPersistenceDegraded, err)))
		return nil
	}
	return &itemRecorder{sink: out, logger: logger}
}

// Put implements op.Output.
func (r *itemRecorder) Put(o *op.Operation) {
	if !o.Succeeded() || r.degraded.Load() {
		return
	}
	if err := r.sink.Append(o.Item); err != nil {
		r.once.Do(func() {
			r.degraded.Store(true)
			r.logger.Warn("Failed to write an item record, item records are disabled",
				zap.Error(errors.Join(faults.ErrPersistenceDegraded, err)))
		})
		return
	}
	r.count.Add(1)
}

func (r *itemRecorder) Close() error {
	return r.sink.Close()
}
