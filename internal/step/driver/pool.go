package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stowload/internal/step/data"
	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/op"
)

// Pool is a Driver executing operations on a Backend with bounded
// concurrency.
//
// Each in-flight operation holds one slot of a semaphore sized to the
// concurrency limit. Put acquires the slots of a whole batch before the batch
// is dispatched, so admission happens batch by batch.
//
// # Thread Safety
//
// Put is meant for a single producer; the output is called concurrently
// from the operation goroutines.
type Pool struct {
	cfg     Config
	batch   int
	backend Backend
	content *data.Source
	output  op.Output
	logger  *zap.Logger
	verify  bool

	slots  chan struct{}
	active atomic.Int32
	wg     sync.WaitGroup

	opCtx     context.Context
	cancelOps context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool

	admitted  atomic.Int64
	completed atomic.Int64
}

// NewPool creates a pool over backend. content is required when cfg.Verify
// is set or when create/update operations are executed.
func NewPool(cfg Config, backend Backend, content *data.Source, logger *zap.Logger) (*Pool, error) {
	if cfg.Type == "" {
		cfg.Type = TypeMem
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, faults.Configf("storage.driver.type", "backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	batch := cfg.BatchSize
	if batch > cfg.ConcurrencyLimit {
		logger.Warn("Batch size exceeds the concurrency limit, using the limit instead",
			zap.Int("batch_size", cfg.BatchSize),
			zap.Int("concurrency_limit", cfg.ConcurrencyLimit))
		batch = cfg.ConcurrencyLimit
	}

	_, noop := backend.(NoopBackend)
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:       cfg,
		batch:     batch,
		backend:   backend,
		content:   content,
		output:    op.OutputFunc(func(*op.Operation) {}),
		logger:    logger,
		verify:    cfg.Verify && !noop,
		slots:     make(chan struct{}, cfg.ConcurrencyLimit),
		opCtx:     ctx,
		cancelOps: cancel,
	}, nil
}

// SetOutput implements Driver.
func (p *Pool) SetOutput(out op.Output) {
	if out != nil {
		p.output = out
	}
}

// ConcurrencyLimit implements Driver.
func (p *Pool) ConcurrencyLimit() int {
	return p.cfg.ConcurrencyLimit
}

// BatchSize implements Driver.
func (p *Pool) BatchSize() int {
	return p.batch
}

// ActiveCount implements Driver.
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// Completed returns the number of operations which reported an outcome.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Put implements Driver.
func (p *Pool) Put(ctx context.Context, ops []*op.Operation) (int, error) {
	if p.closed.Load() {
		return 0, faults.IllegalState("driver is closed")
	}

	admitted := 0
	for admitted < len(ops) {
		end := admitted + p.batch
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[admitted:end]

		if err := p.acquire(ctx, len(chunk)); err != nil {
			return admitted, err
		}
		p.dispatch(chunk)
		admitted = end
	}
	return admitted, nil
}

// acquire takes n slots or none.
func (p *Pool) acquire(ctx context.Context, n int) error {
	var timeout <-chan time.Time
	if p.cfg.AdmissionTimeout > 0 {
		timer := time.NewTimer(p.cfg.AdmissionTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for i := 0; i < n; i++ {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			p.release(i)
			return ctx.Err()
		case <-timeout:
			p.release(i)
			return faults.ErrAdmissionTimeout
		}
	}
	return nil
}

func (p *Pool) release(n int) {
	for i := 0; i < n; i++ {
		<-p.slots
	}
}

func (p *Pool) dispatch(chunk []*op.Operation) {
	p.admitted.Add(int64(len(chunk)))
	p.wg.Add(len(chunk))
	for _, o := range chunk {
		go p.run(o)
	}
}

func (p *Pool) run(o *op.Operation) {
	defer p.wg.Done()
	defer p.release(1)

	p.active.Add(1)
	o.Begin()
	status, err := p.execute(o)
	o.Finish(status, err)
	p.active.Add(-1)

	p.completed.Add(1)
	p.output.Put(o)
}

func (p *Pool) execute(o *op.Operation) (op.Status, error) {
	ctx := p.opCtx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	var err error
	switch o.Type {
	case op.TypeNoop:
		return op.StatusSucc, nil

	case op.TypeCreate, op.TypeUpdate:
		err = p.write(ctx, o)

	case op.TypeRead:
		err = p.read(ctx, o)

	case op.TypeDelete:
		err = p.backend.Delete(ctx, o.Item.Name)

	default:
		err = fmt.Errorf("unsupported operation type: %s", o.Type)
	}

	if err == nil {
		return op.StatusSucc, nil
	}
	return classify(ctx, err), &faults.OperationFailure{Op: string(o.Type), Item: o.Item.Name, Err: err}
}

func (p *Pool) write(ctx context.Context, o *op.Operation) error {
	if p.content == nil {
		return errors.New("no content source configured")
	}
	body, err := data.NewReader(p.content, o.Item.Layer, o.Item.Offset, o.Item.Size)
	if err != nil {
		return err
	}
	counted := &countingReader{r: body}
	err = p.backend.Put(ctx, o.Item.Name, counted, o.Item.Size)
	o.TransferredBytes = counted.n
	return err
}

func (p *Pool) read(ctx context.Context, o *op.Operation) error {
	var (
		dst      io.Writer = io.Discard
		verifier *data.Verifier
	)
	if p.verify {
		if p.content == nil {
			return errors.New("no content source configured")
		}
		v, err := data.NewVerifier(p.content, o.Item.Layer, o.Item.Offset, o.Item.Size)
		if err != nil {
			return err
		}
		verifier = v
		dst = v
	}

	n, err := p.backend.Get(ctx, o.Item.Name, &firstByteWriter{w: dst, o: o})
	o.TransferredBytes = n
	if err != nil {
		return err
	}
	if verifier != nil {
		return verifier.Close()
	}
	return nil
}

func classify(ctx context.Context, err error) op.Status {
	var (
		corrupted *data.CorruptionError
		sizeErr   *data.SizeMismatchError
	)
	switch {
	case errors.As(err, &corrupted), errors.As(err, &sizeErr):
		return op.StatusFailDataCorrupted
	case errors.Is(err, ErrNotFound):
		return op.StatusFailNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return op.StatusFailTimeout
	case errors.Is(err, context.Canceled), ctx.Err() == context.Canceled:
		return op.StatusInterrupted
	default:
		return op.StatusFailIO
	}
}

// Wait implements Driver.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt implements Driver.
func (p *Pool) Interrupt() {
	p.cancelOps()
}

// Close implements Driver.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancelOps()
		p.wg.Wait()
		err = p.backend.Close()
		p.logger.Debug("Driver closed",
			zap.Int64("admitted", p.admitted.Load()),
			zap.Int64("completed", p.completed.Load()))
	})
	return err
}

var _ Driver = (*Pool)(nil)

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type firstByteWriter struct {
	w    io.Writer
	o    *op.Operation
	seen bool
}

func (f *firstByteWriter) Write(p []byte) (int, error) {
	if !f.seen && len(p) > 0 {
		f.seen = true
		f.o.MarkResponse()
	}
	return f.w.Write(p)
}
