// Package generator emits the operations of a load step.
//
// A Generator pulls items from an item input, turns them into operations of
// one type and submits them to a driver in batches. Emission is suspended by
// the throttle (if any) and by the driver's admission contract.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stowload/internal/step/driver"
	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/item"
	"github.com/wesleyorama2/stowload/internal/step/op"
	"github.com/wesleyorama2/stowload/internal/step/rate"
)

// Builder collects the generator settings. Errors are reported by Build.
type Builder struct {
	input      item.Input
	opType     op.Type
	output     driver.Driver
	throttle   rate.Throttle
	batchSize  int
	countLimit int64
	logger     *zap.Logger
}

// NewBuilder returns a builder with a batch size of 1 and no count limit.
func NewBuilder() *Builder {
	return &Builder{batchSize: 1}
}

// ItemInput sets the source of items.
func (b *Builder) ItemInput(in item.Input) *Builder {
	b.input = in
	return b
}

// OpType sets the type of the emitted operations.
func (b *Builder) OpType(t op.Type) *Builder {
	b.opType = t
	return b
}

// Output sets the driver receiving the operations.
func (b *Builder) Output(d driver.Driver) *Builder {
	b.output = d
	return b
}

// Throttle sets the rate throttle. A nil throttle means unthrottled.
func (b *Builder) Throttle(th rate.Throttle) *Builder {
	b.throttle = th
	return b
}

// BatchSize sets how many operations are submitted together.
func (b *Builder) BatchSize(n int) *Builder {
	b.batchSize = n
	return b
}

// CountLimit sets the total number of operations; 0 means unlimited.
func (b *Builder) CountLimit(n int64) *Builder {
	b.countLimit = n
	return b
}

// Logger sets the logger.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// Build validates the settings and returns the generator.
func (b *Builder) Build() (*Generator, error) {
	if b.input == nil {
		return nil, faults.Configf("item.input", "item input is required")
	}
	if b.output == nil {
		return nil, faults.Configf("storage.driver", "output driver is required")
	}
	if _, err := op.ParseType(string(b.opType)); err != nil {
		return nil, faults.Configf("load.op.type", "%v", err)
	}
	if b.batchSize <= 0 {
		return nil, faults.Configf("load.batch.size", "batch size must be > 0")
	}
	if b.countLimit < 0 {
		return nil, faults.Configf("load.op.limit.count", "count limit must be >= 0")
	}

	batch := b.batchSize
	if limit := b.output.BatchSize(); limit > 0 && batch > limit {
		batch = limit
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Generator{
		input:      b.input,
		opType:     b.opType,
		output:     b.output,
		throttle:   b.throttle,
		batchSize:  batch,
		countLimit: b.countLimit,
		logger:     logger,
	}, nil
}

// Generator is a single-producer operation emitter. It is not restartable.
type Generator struct {
	input      item.Input
	opType     op.Type
	output     driver.Driver
	throttle   rate.Throttle
	batchSize  int
	countLimit int64
	logger     *zap.Logger

	started   atomic.Bool
	emitted   atomic.Int64
	exhausted atomic.Bool
	retries   atomic.Int64
}

// OpType returns the type of the emitted operations.
func (g *Generator) OpType() op.Type {
	return g.opType
}

// Emitted returns the number of operations admitted by the driver.
func (g *Generator) Emitted() int64 {
	return g.emitted.Load()
}

// Exhausted reports whether the generator stopped because the item input
// ended or the count limit was reached.
func (g *Generator) Exhausted() bool {
	return g.exhausted.Load()
}

// AdmissionRetries returns how many times a batch was resubmitted after an
// admission timeout.
func (g *Generator) AdmissionRetries() int64 {
	return g.retries.Load()
}

// Run emits operations until the input is exhausted, the count limit is
// reached or ctx is done. It returns nil on exhaustion and ctx.Err() on
// cancellation.
func (g *Generator) Run(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return faults.IllegalState("generator was already started")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := g.batchSize
		if g.countLimit > 0 {
			remaining := g.countLimit - g.emitted.Load()
			if remaining <= 0 {
				g.finish("count limit reached")
				return nil
			}
			if remaining < int64(n) {
				n = int(remaining)
			}
		}

		ops, eof, err := g.nextBatch(n)
		if err != nil {
			return err
		}
		if len(ops) > 0 {
			if err := g.emit(ctx, ops); err != nil {
				return err
			}
		}
		if eof {
			g.finish("item input exhausted")
			return nil
		}
	}
}

func (g *Generator) finish(reason string) {
	g.exhausted.Store(true)
	g.logger.Debug("Generator finished",
		zap.String("reason", reason),
		zap.Int64("emitted", g.emitted.Load()))
}

// nextBatch builds up to n operations. eof is set when the input ended.
func (g *Generator) nextBatch(n int) ([]*op.Operation, bool, error) {
	ops := make([]*op.Operation, 0, n)
	for len(ops) < n {
		it, err := g.input.Next()
		if errors.Is(err, io.EOF) {
			return ops, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to get the next item: %w", err)
		}
		if g.opType == op.TypeUpdate {
			it = it.NextLayer()
		}
		ops = append(ops, op.New(g.opType, it))
	}
	return ops, false, nil
}

func (g *Generator) emit(ctx context.Context, ops []*op.Operation) error {
	if g.throttle != nil {
		if err := g.throttle.WaitN(ctx, len(ops)); err != nil {
			return err
		}
	}

	pending := ops
	for len(pending) > 0 {
		n, err := g.output.Put(ctx, pending)
		g.emitted.Add(int64(n))
		pending = pending[n:]

		switch {
		case err == nil:
		case errors.Is(err, faults.ErrAdmissionTimeout):
			g.retries.Add(1)
			g.logger.Debug("Admission timed out, resubmitting",
				zap.Int("pending", len(pending)),
				zap.Int("active", g.output.ActiveCount()))
		default:
			return err
		}
	}
	return nil
}
