package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stowload/internal/step/data"
	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/item"
	"github.com/wesleyorama2/stowload/internal/step/op"
)

// slowBackend records the peak number of concurrent requests.
type slowBackend struct {
	NoopBackend
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
	block   chan struct{}
}

func (b *slowBackend) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	n := b.current.Add(1)
	defer b.current.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := io.Copy(io.Discard, body)
	return err
}

type collector struct {
	mu  sync.Mutex
	ops []*op.Operation
}

func (c *collector) Put(o *op.Operation) {
	c.mu.Lock()
	c.ops = append(c.ops, o)
	c.mu.Unlock()
}

func (c *collector) count(status op.Status) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.ops {
		if o.Status == status {
			n++
		}
	}
	return n
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

func newContent(t *testing.T) *data.Source {
	t.Helper()
	src, err := data.New(data.DefaultSeed, 4096, 4)
	require.NoError(t, err)
	return src
}

func makeOps(t op.Type, n int, size int64) []*op.Operation {
	ops := make([]*op.Operation, n)
	for i := range ops {
		ops[i] = op.New(t, item.Item{Name: fmt.Sprintf("obj-%d", i), Offset: int64(i * 7), Size: size})
	}
	return ops
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid mem", Config{Type: TypeMem, ConcurrencyLimit: 1, BatchSize: 1}, false},
		{"valid http", Config{Type: TypeHTTP, ConcurrencyLimit: 4, BatchSize: 2, Endpoint: "http://localhost"}, false},
		{"zero concurrency", Config{Type: TypeMem, ConcurrencyLimit: 0, BatchSize: 1}, true},
		{"zero batch", Config{Type: TypeMem, ConcurrencyLimit: 1, BatchSize: 0}, true},
		{"negative admission timeout", Config{Type: TypeMem, ConcurrencyLimit: 1, BatchSize: 1, AdmissionTimeout: -1}, true},
		{"http without endpoint", Config{Type: TypeHTTP, ConcurrencyLimit: 1, BatchSize: 1}, true},
		{"unknown type", Config{Type: "s3", ConcurrencyLimit: 1, BatchSize: 1}, true},
		{"missing type", Config{ConcurrencyLimit: 1, BatchSize: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.True(t, faults.IsConfiguration(err), "error = %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPool_ConcurrencyLimitIsNeverExceeded(t *testing.T) {
	const (
		total = 200
		limit = 8
	)
	backend := &slowBackend{delay: 2 * time.Millisecond}
	pool, err := NewPool(Config{ConcurrencyLimit: limit, BatchSize: 4}, backend, newContent(t), nil)
	require.NoError(t, err)

	out := &collector{}
	pool.SetOutput(out)

	var peakActive atomic.Int32
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if a := int32(pool.ActiveCount()); a > peakActive.Load() {
				peakActive.Store(a)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	ops := makeOps(op.TypeCreate, total, 64)
	for start := 0; start < total; start += 10 {
		n, err := pool.Put(context.Background(), ops[start:start+10])
		require.NoError(t, err)
		require.Equal(t, 10, n)
	}

	require.NoError(t, pool.Wait(context.Background()))
	close(stop)

	assert.Equal(t, total, out.len(), "every operation reports exactly once")
	assert.Equal(t, total, out.count(op.StatusSucc))
	assert.LessOrEqual(t, backend.peak.Load(), int32(limit))
	assert.LessOrEqual(t, peakActive.Load(), int32(limit))
	assert.Equal(t, int64(total), pool.Completed())
	require.NoError(t, pool.Close())
}

func TestPool_BatchSizeClampedToLimit(t *testing.T) {
	pool, err := NewPool(Config{ConcurrencyLimit: 2, BatchSize: 10}, NoopBackend{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.BatchSize())
	assert.Equal(t, 2, pool.ConcurrencyLimit())
}

func TestPool_BackpressureBlocksPut(t *testing.T) {
	backend := &slowBackend{block: make(chan struct{})}
	pool, err := NewPool(Config{ConcurrencyLimit: 2, BatchSize: 1}, backend, newContent(t), nil)
	require.NoError(t, err)

	ops := makeOps(op.TypeCreate, 3, 16)
	n, err := pool.Put(context.Background(), ops[:2])
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n, err = pool.Put(ctx, ops[2:])
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(backend.block)
	n, err = pool.Put(context.Background(), ops[2:])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, pool.Wait(context.Background()))
}

func TestPool_AdmissionTimeout(t *testing.T) {
	backend := &slowBackend{block: make(chan struct{})}
	pool, err := NewPool(Config{ConcurrencyLimit: 1, BatchSize: 1, AdmissionTimeout: 20 * time.Millisecond}, backend, newContent(t), nil)
	require.NoError(t, err)
	defer func() {
		close(backend.block)
		_ = pool.Close()
	}()

	ops := makeOps(op.TypeCreate, 2, 16)
	_, err = pool.Put(context.Background(), ops[:1])
	require.NoError(t, err)

	n, err := pool.Put(context.Background(), ops[1:])
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, faults.ErrAdmissionTimeout))
}

func TestPool_VerifyDetectsCorruption(t *testing.T) {
	content := newContent(t)
	mem := NewMemBackend()
	pool, err := NewPool(Config{ConcurrencyLimit: 4, BatchSize: 4, Verify: true}, mem, content, nil)
	require.NoError(t, err)
	out := &collector{}
	pool.SetOutput(out)

	items := []item.Item{
		{Name: "good", Offset: 10, Size: 1000},
		{Name: "bad", Offset: 20, Size: 1000},
	}
	var creates, reads []*op.Operation
	for _, it := range items {
		creates = append(creates, op.New(op.TypeCreate, it))
		reads = append(reads, op.New(op.TypeRead, it))
	}

	_, err = pool.Put(context.Background(), creates)
	require.NoError(t, err)
	require.NoError(t, pool.Wait(context.Background()))
	require.True(t, mem.Corrupt("bad", 500))

	_, err = pool.Put(context.Background(), reads)
	require.NoError(t, err)
	require.NoError(t, pool.Wait(context.Background()))

	assert.Equal(t, op.StatusSucc, reads[0].Status)
	assert.Equal(t, op.StatusFailDataCorrupted, reads[1].Status)

	var failure *faults.OperationFailure
	require.ErrorAs(t, reads[1].Err, &failure)
	assert.Equal(t, "bad", failure.Item)
	assert.Equal(t, int64(1000), reads[0].TransferredBytes)
}

func TestPool_UpdateChangesLayer(t *testing.T) {
	content := newContent(t)
	mem := NewMemBackend()
	pool, err := NewPool(Config{ConcurrencyLimit: 1, BatchSize: 1, Verify: true}, mem, content, nil)
	require.NoError(t, err)

	it := item.Item{Name: "obj", Offset: 3, Size: 256}
	updated := it.NextLayer()
	ops := []*op.Operation{
		op.New(op.TypeCreate, it),
		op.New(op.TypeUpdate, updated),
	}
	for _, o := range ops {
		_, err := pool.Put(context.Background(), []*op.Operation{o})
		require.NoError(t, err)
		require.NoError(t, pool.Wait(context.Background()))
	}

	staleRead := op.New(op.TypeRead, it)
	freshRead := op.New(op.TypeRead, updated)
	_, err = pool.Put(context.Background(), []*op.Operation{staleRead, freshRead})
	require.NoError(t, err)
	require.NoError(t, pool.Wait(context.Background()))

	assert.Equal(t, op.StatusFailDataCorrupted, staleRead.Status)
	assert.Equal(t, op.StatusSucc, freshRead.Status)
}

func TestPool_MissingObject(t *testing.T) {
	pool, err := NewPool(Config{ConcurrencyLimit: 1, BatchSize: 1}, NewMemBackend(), newContent(t), nil)
	require.NoError(t, err)

	ops := []*op.Operation{
		op.New(op.TypeRead, item.Item{Name: "nope"}),
		op.New(op.TypeDelete, item.Item{Name: "nope"}),
	}
	_, err = pool.Put(context.Background(), ops)
	require.NoError(t, err)
	require.NoError(t, pool.Wait(context.Background()))

	for _, o := range ops {
		assert.Equal(t, op.StatusFailNotFound, o.Status)
		assert.Error(t, o.Err)
	}
}

func TestPool_InterruptAbandonsInFlight(t *testing.T) {
	backend := &slowBackend{block: make(chan struct{})}
	pool, err := NewPool(Config{ConcurrencyLimit: 3, BatchSize: 3}, backend, newContent(t), nil)
	require.NoError(t, err)
	out := &collector{}
	pool.SetOutput(out)

	_, err = pool.Put(context.Background(), makeOps(op.TypeCreate, 3, 16))
	require.NoError(t, err)

	pool.Interrupt()
	require.NoError(t, pool.Wait(context.Background()))

	assert.Equal(t, 3, out.count(op.StatusInterrupted))
	require.NoError(t, pool.Close())

	_, err = pool.Put(context.Background(), makeOps(op.TypeNoop, 1, 0))
	assert.True(t, faults.IsIllegalState(err))
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(Config{Type: "tape", ConcurrencyLimit: 1, BatchSize: 1}, nil, nil)
	assert.True(t, faults.IsConfiguration(err))
}
