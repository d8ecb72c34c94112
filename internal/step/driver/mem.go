package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemBackend is an in-process object store. It is the default backend for
// dry runs and for exercising read verification end to end.
type MemBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{objects: make(map[string][]byte)}
}

// Put implements Backend.
func (m *MemBackend) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	n, err := io.Copy(buf, body)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short write of %q: %d of %d bytes", name, n, size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.objects[name] = buf.Bytes()
	m.mu.Unlock()
	return nil
}

// Get implements Backend.
func (m *MemBackend) Get(ctx context.Context, name string, dst io.Writer) (int64, error) {
	m.mu.RLock()
	obj, ok := m.objects[name]
	m.mu.RUnlock()

	if !ok {
		return 0, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := dst.Write(obj)
	return int64(n), err
}

// Delete implements Backend.
func (m *MemBackend) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[name]; !ok {
		return ErrNotFound
	}
	delete(m.objects, name)
	return nil
}

// Len returns the number of stored objects.
func (m *MemBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Corrupt flips one byte of a stored object. Used to exercise verification.
func (m *MemBackend) Corrupt(name string, offset int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[name]
	if !ok || offset < 0 || offset >= len(obj) {
		return false
	}
	obj[offset] ^= 0xff
	return true
}

// Close implements io.Closer.
func (m *MemBackend) Close() error {
	return nil
}
