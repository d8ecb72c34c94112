package driver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/item"
	"github.com/wesleyorama2/stowload/internal/step/op"
)

// createObjectServer creates a minimal object store speaking PUT/GET/DELETE.
func createObjectServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	objects := make(map[string][]byte)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			objects[r.URL.Path] = body
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			obj, ok := objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(obj)
		case http.MethodDelete:
			if _, ok := objects[r.URL.Path]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(objects, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewHTTPBackend_InvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "localhost:9000", "ftp://host/x", "://bad"} {
		_, err := NewHTTPBackend(HTTPConfig{Endpoint: endpoint})
		assert.True(t, faults.IsConfiguration(err), "endpoint %q: %v", endpoint, err)
	}
}

func TestHTTPBackend_RoundTrip(t *testing.T) {
	srv := createObjectServer(t)

	pool, err := New(Config{
		Type:             TypeHTTP,
		ConcurrencyLimit: 4,
		BatchSize:        2,
		Verify:           true,
		Endpoint:         srv.URL,
		Bucket:           "bucket",
		Headers:          map[string]string{"X-Test": "yes"},
	}, newContent(t), nil)
	require.NoError(t, err)
	defer pool.Close()

	out := &collector{}
	pool.SetOutput(out)

	it := item.Item{Name: "obj-1", Offset: 100, Size: 5000}
	steps := [][]*op.Operation{
		{op.New(op.TypeCreate, it)},
		{op.New(op.TypeRead, it)},
		{op.New(op.TypeDelete, it)},
		{op.New(op.TypeRead, it)},
	}
	for _, batch := range steps {
		_, err := pool.Put(context.Background(), batch)
		require.NoError(t, err)
		require.NoError(t, pool.Wait(context.Background()))
	}

	assert.Equal(t, op.StatusSucc, steps[0][0].Status)
	assert.Equal(t, int64(5000), steps[0][0].TransferredBytes)
	assert.Equal(t, op.StatusSucc, steps[1][0].Status, "read: %v", steps[1][0].Err)
	assert.Equal(t, int64(5000), steps[1][0].TransferredBytes)
	assert.Equal(t, op.StatusSucc, steps[2][0].Status)
	assert.Equal(t, op.StatusFailNotFound, steps[3][0].Status)
	assert.Equal(t, 4, out.len())
}

func TestHTTPBackend_UnexpectedStatus(t *testing.T) {
	srv := createObjectServer(t)

	backend, err := NewHTTPBackend(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	err = backend.Put(context.Background(), "x", strings.NewReader("abc"), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
