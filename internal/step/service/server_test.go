package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/stowload/internal/step"
	"github.com/wesleyorama2/stowload/internal/step/config"
	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/metrics"
)

// fakeStep records the calls it receives.
type fakeStep struct {
	mu       sync.Mutex
	state    step.State
	calls    []string
	startErr error
	complete chan struct{}
}

func newFakeStep() *fakeStep {
	return &fakeStep{complete: make(chan struct{})}
}

func (f *fakeStep) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStep) Start() error {
	f.record("start")
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.state = step.StateStarted
	f.mu.Unlock()
	return nil
}

func (f *fakeStep) Stop() error {
	f.record("stop")
	f.mu.Lock()
	f.state = step.StateInterrupted
	f.mu.Unlock()
	return nil
}

func (f *fakeStep) Close() error {
	f.record("close")
	f.mu.Lock()
	f.state = step.StateClosed
	f.mu.Unlock()
	return nil
}

func (f *fakeStep) LoadStepID() string { return "fake-step" }
func (f *fakeStep) RunID() int64       { return 99 }
func (f *fakeStep) TypeName() string   { return "fake" }

func (f *fakeStep) State() step.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStep) MetricsSnapshots() []*metrics.Snapshot {
	return []*metrics.Snapshot{{StepID: "fake-step", OpType: "create", Succ: 3}}
}

func (f *fakeStep) Await(timeout time.Duration) bool {
	select {
	case <-f.complete:
		return true
	case <-time.After(timeout):
		return false
	}
}

func newTestServer(t *testing.T, st step.Step, opts ...Option) (*httptest.Server, *Client) {
	t.Helper()
	srv, err := NewServer(st, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, NewClient(ts.URL)
}

func TestServer_Status(t *testing.T) {
	_, client := newTestServer(t, newFakeStep())

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake-step", status.StepID)
	assert.Equal(t, int64(99), status.RunID)
	assert.Equal(t, "fake", status.Type)
	assert.Equal(t, "constructed", status.State)
}

func TestServer_ControlDelegatesToStep(t *testing.T) {
	fake := newFakeStep()
	_, client := newTestServer(t, fake)
	ctx := context.Background()

	status, err := client.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "started", status.State)

	status, err = client.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "interrupted", status.State)

	status, err = client.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, "closed", status.State)

	assert.Equal(t, []string{"start", "stop", "close"}, fake.calls)
}

func TestServer_ErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"illegal state", faults.IllegalState("step is started"), http.StatusConflict},
		{"configuration", faults.Configf("load.op.type", "bad"), http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeStep()
			fake.startErr = tt.err
			_, client := newTestServer(t, fake)

			_, err := client.Start(context.Background())
			var remote *RemoteError
			require.True(t, errors.As(err, &remote), "error = %v", err)
			assert.Equal(t, tt.status, remote.StatusCode)
			assert.Equal(t, tt.err.Error(), remote.Message)
		})
	}
}

func TestServer_Await(t *testing.T) {
	fake := newFakeStep()
	ts, client := newTestServer(t, fake)

	completed, err := client.Await(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, completed)

	close(fake.complete)
	completed, err = client.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, completed)

	resp, err := http.Get(ts.URL + "/v1/step/await?timeout=soon")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, newFakeStep())

	resp, err := http.Get(ts.URL + "/v1/step/start")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	_, client := newTestServer(t, newFakeStep())

	snapshots, err := client.Metrics(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, int64(3), snapshots[0].Succ)
}

func TestServer_Stream(t *testing.T) {
	_, client := newTestServer(t, newFakeStep(), WithStreamInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []StreamMessage
	err := client.Stream(ctx, func(msg StreamMessage) bool {
		got = append(got, msg)
		return false
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "metrics", got[0].Type)
	assert.Equal(t, "constructed", got[0].State)
	require.Len(t, got[0].Snapshots, 1)
	assert.Equal(t, "fake-step", got[0].Snapshots[0].StepID)
}

func TestServer_LinearStepEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Load.Step.ID = "remote"
	cfg.Load.Op.Type = "create"
	cfg.Load.Op.Limit.Count = 25
	cfg.Item.Data.Size = 1024
	cfg.Item.Data.Input.Layer.Size = 16 * 1024
	cfg.Storage.Driver.Limit.Concurrency = 2

	linear, err := step.NewLinear(cfg)
	require.NoError(t, err)

	ts, client := newTestServer(t, linear, WithCollector(metrics.NewCollector(linear.MetricsManager())))
	ctx := context.Background()

	_, err = client.Start(ctx)
	require.NoError(t, err)

	completed, err := client.Await(ctx, 10*time.Second)
	require.NoError(t, err)
	require.True(t, completed)

	snapshots, err := client.Metrics(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)
	assert.Equal(t, int64(25), snapshots[0].Succ)
	assert.Equal(t, "remote", snapshots[0].StepID)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `stowload_operations_succeeded_total{op_type="create",step_id="remote"} 25`)

	// a completed step can not be started again
	_, err = client.Start(ctx)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusConflict, remote.StatusCode)

	status, err := client.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, "closed", status.State)

	// close is idempotent
	_, err = client.Close(ctx)
	require.NoError(t, err)

	raw, err := http.Get(ts.URL + "/v1/step")
	require.NoError(t, err)
	statusBody, err := io.ReadAll(raw.Body)
	raw.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "remote", gjson.GetBytes(statusBody, "stepId").String())
}
