package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/net/websocket"

	"github.com/wesleyorama2/stowload/internal/step/metrics"
)

// DefaultClientTimeout bounds the requests which do not wait for the step.
const DefaultClientTimeout = 30 * time.Second

// Client controls a remote load step.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at addr, given as host:port or
// as a base URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{},
	}
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RemoteError is returned for non-2xx responses.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote step error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Status returns the remote step identity and state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/step", DefaultClientTimeout)
	if err != nil {
		return nil, err
	}
	return parseStatus(body), nil
}

// Start starts the remote step.
func (c *Client) Start(ctx context.Context) (*StatusResponse, error) {
	return c.control(ctx, "start")
}

// Stop stops the remote step.
func (c *Client) Stop(ctx context.Context) (*StatusResponse, error) {
	return c.control(ctx, "stop")
}

// Close closes the remote step.
func (c *Client) Close(ctx context.Context) (*StatusResponse, error) {
	return c.control(ctx, "close")
}

func (c *Client) control(ctx context.Context, action string) (*StatusResponse, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/step/"+action, DefaultClientTimeout)
	if err != nil {
		return nil, err
	}
	return parseStatus(body), nil
}

// Await waits up to timeout for the remote step to complete.
func (c *Client) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	path := "/v1/step/await?timeout=" + url.QueryEscape(timeout.String())
	body, err := c.do(ctx, http.MethodGet, path, timeout+DefaultClientTimeout)
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(body, "completed").Bool(), nil
}

// Metrics returns the remote step metrics snapshots.
func (c *Client) Metrics(ctx context.Context) ([]*metrics.Snapshot, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/step/metrics", DefaultClientTimeout)
	if err != nil {
		return nil, err
	}

	var snapshots []*metrics.Snapshot
	if err := json.Unmarshal(body, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to parse metrics response: %w", err)
	}
	return snapshots, nil
}

// Stream connects to the metrics stream and calls fn with every message until
// ctx is done, fn returns false or the connection fails.
func (c *Client) Stream(ctx context.Context, fn func(StreamMessage) bool) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/step/stream"
	ws, err := websocket.Dial(wsURL, "", c.baseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the metrics stream: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()
	defer ws.Close()

	for {
		var msg StreamMessage
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("metrics stream failed: %w", err)
		}
		if !fn(msg) {
			return nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.baseURL+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

func parseStatus(body []byte) *StatusResponse {
	r := gjson.ParseBytes(body)
	return &StatusResponse{
		StepID: r.Get("stepId").String(),
		RunID:  r.Get("runId").Int(),
		Type:   r.Get("type").String(),
		State:  r.Get("state").String(),
	}
}
