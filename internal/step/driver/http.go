package driver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wesleyorama2/stowload/internal/step/faults"
)

// HTTPConfig contains HTTP backend configuration.
type HTTPConfig struct {
	// Endpoint is the base URL of the storage, e.g. http://10.0.0.1:9020
	Endpoint string

	// Bucket is an optional path segment inserted before object names
	Bucket string

	// Timeout for a single request
	Timeout time.Duration

	// Headers are added to every request
	Headers map[string]string

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool
}

// HTTPBackend stores objects at <endpoint>/<bucket>/<name> using PUT, GET
// and DELETE requests.
type HTTPBackend struct {
	client  *http.Client
	base    string
	headers map[string]string
}

// NewHTTPBackend creates an HTTP backend. The transport keeps as many idle
// connections per host as the driver's concurrency limit so that every
// worker reuses its connection.
func NewHTTPBackend(cfg HTTPConfig) (*HTTPBackend, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, faults.Configf("storage.net.endpoint", "invalid endpoint %q", cfg.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, faults.Configf("storage.net.endpoint", "unsupported scheme %q", u.Scheme)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 1
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableCompression:  true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}

	base := strings.TrimRight(cfg.Endpoint, "/")
	if bucket := strings.Trim(cfg.Bucket, "/"); bucket != "" {
		base += "/" + url.PathEscape(bucket)
	}

	return &HTTPBackend{
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		base:    base,
		headers: cfg.Headers,
	}, nil
}

func (b *HTTPBackend) newRequest(ctx context.Context, method, name string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.base+"/"+url.PathEscape(name), body)
	if err != nil {
		return nil, err
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Put implements Backend.
func (b *HTTPBackend) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	req, err := b.newRequest(ctx, http.MethodPut, name, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	return statusError(resp)
}

// Get implements Backend.
func (b *HTTPBackend) Get(ctx context.Context, name string, dst io.Writer) (int64, error) {
	req, err := b.newRequest(ctx, http.MethodGet, name, nil)
	if err != nil {
		return 0, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	if err := statusError(resp); err != nil {
		return 0, err
	}
	return io.Copy(dst, resp.Body)
}

// Delete implements Backend.
func (b *HTTPBackend) Delete(ctx context.Context, name string) error {
	req, err := b.newRequest(ctx, http.MethodDelete, name, nil)
	if err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	return statusError(resp)
}

// Close releases idle connections.
func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("unexpected response status: %s", resp.Status)
	}
}

// drain consumes the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
