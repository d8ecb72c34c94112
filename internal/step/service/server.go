// Package service exposes a load step to remote coordinators over HTTP.
//
// The server only translates requests into calls of the step.Step methods;
// the step itself is unaware of the transport. Routes:
//
//	GET  /v1/step                   step identity and state
//	POST /v1/step/start             start the step
//	POST /v1/step/stop              stop the step
//	POST /v1/step/close             close the step
//	GET  /v1/step/metrics           current metrics snapshots
//	GET  /v1/step/await?timeout=5s  wait for the completion
//	GET  /v1/step/stream            websocket pushing the metrics snapshots
//	GET  /metrics                   prometheus exposition
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/wesleyorama2/stowload/internal/step"
	"github.com/wesleyorama2/stowload/internal/step/config"
	"github.com/wesleyorama2/stowload/internal/step/faults"
	"github.com/wesleyorama2/stowload/internal/step/metrics"
)

const (
	// DefaultStreamInterval is the period of the websocket metrics pushes.
	DefaultStreamInterval = time.Second

	// MaxAwaitTimeout bounds the await requests.
	MaxAwaitTimeout = 10 * time.Minute

	shutdownTimeout = 5 * time.Second
)

// StatusResponse describes the served step.
type StatusResponse struct {
	StepID string `json:"stepId"`
	RunID  int64  `json:"runId"`
	Type   string `json:"type"`
	State  string `json:"state"`
}

// AwaitResponse is the result of an await request.
type AwaitResponse struct {
	Completed bool   `json:"completed"`
	State     string `json:"state"`
}

// ErrorResponse is the body of the failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamMessage is pushed to the websocket clients.
type StreamMessage struct {
	Type      string              `json:"type"`
	State     string              `json:"state"`
	Snapshots []*metrics.Snapshot `json:"snapshots"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCollector registers a prometheus collector served on /metrics.
func WithCollector(c prometheus.Collector) Option {
	return func(s *Server) {
		s.collectors = append(s.collectors, c)
	}
}

// WithStreamInterval sets the period of the websocket pushes.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

// Server serves one load step.
type Server struct {
	step           step.Step
	logger         *zap.Logger
	collectors     []prometheus.Collector
	registry       *prometheus.Registry
	streamInterval time.Duration
	mux            *http.ServeMux

	mu        sync.RWMutex
	wsClients map[*websocket.Conn]bool
}

// NewServer creates a server for st.
func NewServer(st step.Step, opts ...Option) (*Server, error) {
	s := &Server{
		step:           st,
		logger:         zap.NewNop(),
		registry:       prometheus.NewRegistry(),
		streamInterval: DefaultStreamInterval,
		wsClients:      make(map[*websocket.Conn]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, c := range s.collectors {
		if err := s.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register the metrics collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/step", s.handleStatus)
	mux.HandleFunc("POST /v1/step/start", s.handleStart)
	mux.HandleFunc("POST /v1/step/stop", s.handleStop)
	mux.HandleFunc("POST /v1/step/close", s.handleClose)
	mux.HandleFunc("GET /v1/step/metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/step/await", s.handleAwait)
	mux.Handle("GET /v1/step/stream", websocket.Handler(s.handleStream))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux = mux

	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Load step service listening",
		zap.String("addr", addr),
		zap.String("step_id", s.step.LoadStepID()))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) status() StatusResponse {
	return StatusResponse{
		StepID: s.step.LoadStepID(),
		RunID:  s.step.RunID(),
		Type:   s.step.TypeName(),
		State:  s.step.State().String(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.step.Start(); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Load step started remotely", zap.String("step_id", s.step.LoadStepID()))
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.step.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Load step stopped remotely", zap.String("step_id", s.step.LoadStepID()))
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.step.Close(); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Load step closed remotely", zap.String("step_id", s.step.LoadStepID()))
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.step.MetricsSnapshots())
}

func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	timeout, err := config.ParseDurationString(r.URL.Query().Get("timeout"))
	if err != nil || timeout < 0 {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid timeout %q", r.URL.Query().Get("timeout"))})
		return
	}
	if timeout > MaxAwaitTimeout {
		timeout = MaxAwaitTimeout
	}

	// a disconnected caller must not keep the handler waiting
	done := make(chan bool, 1)
	go func() {
		done <- s.step.Await(timeout)
	}()

	select {
	case completed := <-done:
		s.writeJSON(w, http.StatusOK, AwaitResponse{Completed: completed, State: s.step.State().String()})
	case <-r.Context().Done():
	}
}

func (s *Server) handleStream(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// the first message is sent right away, the rest by the broadcast loop
	if err := websocket.JSON.Send(ws, s.streamMessage()); err != nil {
		return
	}
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
	}
}

func (s *Server) streamMessage() StreamMessage {
	return StreamMessage{
		Type:      "metrics",
		State:     s.step.State().String(),
		Snapshots: s.step.MetricsSnapshots(),
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.streamMessage())
		}
	}
}

func (s *Server) broadcast(msg StreamMessage) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	for _, ws := range clients {
		if err := websocket.JSON.Send(ws, msg); err != nil {
			s.logger.Debug("Failed to push metrics to a stream client", zap.Error(err))
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case faults.IsIllegalState(err):
		status = http.StatusConflict
	case faults.IsConfiguration(err):
		status = http.StatusBadRequest
	}
	s.logger.Warn("Load step request failed", zap.Error(err))
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON", zap.Error(err))
	}
}
