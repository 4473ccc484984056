// Package monitoring serves run status over HTTP while the pipeline
// works. Health probes and the Prometheus endpoint sit on the same
// mux as a stage snapshot the pipeline updates as it advances.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
)

type Monitor struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu    sync.RWMutex
	stage string
	model string
	steps int
}

func New() *Monitor {
	return &Monitor{
		startTime: time.Now(),
		stage:     "starting",
		log:       logger.Log.With("monitor"),
	}
}

// SetStage, SetModel and SetSteps satisfy the pipeline's observer.

func (m *Monitor) SetStage(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage = stage
}

func (m *Monitor) SetModel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = name
}

func (m *Monitor) SetSteps(steps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = steps
}

func (m *Monitor) Stage() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stage
}

// Handler builds the status mux. Split from Start so tests can serve
// it without binding a port.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", m.handleStatus)
	return mux
}

// Start serves on addr until Stop. It blocks, so callers run it on
// its own goroutine.
func (m *Monitor) Start(addr string) error {
	m.server = &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	m.log.Info("status server listening", "addr", addr)
	if err := m.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"stage":     m.Stage(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type statusResponse struct {
	Status        string  `json:"status"`
	Stage         string  `json:"stage"`
	Model         string  `json:"model,omitempty"`
	Steps         int     `json:"steps"`
	TokensEncoded int64   `json:"tokens_encoded"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	GoVersion     string  `json:"go_version"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	NumCPU        int     `json:"num_cpu"`
	Goroutines    int     `json:"goroutines"`
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	resp := statusResponse{
		Status:        "healthy",
		Stage:         m.stage,
		Model:         m.model,
		Steps:         m.steps,
		TokensEncoded: metrics.TokensEncoded(),
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		Goroutines:    runtime.NumGoroutine(),
	}
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
