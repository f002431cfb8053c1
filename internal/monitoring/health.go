// Package monitoring serves Prometheus metrics next to health and status
// endpoints describing page pool occupancy.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-pager/internal/logger"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// CacheInfo describes the page pools at one instant.
type CacheInfo struct {
	Pages        int    `json:"pages"`
	FreePages    int    `json:"free_pages"`
	CacheBytes   int64  `json:"cache_bytes"`
	ReplayGraphs int    `json:"replay_graphs"`
	Session      string `json:"session,omitempty"`
}

// UsagePct is the share of pages handed out, in percent.
func (c CacheInfo) UsagePct() float64 {
	if c.Pages == 0 {
		return 0
	}
	return float64(c.Pages-c.FreePages) / float64(c.Pages) * 100
}

type Status struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Cache     CacheInfo     `json:"cache"`
	CacheSize string        `json:"cache_size"`
	UsagePct  float64       `json:"usage_pct"`
	Steps     int           `json:"steps"`
	TokensSec float64       `json:"tokens_per_second"`
	LastStep  time.Time     `json:"last_step,omitempty"`
}

// Monitor reports health from a cache snapshot function.
type Monitor struct {
	start time.Time
	cache func() CacheInfo

	// DegradedPct marks the pool degraded once usage reaches it.
	DegradedPct float64

	mu       sync.Mutex
	steps    int
	tokens   int
	busy     time.Duration
	lastStep time.Time
	server   *http.Server
}

func New(cache func() CacheInfo) *Monitor {
	return &Monitor{start: time.Now(), cache: cache, DegradedPct: 90}
}

// RecordStep accounts one executed step of tokens rows.
func (m *Monitor) RecordStep(tokens int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
	m.tokens += tokens
	m.busy += d
	m.lastStep = time.Now()
}

func (m *Monitor) Status() Status {
	c := m.cache()
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.start),
		Cache:     c,
		CacheSize: humanize.IBytes(uint64(c.CacheBytes)),
		UsagePct:  c.UsagePct(),
		Steps:     m.steps,
		LastStep:  m.lastStep,
	}
	if m.busy > 0 {
		s.TokensSec = float64(m.tokens) / m.busy.Seconds()
	}
	switch {
	case c.Pages > 0 && c.FreePages == 0:
		s.Status = StatusCritical
	case s.UsagePct >= m.DegradedPct:
		s.Status = StatusDegraded
	}
	return s
}

// Handler serves /metrics, /healthz and /status.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.HandleFunc("/status", m.handleStatus)
	return mux
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := m.Status()
	w.Header().Set("Content-Type", "application/json")
	if s.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    s.Status,
		"timestamp": s.Timestamp.Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Status())
}

// Start serves Handler on addr until Stop. It returns once the listener
// fails or the server is shut down.
func (m *Monitor) Start(addr string) error {
	m.mu.Lock()
	m.server = &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := m.server
	m.mu.Unlock()

	logger.Log.Info("monitor listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	srv := m.server
	m.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
