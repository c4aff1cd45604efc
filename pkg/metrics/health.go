package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CheckFunc reports a component as healthy by returning nil.
type CheckFunc func() error

// HealthMonitor runs registered checks periodically and keeps a 0-100 score.
type HealthMonitor struct {
	logger        *zap.Logger
	checkInterval time.Duration

	mu        sync.RWMutex
	checks    map[string]CheckFunc
	failures  map[string]string
	lastCheck time.Time
	health    float64

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		logger:        logger,
		checkInterval: interval,
		checks:        make(map[string]CheckFunc),
		failures:      make(map[string]string),
		health:        100,
		stopChan:      make(chan struct{}),
	}
}

// AddCheck registers a named check. Registering a name twice replaces it.
func (hm *HealthMonitor) AddCheck(name string, fn CheckFunc) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[name] = fn
}

// Start begins periodic health monitoring
func (hm *HealthMonitor) Start() {
	go hm.monitorLoop()
}

// Stop stops the health monitor
func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
}

func (hm *HealthMonitor) monitorLoop() {
	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	hm.PerformHealthCheck()

	for {
		select {
		case <-ticker.C:
			hm.PerformHealthCheck()
		case <-hm.stopChan:
			return
		}
	}
}

// PerformHealthCheck runs every check once and recomputes the score.
func (hm *HealthMonitor) PerformHealthCheck() {
	hm.mu.RLock()
	checks := make(map[string]CheckFunc, len(hm.checks))
	for name, fn := range hm.checks {
		checks[name] = fn
	}
	hm.mu.RUnlock()

	failures := make(map[string]string)
	for name, fn := range checks {
		if err := fn(); err != nil {
			failures[name] = err.Error()
		}
	}

	health := 100.0
	if len(checks) > 0 {
		health = float64(len(checks)-len(failures)) / float64(len(checks)) * 100
	}

	hm.mu.Lock()
	hm.failures = failures
	hm.health = health
	hm.lastCheck = time.Now()
	hm.mu.Unlock()

	hm.logger.Debug("Health check completed",
		zap.Float64("health", health),
		zap.Int("failing", len(failures)))
}

// GetHealth returns the current score and when it was computed.
func (hm *HealthMonitor) GetHealth() (float64, time.Time) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.health, hm.lastCheck
}

// Failures returns the failing checks and their errors.
func (hm *HealthMonitor) Failures() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]string, len(hm.failures))
	for k, v := range hm.failures {
		out[k] = v
	}
	return out
}

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	monitor  *HealthMonitor
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewHealthEndpoint(monitor *HealthMonitor, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{monitor: monitor, gatherer: gatherer, logger: logger}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

type healthResponse struct {
	Status      string   `json:"status"`
	HealthScore float64  `json:"health_score"`
	LastCheck   string   `json:"last_check"`
	Timestamp   string   `json:"timestamp"`
	Failing     []string `json:"failing,omitempty"`
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, lastCheck := he.monitor.GetHealth()

	status := "healthy"
	statusCode := http.StatusOK
	if health < 50 {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if health < 80 {
		status = "degraded"
	}

	var failing []string
	for name := range he.monitor.Failures() {
		failing = append(failing, name)
	}
	sort.Strings(failing)

	resp := healthResponse{
		Status:      status,
		HealthScore: health,
		LastCheck:   lastCheck.Format(time.RFC3339),
		Timestamp:   time.Now().Format(time.RFC3339),
		Failing:     failing,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health, _ := he.monitor.GetHealth()

	if health > 30 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
	}
}

// StartMetricsServer serves /metrics and the health endpoints on addr.
func StartMetricsServer(addr string, monitor *HealthMonitor, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	NewHealthEndpoint(monitor, gatherer, logger).RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
