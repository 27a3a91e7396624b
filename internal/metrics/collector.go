package metrics

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// Collector records storage metrics on its own prometheus registry.
// A nil or disabled Collector accepts every call and records nothing.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	uploadBytes       *prometheus.CounterVec
	uploadDuration    *prometheus.HistogramVec
	partCounter       *prometheus.CounterVec
	abortCounter      *prometheus.CounterVec
	poolBorrowed      *prometheus.GaugeVec
	poolIdle          *prometheus.GaugeVec
	poolExhausted     *prometheus.CounterVec
	switchCounter     *prometheus.CounterVec
	activeBackend     *prometheus.GaugeVec
	breakerState      *prometheus.GaugeVec

	mu     sync.Mutex
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the metrics settings used by storagehub serve.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Addr:      ":9090",
		Path:      "/metrics",
		Namespace: "storagehub",
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Registry returns the underlying prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() || c.config.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"storagehub"}`))
	})

	server := &http.Server{
		Addr:              c.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	log := logging.Named("metrics")
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("metrics endpoint listening", zap.String("addr", c.config.Addr), zap.String("path", c.config.Path))
	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one backend capability call.
func (c *Collector) RecordOperation(backend, operation string, duration time.Duration, err error) {
	if !c.enabled() {
		return
	}
	c.operationCounter.WithLabelValues(backend, operation, result(err)).Inc()
	c.operationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// ObserveUpload implements upload.Observer.
func (c *Collector) ObserveUpload(backend string, strategy types.UploadStrategy, bytes int64, duration time.Duration, err error) {
	if !c.enabled() {
		return
	}
	if err == nil {
		c.uploadBytes.WithLabelValues(backend, string(strategy)).Add(float64(bytes))
	}
	c.uploadDuration.WithLabelValues(backend, string(strategy), result(err)).Observe(duration.Seconds())
}

// ObservePart implements upload.Observer.
func (c *Collector) ObservePart(backend string, bytes int64, err error) {
	if !c.enabled() {
		return
	}
	c.partCounter.WithLabelValues(backend, result(err)).Inc()
}

// ObserveAbort implements upload.Observer.
func (c *Collector) ObserveAbort(backend string, err error) {
	if !c.enabled() {
		return
	}
	c.abortCounter.WithLabelValues(backend, result(err)).Inc()
}

// ObservePool implements pool.Observer.
func (c *Collector) ObservePool(name string, borrowed, idle int) {
	if !c.enabled() {
		return
	}
	c.poolBorrowed.WithLabelValues(name).Set(float64(borrowed))
	c.poolIdle.WithLabelValues(name).Set(float64(idle))
}

// ObservePoolExhausted implements pool.Observer.
func (c *Collector) ObservePoolExhausted(name string) {
	if !c.enabled() {
		return
	}
	c.poolExhausted.WithLabelValues(name).Inc()
}

// RecordSwitch counts a switch attempt to kind.
func (c *Collector) RecordSwitch(kind types.BackendKind, err error) {
	if !c.enabled() {
		return
	}
	c.switchCounter.WithLabelValues(string(kind), result(err)).Inc()
}

// SetActiveBackend marks kind as the only active backend.
func (c *Collector) SetActiveBackend(kind types.BackendKind) {
	if !c.enabled() {
		return
	}
	for _, k := range types.AllKinds {
		v := 0.0
		if k == kind {
			v = 1
		}
		c.activeBackend.WithLabelValues(string(k)).Set(v)
	}
}

// SetBreakerState exports a circuit breaker state (0 closed, 1 open, 2 half-open).
func (c *Collector) SetBreakerState(name string, state int) {
	if !c.enabled() {
		return
	}
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

// result maps an error onto a low-cardinality label value.
func result(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(string(errors.KindOf(err)))
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "operations_total",
		Help:      "Backend capability calls by result",
	}, []string{"backend", "operation", "result"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "operation_duration_seconds",
		Help:      "Duration of backend capability calls",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}, []string{"backend", "operation"})

	c.uploadBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "upload",
		Name:      "bytes_total",
		Help:      "Bytes stored by successful uploads",
	}, []string{"backend", "strategy"})

	c.uploadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "upload",
		Name:      "duration_seconds",
		Help:      "Duration of whole uploads",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5min
	}, []string{"backend", "strategy", "result"})

	c.partCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "upload",
		Name:      "parts_total",
		Help:      "Multipart parts sent",
	}, []string{"backend", "result"})

	c.abortCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "upload",
		Name:      "aborts_total",
		Help:      "Multipart sessions aborted after a failure",
	}, []string{"backend", "result"})

	c.poolBorrowed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "borrowed",
		Help:      "Clients currently borrowed",
	}, []string{"pool"})

	c.poolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "idle",
		Help:      "Clients idle in the pool",
	}, []string{"pool"})

	c.poolExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "exhausted_total",
		Help:      "Borrows refused because the pool was exhausted",
	}, []string{"pool"})

	c.switchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "registry",
		Name:      "switches_total",
		Help:      "Backend switch attempts by target kind and result",
	}, []string{"kind", "result"})

	c.activeBackend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "registry",
		Name:      "active_backend",
		Help:      "1 for the active backend kind, 0 otherwise",
	}, []string{"kind"})

	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"backend"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.uploadBytes,
		c.uploadDuration,
		c.partCounter,
		c.abortCounter,
		c.poolBorrowed,
		c.poolIdle,
		c.poolExhausted,
		c.switchCounter,
		c.activeBackend,
		c.breakerState,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
