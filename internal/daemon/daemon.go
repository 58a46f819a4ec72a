// Package daemon runs the long-lived kredo process: the HTTP API, the
// metrics server and the optional conversion consumer, as one actor group.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/kredo/telemetry"
)

// DefaultShutdownTimeout bounds graceful HTTP shutdown
const DefaultShutdownTimeout = 10 * time.Second

// Config holds daemon configuration
type Config struct {
	Addr            string
	MetricsAddr     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Registry is scraped on /metrics; telemetry.PrometheusRegistry when nil
	Registry prometheus.Gatherer
}

// Consumer is a background actor that runs until its context is cancelled
type Consumer interface {
	Run(ctx context.Context) error
}

// Daemon owns the process actors
type Daemon struct {
	cfg       Config
	handler   http.Handler
	consumer  Consumer
	startTime time.Time
	ready     atomic.Bool
	metrics   *DaemonMetrics
	logger    *telemetry.Logger

	mu          sync.Mutex
	apiAddr     net.Addr
	metricsAddr net.Addr
}

// NewDaemon creates a new daemon instance. consumer may be nil.
func NewDaemon(cfg Config, handler http.Handler, consumer Consumer) (*Daemon, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = telemetry.PrometheusRegistry
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon metrics: %w", err)
	}

	return &Daemon{
		cfg:       cfg,
		handler:   handler,
		consumer:  consumer,
		startTime: time.Now(),
		metrics:   metrics,
		logger:    telemetry.NewLogger("daemon"),
	}, nil
}

// Start runs every actor until the context is cancelled, a signal arrives
// or one actor fails. Cancellation and signals are a clean shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Addr, err)
	}
	metricsLn, err := net.Listen("tcp", d.cfg.MetricsAddr)
	if err != nil {
		_ = apiLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.MetricsAddr, err)
	}

	d.mu.Lock()
	d.apiAddr = apiLn.Addr()
	d.metricsAddr = metricsLn.Addr()
	d.mu.Unlock()

	var g run.Group

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	apiSrv := &http.Server{
		Handler:      d.handler,
		ReadTimeout:  d.cfg.ReadTimeout,
		WriteTimeout: d.cfg.WriteTimeout,
	}
	d.addServer(&g, "api", apiSrv, apiLn)

	metricsSrv := &http.Server{
		Handler:           d.metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.addServer(&g, "metrics", metricsSrv, metricsLn)

	if d.consumer != nil {
		cctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			err := d.consumer.Run(cctx)
			d.metrics.RecordActorExit(ctx, "consumer", err)
			return err
		}, func(error) {
			cancel()
		})
	}

	d.ready.Store(true)
	d.logger.WithContext(ctx).Info().
		Str("addr", apiLn.Addr().String()).
		Str("metrics_addr", metricsLn.Addr().String()).
		Bool("consumer", d.consumer != nil).
		Msg("kredo daemon started")

	err = g.Run()
	d.ready.Store(false)

	var sig run.SignalError
	switch {
	case errors.As(err, &sig):
		d.logger.WithContext(ctx).Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.logger.WithContext(ctx).Info().Msg("shutting down")
		return nil
	}
	return err
}

// addServer registers an HTTP server actor serving on ln
func (d *Daemon) addServer(g *run.Group, name string, srv *http.Server, ln net.Listener) {
	g.Add(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		d.metrics.RecordActorExit(context.Background(), name, err)
		return err
	}, func(error) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Warn().Err(err).Str("server", name).Msg("graceful shutdown failed")
			_ = srv.Close()
		}
		d.metrics.RecordShutdownDuration(context.Background(), name, time.Since(start).Seconds())
	})
}

// metricsMux serves Prometheus metrics and the health endpoints
func (d *Daemon) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.cfg.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", d.handleHealth)
	mux.HandleFunc("/-/ready", d.handleReady)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := d.Health()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "%s uptime=%ds\n", h.Status, h.Uptime)
}

func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	if !d.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	status := "starting"
	if d.ready.Load() {
		status = "healthy"
	}
	return HealthStatus{
		Status: status,
		Uptime: int64(time.Since(d.startTime).Seconds()),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status string
	Uptime int64
}

// Ready reports whether every listener is bound
func (d *Daemon) Ready() bool {
	return d.ready.Load()
}

// APIAddr returns the bound API address, nil before Start
func (d *Daemon) APIAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apiAddr
}

// MetricsAddr returns the bound metrics address, nil before Start
func (d *Daemon) MetricsAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metricsAddr
}
