package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	operationsTotal *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	lobColumns      *prometheus.CounterVec
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmsprep_operations_total",
				Help: "Total number of units of work by outcome",
			},
			[]string{"status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dmsprep_stage_duration_seconds",
				Help:    "Time taken to run an import stage",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"plan", "stage"},
		),
		lobColumns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmsprep_lob_columns_total",
				Help: "LOB columns handled by phase and outcome",
			},
			[]string{"phase", "status"},
		),
	}

	c.registry.MustRegister(c.operationsTotal)
	c.registry.MustRegister(c.stageDuration)
	c.registry.MustRegister(c.lobColumns)

	return c
}

// IncSuccess increments the successful operations counter
func (c *Collector) IncSuccess() {
	c.operationsTotal.WithLabelValues("success").Inc()
}

// IncFailed increments the failed operations counter
func (c *Collector) IncFailed() {
	c.operationsTotal.WithLabelValues("failed").Inc()
}

// ObserveStage records how long a stage of plan took
func (c *Collector) ObserveStage(plan, stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(plan, stage).Observe(d.Seconds())
}

// IncLOBColumn counts a LOB column outcome. phase is analyze or apply,
// status is success, failed or skipped.
func (c *Collector) IncLOBColumn(phase, status string) {
	c.lobColumns.WithLabelValues(phase, status).Inc()
}

// Registry returns the registry the collector's metrics live in
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the /metrics handler for this collector
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
