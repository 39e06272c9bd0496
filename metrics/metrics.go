// Package metrics exposes daemon activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedwise/provider"
	"feedwise/scheduler"
)

const namespace = "feedwise"

// Metrics holds the daemon's collectors.
type Metrics struct {
	registry *prometheus.Registry

	TaskRuns         *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TaskItems        *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	IPCRequests      *prometheus.CounterVec
	IPCDuration      prometheus.Histogram
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TaskRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_runs_total",
			Help:      "Task executions by outcome.",
		}, []string{"task", "status"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Task execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"task"}),
		TaskItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "items_total",
			Help:      "Items reported by task outcomes, e.g. summarized or filtered articles.",
		}, []string{"task", "outcome"}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "AI provider calls by backend, operation and status.",
		}, []string{"backend", "op", "status"}),
		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "AI provider call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"backend", "op"}),
		IPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "IPC requests by method and error code, 0 for success.",
		}, []string{"method", "code"}),
		IPCDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "request_duration_seconds",
			Help:      "IPC request handling time.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTask records a finished scheduler task. Usable as a scheduler event listener.
func (m *Metrics) ObserveTask(e scheduler.Event) {
	status := "ok"
	if e.Err != nil {
		status = "error"
	}
	m.TaskRuns.WithLabelValues(e.Task, status).Inc()
	m.TaskDuration.WithLabelValues(e.Task).Observe(e.Duration.Seconds())
	for outcome, n := range e.Outcome {
		if n > 0 {
			m.TaskItems.WithLabelValues(e.Task, outcome).Add(float64(n))
		}
	}
}

// ObserveProvider records one provider call. Matches provider.Observer.
func (m *Metrics) ObserveProvider(backend, op string, elapsed time.Duration, err error) {
	status := "ok"
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		status = "rate_limited"
	case err != nil:
		status = "error"
	}
	m.ProviderCalls.WithLabelValues(backend, op, status).Inc()
	m.ProviderDuration.WithLabelValues(backend, op).Observe(elapsed.Seconds())
}

// ObserveRequest records one IPC request. Matches ipc.Observer.
func (m *Metrics) ObserveRequest(method string, code int, elapsed time.Duration) {
	if method == "" {
		method = "invalid"
	}
	m.IPCRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.IPCDuration.Observe(elapsed.Seconds())
}

// WatchScheduler exports per-task skip counts and running state read from snapshot at scrape time.
func (m *Metrics) WatchScheduler(snapshot func() []scheduler.TaskState) {
	m.registry.MustRegister(&schedulerCollector{snapshot: snapshot})
}

var (
	skipsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scheduler", "task_skips_total"),
		"Ticks skipped because the task was still running.",
		[]string{"task"}, nil,
	)
	runningDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scheduler", "task_running"),
		"Whether the task is currently executing.",
		[]string{"task"}, nil,
	)
)

type schedulerCollector struct {
	snapshot func() []scheduler.TaskState
}

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- skipsDesc
	ch <- runningDesc
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.snapshot() {
		running := 0.0
		if t.Running {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(skipsDesc, prometheus.CounterValue, float64(t.Skips), t.Name)
		ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, running, t.Name)
	}
}

// Server serves /metrics on a loopback address.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
}

// NewServer creates a metrics endpoint. The address must be loopback.
func NewServer(addr string, m *Metrics, logger *slog.Logger) (*Server, error) {
	if err := CheckLoopback(addr); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{addr: addr, handler: mux, logger: logger}, nil
}

func (s *Server) String() string {
	return "metrics-server"
}

// Serve listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("metrics listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		<-errc
		return nil
	}
}

// CheckLoopback rejects listen addresses reachable from other hosts.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("metrics listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("metrics listen address %q is not loopback", addr)
	}
	return nil
}
