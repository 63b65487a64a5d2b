// Package telemetry exposes Prometheus metrics for the HTTP server, the
// database pool and the authentication domain. A nil *Provider is valid and
// records nothing, so services can be built without metrics in tests.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carebridge/carebridge/internal/platform/apperr"
)

const namespace = "carebridge"

// Result labels shared by the domain counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Provider owns a private registry and every collector registered in it.
type Provider struct {
	registry *prometheus.Registry

	activeRequests  prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	dbPoolActive prometheus.Gauge
	dbPoolIdle   prometheus.Gauge

	authEvents        *prometheus.CounterVec
	otpEvents         *prometheus.CounterVec
	reviewTransitions *prometheus.CounterVec
}

// NewProvider builds the collectors and registers them together with the Go
// runtime and process collectors.
func NewProvider() *Provider {
	p := &Provider{
		registry: prometheus.NewRegistry(),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "In-flight HTTP requests.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   []float64{0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0},
		}, []string{"method", "route"}),
		dbPoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_active_connections",
			Help:      "Acquired Postgres connections.",
		}),
		dbPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_idle_connections",
			Help:      "Idle Postgres connections.",
		}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Authentication operations by event, role and result.",
		}, []string{"event", "role", "result"}),
		otpEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_events_total",
			Help:      "OTP challenges issued and verified, by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		reviewTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_transitions_total",
			Help:      "Applied review transitions by subject role and action.",
		}, []string{"role", "action"}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.activeRequests, p.requestsTotal, p.requestDuration,
		p.dbPoolActive, p.dbPoolIdle,
		p.authEvents, p.otpEvents, p.reviewTransitions,
	)
	return p
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// ---------------------------------------------------------------------------
// Domain recorders
// ---------------------------------------------------------------------------

// RecordAuth counts an authentication operation (signup, login, refresh,
// google_login, reset_password).
func (p *Provider) RecordAuth(event, role, result string) {
	if p == nil {
		return
	}
	p.authEvents.WithLabelValues(event, role, result).Inc()
}

// RecordOTP counts an OTP outcome: issued, verified, expired, invalid, not_found.
func (p *Provider) RecordOTP(purpose, outcome string) {
	if p == nil {
		return
	}
	p.otpEvents.WithLabelValues(purpose, outcome).Inc()
}

func (p *Provider) RecordReview(role, action string) {
	if p == nil {
		return
	}
	p.reviewTransitions.WithLabelValues(role, action).Inc()
}

// SetDBPool records the pool gauges.
func (p *Provider) SetDBPool(active, idle int32) {
	if p == nil {
		return
	}
	p.dbPoolActive.Set(float64(active))
	p.dbPoolIdle.Set(float64(idle))
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware records request count and latency per route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			p.activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			status := statusOf(c, err)

			p.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			p.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			return err
		}
	}
}

// statusOf returns the status the error handler will write when a handler
// returned an error before committing the response.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperr.Status(err)
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	h := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		Registry:          p.registry,
		EnableOpenMetrics: false,
		ErrorHandling:     promhttp.ContinueOnError,
	})
	return echo.WrapHandler(h)
}
