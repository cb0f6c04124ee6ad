package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threatscope/threatscope/internal/common/config"
)

// Metrics holds the Prometheus registry and the instruments for the
// notification service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connActive  prometheus.Gauge
	connTotal   *prometheus.CounterVec
	notifSent   *prometheus.CounterVec
	dispatchDur *prometheus.HistogramVec
	httpReqCnt  *prometheus.CounterVec
	httpDur     *prometheus.HistogramVec
}

// New creates a metrics set with standard process and Go collectors
// registered.
func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	connActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "ws_connections_active"})
	connTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "ws_connections_total"}, []string{"outcome"})
	notifSent := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "notifications_sent_total"}, []string{"kind", "status"})
	dispatchDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "dispatch_duration_seconds", Buckets: cfg.Buckets}, []string{"mode"})
	r.MustRegister(connActive, connTotal, notifSent, dispatchDur)

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	r.MustRegister(httpReqCnt, httpDur)

	return &Metrics{
		registry:    r,
		connActive:  connActive,
		connTotal:   connTotal,
		notifSent:   notifSent,
		dispatchDur: dispatchDur,
		httpReqCnt:  httpReqCnt,
		httpDur:     httpDur,
	}
}

// Handler exposes the registry for the /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnOpened records a connection attempt outcome: accepted,
// auth_failed, rate_limited, or rejected.
func (m *Metrics) ConnOpened(outcome string) {
	if m == nil {
		return
	}
	m.connTotal.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		m.connActive.Inc()
	}
}

// ConnClosed records the end of an accepted connection.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connActive.Dec()
}

// NotificationSent records one per-connection delivery attempt.
func (m *Metrics) NotificationSent(kind string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.notifSent.WithLabelValues(kind, status).Inc()
}

// ObserveDispatch records the duration of one dispatch call.
func (m *Metrics) ObserveDispatch(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDur.WithLabelValues(mode).Observe(seconds)
}

// GinMiddleware instruments HTTP routes with request count and latency.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}
