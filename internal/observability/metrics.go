package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realtime_gate"

// Metrics stores Prometheus collectors used by the admin API, gateway, limiter
// and dispatcher flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	admissionDecisionsTotal *prometheus.CounterVec
	violationsTotal         *prometheus.CounterVec
	blocksAppliedTotal      *prometheus.CounterVec

	channelsRegisteredTotal prometheus.Counter
	channelsRejectedTotal   *prometheus.CounterVec
	channelsEvictedTotal    *prometheus.CounterVec
	onlineUsers             prometheus.Gauge
	activeChannels          prometheus.Gauge
	idleEvictedTotal        prometheus.Counter

	deliveriesTotal     *prometheus.CounterVec
	dispatchDuration    prometheus.Histogram
	auditDroppedTotal   prometheus.Counter
	auditSinkErrorTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		admissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Rate limiter decisions by category and outcome (allowed or the denying limit type).",
			},
			[]string{"category", "outcome"},
		),
		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_total",
				Help:      "Rate limit violations by category and window.",
			},
			[]string{"category", "limit_type"},
		),
		blocksAppliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_applied_total",
				Help:      "User blocks applied by source.",
			},
			[]string{"source"},
		),
		channelsRegisteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channels_registered_total",
				Help:      "Total number of channels admitted into the registry.",
			},
		),
		channelsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channels_rejected_total",
				Help:      "Channel registrations rejected by reason.",
			},
			[]string{"reason"},
		),
		channelsEvictedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channels_evicted_total",
				Help:      "Channels removed by the registry itself, grouped by reason.",
			},
			[]string{"reason"},
		),
		onlineUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online_users",
				Help:      "Users with at least one registered channel.",
			},
		),
		activeChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_channels",
				Help:      "Channels currently registered.",
			},
		),
		idleEvictedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idle_users_evicted_total",
				Help:      "Users dropped by idle cleanup.",
			},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Realtime events processed by the dispatcher grouped by outcome.",
			},
			[]string{"outcome"},
		),
		dispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent admitting and fanning out one realtime event.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		auditDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_dropped_total",
				Help:      "Moderation audit events dropped because the buffer was full.",
			},
		),
		auditSinkErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_sink_errors_total",
				Help:      "Audit sink write failures grouped by sink.",
			},
			[]string{"sink"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.admissionDecisionsTotal,
		m.violationsTotal,
		m.blocksAppliedTotal,
		m.channelsRegisteredTotal,
		m.channelsRejectedTotal,
		m.channelsEvictedTotal,
		m.onlineUsers,
		m.activeChannels,
		m.idleEvictedTotal,
		m.deliveriesTotal,
		m.dispatchDuration,
		m.auditDroppedTotal,
		m.auditSinkErrorTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) ObserveAdmission(category string, outcome string) {
	if m == nil {
		return
	}
	m.admissionDecisionsTotal.WithLabelValues(normalizeLabel(category), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncViolation(category string, limitType string) {
	if m == nil {
		return
	}
	m.violationsTotal.WithLabelValues(normalizeLabel(category), normalizeLabel(limitType)).Inc()
}

func (m *Metrics) IncBlockApplied(source string) {
	if m == nil {
		return
	}
	m.blocksAppliedTotal.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *Metrics) IncChannelRegistered() {
	if m == nil {
		return
	}
	m.channelsRegisteredTotal.Inc()
}

func (m *Metrics) IncChannelRejected(reason string) {
	if m == nil {
		return
	}
	m.channelsRejectedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncChannelEvicted(reason string) {
	if m == nil {
		return
	}
	m.channelsEvictedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

// SetPresence publishes the registry's current user and channel counts.
func (m *Metrics) SetPresence(users int, channels int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(users))
	m.activeChannels.Set(float64(channels))
}

func (m *Metrics) AddIdleEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.idleEvictedTotal.Add(float64(n))
}

func (m *Metrics) IncDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveDispatchDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.dispatchDuration.Observe(seconds)
}

func (m *Metrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.auditDroppedTotal.Inc()
}

func (m *Metrics) IncAuditSinkError(sink string) {
	if m == nil {
		return
	}
	m.auditSinkErrorTotal.WithLabelValues(normalizeLabel(sink)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
