package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the bot's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	linesReceived   *prometheus.CounterVec
	commands        *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	sendErrors      *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	jobs            *prometheus.CounterVec
	reconnects      prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	wsClients       prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		linesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty_bot",
			Name:      "irc_lines_received_total",
			Help:      "Inbound IRC lines by parsed kind",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty_bot",
			Name:      "commands_total",
			Help:      "Dispatched commands by variant and outcome",
		}, []string{"variant", "outcome"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty_bot",
			Name:      "messages_sent_total",
			Help:      "Outbound chat lines by delivery queue",
		}, []string{"queue"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty_bot",
			Name:      "send_errors_total",
			Help:      "Failed outbound sends by delivery queue",
		}, []string{"queue"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gnasty_bot",
			Name:      "queue_depth",
			Help:      "Entries waiting in each delivery queue",
		}, []string{"queue"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty_bot",
			Name:      "deferred_jobs_total",
			Help:      "Deferred jobs run, by name and outcome",
		}, []string{"name", "outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnasty_bot",
			Name:      "irc_reconnects_total",
			Help:      "IRC reconnect attempts",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty_bot",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gnasty_bot",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnasty_bot",
			Name:      "http_rate_limited_total",
			Help:      "HTTP requests rejected by the per-IP limiter",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnasty_bot",
			Name:      "ws_clients",
			Help:      "Connected event feed clients",
		}),
	}

	registry.MustRegister(
		m.linesReceived,
		m.commands,
		m.messagesSent,
		m.sendErrors,
		m.queueDepth,
		m.jobs,
		m.reconnects,
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.wsClients,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncLine(kind string) {
	if m == nil {
		return
	}
	m.linesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCommand(variant, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(variant, outcome).Inc()
}

func (m *Metrics) IncSent(queue string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncSendError(queue string) {
	if m == nil {
		return
	}
	m.sendErrors.WithLabelValues(queue).Inc()
}

func (m *Metrics) SetQueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) IncJob(name, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) AddWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}
