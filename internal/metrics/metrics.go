// Package metrics holds the Prometheus collectors of the API. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "petlify"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	threadsCreated  prometheus.Counter
	threadsRestored prometheus.Counter
	threadsPurged   prometheus.Counter
	messagesPosted  prometheus.Counter
	attachments     prometheus.Counter

	connections     prometheus.Gauge
	eventsEmitted   *prometheus.CounterVec
	deliveryFailure *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		threadsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_threads_created_total",
			Help:      "Threads created by ensure-thread.",
		}),
		threadsRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_threads_restored_total",
			Help:      "Threads un-hidden by ensure-thread.",
		}),
		threadsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_threads_purged_total",
			Help:      "Threads physically deleted after both sides hid them.",
		}),
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_posted_total",
			Help:      "Messages persisted.",
		}),
		attachments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_attachments_uploaded_total",
			Help:      "Images stored in blob storage.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open real-time sessions on this instance.",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Real-time events emitted by event name.",
		}, []string{"event"}),
		deliveryFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_delivery_failures_total",
			Help:      "Best-effort deliveries that failed, by stage.",
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.threadsCreated,
		m.threadsRestored,
		m.threadsPurged,
		m.messagesPosted,
		m.attachments,
		m.connections,
		m.eventsEmitted,
		m.deliveryFailure,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) ThreadCreated() {
	if m != nil {
		m.threadsCreated.Inc()
	}
}

func (m *Metrics) ThreadRestored() {
	if m != nil {
		m.threadsRestored.Inc()
	}
}

func (m *Metrics) ThreadPurged() {
	if m != nil {
		m.threadsPurged.Inc()
	}
}

func (m *Metrics) MessagePosted() {
	if m != nil {
		m.messagesPosted.Inc()
	}
}

func (m *Metrics) AttachmentsUploaded(n int) {
	if m != nil {
		m.attachments.Add(float64(n))
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) EventEmitted(event string) {
	if m != nil {
		m.eventsEmitted.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) DeliveryFailed(stage string) {
	if m != nil {
		m.deliveryFailure.WithLabelValues(stage).Inc()
	}
}
