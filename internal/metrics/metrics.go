// Package metrics exports Prometheus counters derived from event bus traffic
// and from HTTP requests served by the API.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tasknotify/internal/eventbus"
	"tasknotify/internal/notifier"
	"tasknotify/internal/poller"
)

const namespace = "tasknotify"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	polls         *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
	newItems      *prometheus.CounterVec
	announcements *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	observations  *prometheus.CounterVec
	enabled       prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_cycles_total",
		Help:      "Poll cycles by source and result (ok, failed, joined).",
	}, []string{"source", "result"})
	m.pollDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_cycle_duration_seconds",
		Help:      "Duration of completed poll cycles.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})
	m.newItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "new_items_total",
		Help:      "Items classified as new by the dedup engine.",
	}, []string{"source"})
	m.announcements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "announcements_total",
		Help:      "Gate decisions (emitted, suppressed) and side-effect failures.",
	}, []string{"outcome"})
	m.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifier_deliveries_total",
		Help:      "Notifier sink deliveries by sink and status.",
	}, []string{"sink", "status"})
	m.observations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "observations_total",
		Help:      "Observation records received on the push path.",
	}, []string{"site"})
	m.enabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "enabled",
		Help:      "1 while notifications are enabled.",
	})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.pollDuration, m.newItems, m.announcements, m.deliveries,
		m.observations, m.enabled, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// SetEnabled records the current flag value.
func (m *Metrics) SetEnabled(on bool) {
	if on {
		m.enabled.Set(1)
		return
	}
	m.enabled.Set(0)
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe folds one event into the counters.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypePollCompleted:
		m.polls.WithLabelValues(ev.Source, "ok").Inc()
		if res, ok := ev.Data.(poller.CycleResult); ok {
			m.pollDuration.WithLabelValues(ev.Source).Observe(res.Duration.Seconds())
			m.newItems.WithLabelValues(ev.Source).Add(float64(res.New))
		}
	case eventbus.TypePollFailed:
		m.polls.WithLabelValues(ev.Source, "failed").Inc()
	case eventbus.TypePollJoined:
		m.polls.WithLabelValues(ev.Source, "joined").Inc()
	case eventbus.TypeNotifyEmitted:
		m.announcements.WithLabelValues("emitted").Inc()
	case eventbus.TypeNotifySuppress:
		m.announcements.WithLabelValues("suppressed").Inc()
	case eventbus.TypeNotifyFailed:
		m.announcements.WithLabelValues("notify_failed").Inc()
	case eventbus.TypeSoundFailed:
		m.announcements.WithLabelValues("sound_failed").Inc()
	case eventbus.TypeObservation:
		m.observations.WithLabelValues(ev.Source).Inc()
	case eventbus.TypeEnabledChanged:
		if on, ok := ev.Data.(bool); ok {
			m.SetEnabled(on)
		}
	case notifier.EventSent, notifier.EventFailed, notifier.EventDropped:
		sink := ""
		if ne, ok := ev.Data.(notifier.NotificationEvent); ok {
			sink = ne.Sink
		}
		status := map[string]string{
			notifier.EventSent:    "sent",
			notifier.EventFailed:  "failed",
			notifier.EventDropped: "dropped",
		}[ev.Type]
		m.deliveries.WithLabelValues(sink, status).Inc()
	}
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
