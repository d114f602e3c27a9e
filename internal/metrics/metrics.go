// Package metrics holds the Prometheus collectors for feeds, the detection
// store, the registry and the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mesh_mapper"

// Metrics contains every collector the daemon exports. All recording methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FeedConnected  *prometheus.GaugeVec

	DetectionsUpdated prometheus.Counter
	ActiveDetections  prometheus.Gauge
	HistoryDropped    *prometheus.CounterVec

	RegistryLookups *prometheus.CounterVec

	RelaySent       prometheus.Counter
	RelayDropped    prometheus.Counter
	RelayReconnects prometheus.Counter
	RelayConnected  prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "frames_received_total",
				Help:      "Frames read from a sensor feed",
			},
			[]string{"feed"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "frames_dropped_total",
				Help:      "Frames discarded by a sensor feed",
			},
			[]string{"feed", "reason"},
		),
		FeedConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "connected",
				Help:      "1 while the feed is streaming",
			},
			[]string{"feed"},
		),

		DetectionsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detections",
			Name:      "updates_total",
			Help:      "Detection store updates",
		}),
		ActiveDetections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detections",
			Name:      "active",
			Help:      "Aircraft currently held in the active map",
		}),
		HistoryDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "history",
				Name:      "dropped_total",
				Help:      "History entries a sink could not accept",
			},
			[]string{"sink"},
		),

		RegistryLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "lookups_total",
				Help:      "Registry lookups by outcome",
			},
			[]string{"outcome"},
		),

		RelaySent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_sent_total",
			Help:      "CoT events written to the relay connection",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_dropped_total",
			Help:      "CoT events dropped after the retry was exhausted",
		}),
		RelayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Successful relay connection establishments",
		}),
		RelayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected",
			Help:      "1 while the relay connection is up",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesReceived,
		m.FramesDropped,
		m.FeedConnected,
		m.DetectionsUpdated,
		m.ActiveDetections,
		m.HistoryDropped,
		m.RegistryLookups,
		m.RelaySent,
		m.RelayDropped,
		m.RelayReconnects,
		m.RelayConnected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(feed string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(feed).Inc()
}

func (m *Metrics) FrameDropped(feed, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(feed, reason).Inc()
}

func (m *Metrics) SetFeedConnected(feed string, up bool) {
	if m == nil {
		return
	}
	m.FeedConnected.WithLabelValues(feed).Set(boolFloat(up))
}

func (m *Metrics) DetectionUpdated() {
	if m == nil {
		return
	}
	m.DetectionsUpdated.Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveDetections.Set(float64(n))
}

func (m *Metrics) HistoryDrop(sink string) {
	if m == nil {
		return
	}
	m.HistoryDropped.WithLabelValues(sink).Inc()
}

// RegistryLookup counts a lookup outcome (live, cache, current, miss, error).
func (m *Metrics) RegistryLookup(outcome string) {
	if m == nil {
		return
	}
	m.RegistryLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventSent() {
	if m == nil {
		return
	}
	m.RelaySent.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.RelayDropped.Inc()
}

func (m *Metrics) RelayReconnected() {
	if m == nil {
		return
	}
	m.RelayReconnects.Inc()
}

func (m *Metrics) SetRelayConnected(up bool) {
	if m == nil {
		return
	}
	m.RelayConnected.Set(boolFloat(up))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
