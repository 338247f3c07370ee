// Package metrics exposes daemon counters in Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomstring/MQTTsensord/internal/buildinfo"
	"github.com/randomstring/MQTTsensord/internal/scheduler"
)

const namespace = "mqttsensord"

// Metrics holds the daemon's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	turns        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	lastPublish  *prometheus.GaugeVec
	inbound      *prometheus.CounterVec
	dependencyUp *prometheus.GaugeVec
}

// New creates and registers all collectors, including the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_turns_total",
			Help:      "Sensor poll turns by outcome (published, suppressed, poll_failed, publish_failed).",
		}, []string{"sensor", "outcome"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent in a single source poll.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"sensor"}),
		lastPublish: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_publish_timestamp_seconds",
			Help:      "Unix time of the sensor's last successful publish.",
		}, []string{"sensor"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound MQTT messages by dispatch result.",
		}, []string{"result"}),
		dependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "Whether an outbound dependency (mqtt, influx) is reachable.",
		}, []string{"dependency"}),
	}

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information; always 1.",
	}, []string{"version", "commit"})
	info.WithLabelValues(buildinfo.Version, buildinfo.GitCommit).Set(1)

	m.reg.MustRegister(
		m.turns,
		m.pollDuration,
		m.lastPublish,
		m.inbound,
		m.dependencyUp,
		info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records a scheduler turn. It implements [scheduler.Observer].
func (m *Metrics) Observe(_ context.Context, ev scheduler.Event) {
	m.turns.WithLabelValues(ev.Sensor, ev.Outcome.String()).Inc()
	m.pollDuration.WithLabelValues(ev.Sensor).Observe(ev.PollDuration.Seconds())
	if ev.Outcome == scheduler.OutcomePublished {
		m.lastPublish.WithLabelValues(ev.Sensor).Set(float64(ev.State.LastPublishedTime.Unix()))
	}
}

// InboundMessage counts a dispatch result.
func (m *Metrics) InboundMessage(result string) {
	m.inbound.WithLabelValues(result).Inc()
}

// DependencyChanged matches the connwatch OnChange signature.
func (m *Metrics) DependencyChanged(name string, ready bool, _ error) {
	v := 0.0
	if ready {
		v = 1
	}
	m.dependencyUp.WithLabelValues(name).Set(v)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
