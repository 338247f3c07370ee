// Package influx mirrors published readings into InfluxDB 2.x. The
// mirror is best effort: failures are logged and never affect MQTT
// publishing.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/randomstring/MQTTsensord/internal/config"
	"github.com/randomstring/MQTTsensord/internal/reading"
	"github.com/randomstring/MQTTsensord/internal/scheduler"
)

// writeTimeout bounds a mirror write made from the polling loop.
const writeTimeout = 5 * time.Second

// pointWriter is the subset of api.WriteAPIBlocking used here.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Writer writes one point per published reading.
type Writer struct {
	client      influxdb2.Client
	api         pointWriter
	measurement string
	logger      *slog.Logger
}

// NewWriter creates a blocking-write client for the configured bucket.
// Call Close when done.
func NewWriter(cfg config.InfluxConfig, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Writer{
		client:      client,
		api:         client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      logger,
	}
}

// Close releases the client.
func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// Health checks that InfluxDB is reachable. It serves as the connwatch
// probe.
func (w *Writer) Health(ctx context.Context) error {
	_, err := w.client.Health(ctx)
	return err
}

// Write stores r as one point at time at, tagged with sensor and topic.
func (w *Writer) Write(ctx context.Context, sensor, topic string, r reading.Reading, at time.Time) error {
	p := Point(w.measurement, sensor, topic, r, at)
	if err := w.api.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write %s: %w", sensor, err)
	}
	return nil
}

// Point converts a reading to a line-protocol point. Numeric values,
// including numeric strings such as "100.0", become float fields;
// everything else is a string field.
func Point(measurement, sensor, topic string, r reading.Reading, at time.Time) *write.Point {
	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("sensor", sensor).
		AddTag("topic", topic).
		SetTime(at)
	for _, f := range r.Fields() {
		if v, ok := f.Value.Float64(); ok {
			p.AddField(f.Name, v)
		} else {
			p.AddField(f.Name, f.Value.String())
		}
	}
	return p
}

// Observe mirrors successful publishes. It implements
// [scheduler.Observer].
func (w *Writer) Observe(ctx context.Context, ev scheduler.Event) {
	if ev.Outcome != scheduler.OutcomePublished {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.Write(ctx, ev.Sensor, ev.Topic, ev.Reading, ev.State.LastPublishedTime); err != nil {
		w.logger.Warn("influx mirror write failed", "sensor", ev.Sensor, "error", err)
	}
}
