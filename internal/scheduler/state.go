// Package scheduler runs the sensor polling loop. A single goroutine
// owns every [SensorState]; each tick it scans the configured sensors
// round-robin, polls the ones that are due, and publishes or suppresses
// the result according to [Decide].
package scheduler

import (
	"time"

	"github.com/randomstring/MQTTsensord/internal/config"
	"github.com/randomstring/MQTTsensord/internal/reading"
)

// SensorState is the per-sensor bookkeeping carried between polls.
// Zero times mean "never".
type SensorState struct {
	Name           string
	Topic          string
	PollInterval   time.Duration
	UpdateInterval time.Duration

	LastPoll time.Time

	LastNormalized    reading.Reading
	HasNormalized     bool
	LastPublished     reading.Reading
	HasPublished      bool
	LastPublishedTime time.Time
}

// NewState returns the initial state for a configured sensor.
func NewState(cfg config.SensorConfig) SensorState {
	return SensorState{
		Name:           cfg.Name,
		Topic:          cfg.Topic,
		PollInterval:   cfg.PollEvery(),
		UpdateInterval: cfg.UpdateEvery(),
	}
}

// Due reports whether the sensor should be polled at now.
func (s SensorState) Due(now time.Time) bool {
	return s.LastPoll.IsZero() || now.Sub(s.LastPoll) >= s.PollInterval
}

// Clone returns a copy that shares no reading storage with s.
func (s SensorState) Clone() SensorState {
	s.LastNormalized = s.LastNormalized.Clone()
	s.LastPublished = s.LastPublished.Clone()
	return s
}
