// Package status serves the daemon's read-only HTTP status surface:
// per-sensor state, dependency health, build info and Prometheus
// metrics.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randomstring/MQTTsensord/internal/reading"
	"github.com/randomstring/MQTTsensord/internal/scheduler"
)

// SensorView is the public snapshot of one sensor.
type SensorView struct {
	Name           string           `json:"name"`
	Topic          string           `json:"topic"`
	PollInterval   float64          `json:"poll_interval_seconds"`
	UpdateInterval float64          `json:"update_interval_seconds"`
	LastPoll       *time.Time       `json:"last_poll,omitempty"`
	LastPublished  *time.Time       `json:"last_published,omitempty"`
	LastOutcome    string           `json:"last_outcome,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	LastReading    *reading.Reading `json:"last_reading,omitempty"`
	Publishes      int64            `json:"publishes"`
	Failures       int64            `json:"failures"`
}

// Board holds the latest snapshot of every sensor. The scheduler
// pushes copies through [Board.Observe]; HTTP handlers read under the
// same mutex. Scheduler state itself is never shared.
type Board struct {
	mu      sync.RWMutex
	sensors map[string]*SensorView
	started time.Time
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{sensors: make(map[string]*SensorView), started: time.Now()}
}

// Register adds a sensor before its first poll so that it is listed
// even if it has never completed a turn.
func (b *Board) Register(st scheduler.SensorState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sensors[st.Name]; ok {
		return
	}
	b.sensors[st.Name] = &SensorView{
		Name:           st.Name,
		Topic:          st.Topic,
		PollInterval:   st.PollInterval.Seconds(),
		UpdateInterval: st.UpdateInterval.Seconds(),
	}
}

// Observe records a scheduler turn. It implements [scheduler.Observer].
func (b *Board) Observe(_ context.Context, ev scheduler.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.sensors[ev.Sensor]
	if !ok {
		v = &SensorView{Name: ev.Sensor}
		b.sensors[ev.Sensor] = v
	}
	st := ev.State
	v.Topic = st.Topic
	v.PollInterval = st.PollInterval.Seconds()
	v.UpdateInterval = st.UpdateInterval.Seconds()
	v.LastPoll = timePtr(st.LastPoll)
	v.LastPublished = timePtr(st.LastPublishedTime)
	v.LastOutcome = ev.Outcome.String()
	v.LastError = ""
	if ev.Err != nil {
		v.LastError = ev.Err.Error()
	}
	if st.HasNormalized {
		r := st.LastNormalized.Clone()
		v.LastReading = &r
	}

	switch ev.Outcome {
	case scheduler.OutcomePublished:
		v.Publishes++
	case scheduler.OutcomePollFailed, scheduler.OutcomePublishFailed:
		v.Failures++
	}
}

// Sensors returns copies of every view sorted by name.
func (b *Board) Sensors() []SensorView {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SensorView, 0, len(b.sensors))
	for _, v := range b.sensors {
		out = append(out, copyView(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sensor returns a copy of one view.
func (b *Board) Sensor(name string) (SensorView, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.sensors[name]
	if !ok {
		return SensorView{}, false
	}
	return copyView(v), true
}

func copyView(v *SensorView) SensorView {
	c := *v
	if v.LastReading != nil {
		r := v.LastReading.Clone()
		c.LastReading = &r
	}
	return c
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
