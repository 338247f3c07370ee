package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomstring/MQTTsensord/internal/config"
	"github.com/randomstring/MQTTsensord/internal/reading"
	"github.com/randomstring/MQTTsensord/internal/source"
)

// Publisher sends one payload to a topic. Implementations must be safe
// for use alongside the broker's own inbound delivery goroutine.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Outcome is how a sensor's turn ended.
type Outcome int

const (
	OutcomePublished Outcome = iota
	OutcomeSuppressed
	OutcomePollFailed
	OutcomePublishFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomePollFailed:
		return "poll_failed"
	case OutcomePublishFailed:
		return "publish_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Event describes one completed sensor turn. State is a copy taken
// after the turn; observers may keep it.
type Event struct {
	Sensor       string
	Topic        string
	Outcome      Outcome
	At           time.Time
	PollDuration time.Duration
	Reading      reading.Reading
	Payload      []byte
	Err          error
	State        SensorState
}

// Observer is notified after every sensor turn, on the scheduler
// goroutine. Observe must not block for long; it delays the next
// sensor's turn.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Config holds scheduler dependencies and timing.
type Config struct {
	Logger    *slog.Logger
	Publisher Publisher

	// Tick is the loop period. Defaults to one second.
	Tick time.Duration

	// PollTimeout bounds a single source poll. Zero means no bound.
	PollTimeout time.Duration

	// PublishTimeout bounds a single publish. Zero means no bound.
	PublishTimeout time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Observers []Observer
}

type sensor struct {
	state  SensorState
	source source.Source
}

// Scheduler polls sensors and publishes their readings.
type Scheduler struct {
	logger    *slog.Logger
	publisher Publisher
	tick      time.Duration
	pollTO    time.Duration
	publishTO time.Duration
	now       func() time.Time
	observers []Observer

	sensors []*sensor

	mu      sync.Mutex
	running bool
}

// New creates a scheduler with no sensors.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		tick:      cfg.Tick,
		pollTO:    cfg.PollTimeout,
		publishTO: cfg.PublishTimeout,
		now:       cfg.Now,
		observers: cfg.Observers,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Add registers a sensor. Sensors are polled in the order added. Add
// must not be called after Run.
func (s *Scheduler) Add(cfg config.SensorConfig, src source.Source) {
	s.sensors = append(s.sensors, &sensor{state: NewState(cfg), source: src})
}

// States returns copies of every sensor's state. It is only meaningful
// when the loop is not running.
func (s *Scheduler) States() []SensorState {
	out := make([]SensorState, 0, len(s.sensors))
	for _, sn := range s.sensors {
		out = append(out, sn.state.Clone())
	}
	return out
}

// Run polls until ctx is cancelled. The first tick runs immediately so
// every sensor publishes at startup. Run returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started",
		"sensors", len(s.sensors),
		"tick", s.tick,
		"poll_timeout", s.pollTO,
		"publish_timeout", s.publishTO,
	)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.runTick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// runTick gives every due sensor one turn, in order. A failing or
// panicking sensor never prevents later sensors from running.
func (s *Scheduler) runTick(ctx context.Context) {
	for _, sn := range s.sensors {
		if ctx.Err() != nil {
			return
		}
		if !sn.state.Due(s.now()) {
			continue
		}
		s.turn(ctx, sn)
	}
}

// turn polls one sensor, decides, and publishes if needed.
func (s *Scheduler) turn(ctx context.Context, sn *sensor) {
	start := s.now()
	sn.state.LastPoll = start

	r, pollErr := s.poll(ctx, sn)
	ev := Event{
		Sensor:       sn.state.Name,
		Topic:        sn.state.Topic,
		At:           start,
		PollDuration: s.now().Sub(start),
	}

	if pollErr != nil {
		s.logger.Warn("sensor poll failed",
			"sensor", sn.state.Name,
			"topic", sn.state.Topic,
			"error", pollErr,
		)
		ev.Outcome = OutcomePollFailed
		ev.Err = pollErr
		s.notify(ctx, ev, sn)
		return
	}

	prev := sn.state
	publish, next := Decide(prev, r, s.now())
	ev.Reading = r

	if !publish {
		sn.state = next
		s.logger.Debug("reading unchanged, suppressed",
			"sensor", sn.state.Name,
			"since_publish", s.now().Sub(prev.LastPublishedTime).Round(time.Second),
		)
		ev.Outcome = OutcomeSuppressed
		s.notify(ctx, ev, sn)
		return
	}

	payload, err := json.Marshal(r)
	if err == nil {
		ev.Payload = payload
		err = s.publish(ctx, sn.state.Topic, payload)
	}
	if err != nil {
		// Keep the previous publish record so the next poll compares
		// against what consumers actually saw.
		sn.state = prev
		sn.state.LastNormalized = r
		sn.state.HasNormalized = true

		s.logger.Warn("publish failed",
			"sensor", sn.state.Name,
			"topic", sn.state.Topic,
			"error", err,
		)
		ev.Outcome = OutcomePublishFailed
		ev.Err = err
		s.notify(ctx, ev, sn)
		return
	}

	sn.state = next
	s.logger.Debug("reading published",
		"sensor", sn.state.Name,
		"topic", sn.state.Topic,
		"payload", string(payload),
	)
	ev.Outcome = OutcomePublished
	s.notify(ctx, ev, sn)
}

// poll calls the source with the poll timeout applied, converting a
// panic into an error.
func (s *Scheduler) poll(ctx context.Context, sn *sensor) (r reading.Reading, err error) {
	if s.pollTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pollTO)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sensor %s: poll panicked: %v", sn.state.Name, rec)
		}
	}()
	return sn.source.Poll(ctx)
}

func (s *Scheduler) publish(ctx context.Context, topic string, payload []byte) error {
	if s.publisher == nil {
		return fmt.Errorf("no publisher configured")
	}
	if s.publishTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.publishTO)
		defer cancel()
	}
	return s.publisher.Publish(ctx, topic, payload)
}

func (s *Scheduler) notify(ctx context.Context, ev Event, sn *sensor) {
	if len(s.observers) == 0 {
		return
	}
	ev.State = sn.state.Clone()
	ev.Reading = ev.Reading.Clone()
	for _, o := range s.observers {
		s.observe(ctx, o, ev)
	}
}

func (s *Scheduler) observe(ctx context.Context, o Observer, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("observer panicked", "sensor", ev.Sensor, "panic", rec)
		}
	}()
	o.Observe(ctx, ev)
}
