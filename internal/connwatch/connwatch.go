// Package connwatch tracks the health of the daemon's outbound
// dependencies: the MQTT broker and, when configured, the InfluxDB
// mirror. A [Watcher] probes one dependency in a loop. While the
// dependency is down it retries with exponential backoff; once it is
// up it re-checks at a fixed interval.
//
// Watchers never block the polling loop. Their status feeds the
// /healthz endpoint and the dependency_up gauge.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config configures a single watcher. Zero durations take the values
// from [Defaults].
type Config struct {
	// Name identifies the dependency in logs and status ("mqtt", "influx").
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// InitialDelay is the first retry delay after a failure.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// PollInterval is the delay between probes while healthy.
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call.
	ProbeTimeout time.Duration

	// OnChange is called on the watcher goroutine when readiness
	// changes, including the first probe result. Optional.
	OnChange func(name string, ready bool, err error)

	Logger *slog.Logger
}

// Defaults returns the standard timing: 2s doubling to 60s while down,
// 30s checks while up, 10s probe timeout.
func Defaults() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := Defaults()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is a point-in-time view of a watcher, suitable for JSON.
type Status struct {
	Name                string    `json:"name"`
	Ready               bool      `json:"ready"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Watcher monitors one dependency.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	checked  bool
	ready    bool
	lastErr  error
	lastAt   time.Time
	failures int
}

// Watch starts a watcher goroutine that runs until ctx is cancelled or
// Stop is called. It panics if Name is empty or Probe is nil.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.applyDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	go w.run(watchCtx)
	return w
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:                w.cfg.Name,
		Ready:               w.ready,
		LastCheck:           w.lastAt,
		ConsecutiveFailures: w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	backoff := w.cfg.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		var wait time.Duration
		if err == nil {
			backoff = w.cfg.InitialDelay
			wait = w.cfg.PollInterval
		} else {
			wait = backoff
			backoff *= 2
			if backoff > w.cfg.MaxDelay {
				backoff = w.cfg.MaxDelay
			}
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

// record stores the probe result and reports readiness transitions.
func (w *Watcher) record(err error) {
	ready := err == nil

	w.mu.Lock()
	first := !w.checked
	changed := first || ready != w.ready
	w.checked = true
	w.ready = ready
	w.lastErr = err
	w.lastAt = time.Now()
	if ready {
		w.failures = 0
	} else {
		w.failures++
	}
	failures := w.failures
	w.mu.Unlock()

	logger := w.cfg.Logger
	switch {
	case changed && ready:
		logger.Info("dependency ready", "dependency", w.cfg.Name)
	case changed && !ready && first:
		logger.Warn("dependency unreachable at startup", "dependency", w.cfg.Name, "error", err)
	case changed && !ready:
		logger.Warn("dependency became unreachable", "dependency", w.cfg.Name, "error", err)
	case !ready:
		logger.Debug("dependency still unreachable",
			"dependency", w.cfg.Name,
			"consecutive_failures", failures,
			"error", err,
		)
	}

	if changed && w.cfg.OnChange != nil {
		w.cfg.OnChange(w.cfg.Name, ready, err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher and registers it under cfg.Name, replacing
// and stopping any previous watcher of that name.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	w := Watch(ctx, cfg)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return w
}

// Status returns every watcher's status sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched dependency is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
