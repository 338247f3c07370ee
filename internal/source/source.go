// Package source implements the Reading Sources polled by the
// scheduler. Every source satisfies [Source]: a poll either yields a
// normalized [reading.Reading] or fails with a source-specific [*Error].
//
// Sources block for the duration of the hardware read or subprocess.
// They honour context cancellation where the underlying operation
// allows it (subprocesses are killed; retry sleeps are interrupted).
package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randomstring/MQTTsensord/internal/config"
	"github.com/randomstring/MQTTsensord/internal/reading"
)

// Source produces one normalized reading per poll.
type Source interface {
	Poll(ctx context.Context) (reading.Reading, error)
}

// Func adapts an ordinary function to [Source].
type Func func(ctx context.Context) (reading.Reading, error)

// Poll calls f.
func (f Func) Poll(ctx context.Context) (reading.Reading, error) { return f(ctx) }

// Error is a failed poll. It names the sensor and the failing
// operation, and carries subprocess diagnostics when there are any.
type Error struct {
	Sensor   string
	Op       string
	Err      error
	ExitCode int    // subprocess exit code, -1 when not applicable
	Output   string // trimmed subprocess output, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("sensor %s: %s: %v", e.Sensor, e.Op, e.Err)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds the source for a configured sensor. Unknown sensor types
// yield a source whose readings are the error object
// {"error": "bad sensor type: <type>"}.
func New(cfg config.SensorConfig, logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("sensor", cfg.Name)

	switch cfg.Type {
	case config.SensorUPS:
		return NewUPS(cfg.Name, cfg.UPS, logger)
	case config.SensorDHT11, config.SensorDHT22:
		return NewDHT(cfg.Name, cfg.Type, IIOReader{Dir: cfg.DHT.Device}, cfg.DHT.Retries, logger)
	default:
		return invalidType(cfg.Type)
	}
}

// invalidType reports a misconfigured sensor through its own topic.
type invalidType config.SensorType

func (t invalidType) Poll(context.Context) (reading.Reading, error) {
	return reading.Error("bad sensor type: " + string(t)), nil
}
