package source

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/randomstring/MQTTsensord/internal/config"
	"github.com/randomstring/MQTTsensord/internal/reading"
)

// CommandRunner runs an external command and returns its combined
// output. Tests substitute a fake; production uses [ExecRunner].
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec. The process is killed when
// ctx is cancelled.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// UPS polls an apcupsd network information server by running apcaccess
// against it and normalizing the status text.
type UPS struct {
	name    string
	command string
	addr    string
	run     CommandRunner
	logger  *slog.Logger
}

// NewUPS creates a UPS source for the given apcupsd endpoint.
func NewUPS(name string, cfg config.UPSConfig, logger *slog.Logger) *UPS {
	if logger == nil {
		logger = slog.Default()
	}
	return &UPS{
		name:    name,
		command: cfg.Command,
		addr:    cfg.Addr(),
		run:     ExecRunner,
		logger:  logger,
	}
}

// SetRunner replaces the command runner.
func (u *UPS) SetRunner(run CommandRunner) {
	u.run = run
}

// Poll runs "apcaccess -h host:port". A failed exec or non-zero exit is
// an [*Error]; malformed status lines only degrade the reading.
func (u *UPS) Poll(ctx context.Context) (reading.Reading, error) {
	out, err := u.run(ctx, u.command, "-h", u.addr)
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return reading.Reading{}, &Error{
			Sensor:   u.name,
			Op:       "apcaccess " + u.addr,
			Err:      err,
			ExitCode: code,
			Output:   strings.TrimSpace(string(out)),
		}
	}

	u.logger.Log(ctx, config.LevelTrace, "apcaccess output", "addr", u.addr, "output", string(out))

	r, malformed := reading.UPSStatus.Normalize(string(out))
	for _, line := range malformed {
		u.logger.Debug("malformed apcaccess line", "addr", u.addr, "line", line)
	}
	return r, nil
}
