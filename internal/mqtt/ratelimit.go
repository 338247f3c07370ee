package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// inboundLimiter admits at most limit messages per window. Counters
// are atomic because paho may deliver from more than one goroutine.
type inboundLimiter struct {
	count   atomic.Int64
	dropped atomic.Int64
	limit   int64
	window  time.Duration
	logger  *slog.Logger
}

func newInboundLimiter(limit int64, logger *slog.Logger) *inboundLimiter {
	return &inboundLimiter{
		limit:  limit,
		window: time.Second,
		logger: logger,
	}
}

// run resets the window until ctx is cancelled, warning when the
// previous window dropped messages.
func (l *inboundLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reset()
		}
	}
}

func (l *inboundLimiter) reset() {
	count := l.count.Swap(0)
	if dropped := l.dropped.Swap(0); dropped > 0 {
		l.logger.Warn("inbound mqtt messages dropped",
			"received", count,
			"dropped", dropped,
			"limit_per_window", l.limit,
			"window", l.window,
		)
	}
}

func (l *inboundLimiter) allow() bool {
	if l.count.Add(1) > l.limit {
		l.dropped.Add(1)
		return false
	}
	return true
}
