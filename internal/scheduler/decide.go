package scheduler

import (
	"time"

	"github.com/randomstring/MQTTsensord/internal/reading"
)

// Decide returns whether r should be published and the state that
// results. It performs no I/O.
//
// A reading is published when it differs from the last published one,
// when nothing has been published yet, or when at least UpdateInterval
// has elapsed since the last publish. An UpdateInterval of zero
// therefore publishes every poll. Suppression only records r as the
// last normalized reading.
func Decide(state SensorState, r reading.Reading, now time.Time) (bool, SensorState) {
	next := state
	next.LastNormalized = r
	next.HasNormalized = true

	publish := !state.HasPublished ||
		!r.Equal(state.LastPublished) ||
		now.Sub(state.LastPublishedTime) >= state.UpdateInterval

	if publish {
		next.LastPublished = r
		next.HasPublished = true
		next.LastPublishedTime = now
	}
	return publish, next
}
