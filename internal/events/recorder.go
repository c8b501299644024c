// Package events gives every engine one way to record what happened: an
// event is appended to the theatre's event log and handed to the realtime
// publisher in a single call. The Kernel is the exception — its events are
// appended inside the delta transaction and only the publish half runs
// here.
package events

import (
	"context"

	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/models"
)

// Appender is the narrow storage contract for the event log.
type Appender interface {
	AppendEvents(ctx context.Context, events []models.Event) error
}

// Publisher hands events to realtime fanout. Implementations must not
// block; a slow subscriber is the fanout layer's problem, never the
// producing engine's.
type Publisher interface {
	Publish(events []models.Event)
}

// NopPublisher discards events; used when realtime is not wired (tests,
// offline tools).
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish([]models.Event) {}

// Recorder couples the append and the publish.
type Recorder struct {
	appender Appender
	pub      Publisher
}

// NewRecorder constructs a Recorder. pub may be nil.
func NewRecorder(appender Appender, pub Publisher) *Recorder {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Recorder{appender: appender, pub: pub}
}

// Record appends evs to the event log, then publishes them. An append
// failure is logged and the publish skipped — the caller's own state
// change has already committed, and the event log is an append-only
// journal, not a second source of truth for current state.
func (r *Recorder) Record(ctx context.Context, evs ...models.Event) {
	if len(evs) == 0 {
		return
	}
	if err := r.appender.AppendEvents(ctx, evs); err != nil {
		logging.Error().Err(err).Int("count", len(evs)).Msg("event log append failed")
		return
	}
	r.pub.Publish(evs)
}

// Publish hands already-persisted events to the realtime layer (the
// Kernel path, where the append happened inside the delta transaction).
func (r *Recorder) Publish(evs []models.Event) {
	r.pub.Publish(evs)
}
