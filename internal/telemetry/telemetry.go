// Package telemetry records operational events — boot phase durations,
// queue failures — into the local store. These are system-health breadcrumbs,
// kept separate from character state and from the opt-in trace exporter.
package telemetry

import (
	"context"
	"time"

	"github.com/ewenmoss/grimoire/internal/store/sqlite"
)

// EventStore persists telemetry events.
type EventStore interface {
	AppendTelemetryEvent(ctx context.Context, evt sqlite.Event) error
}

// Emitter writes telemetry events to a store. A nil emitter or a nil store
// drops events silently so call sites never need to guard.
type Emitter struct {
	store EventStore
	clock func() time.Time
}

// NewEmitter builds an emitter over the given store. A nil clock falls back
// to time.Now.
func NewEmitter(store EventStore, clock func() time.Time) *Emitter {
	return &Emitter{store: store, clock: clock}
}

// Emit records one event, stamping it with the emitter clock when the event
// carries no timestamp of its own.
func (e *Emitter) Emit(ctx context.Context, evt sqlite.Event) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		clock := e.clock
		if clock == nil {
			clock = time.Now
		}
		evt.CreatedAt = clock()
	}
	return e.store.AppendTelemetryEvent(ctx, evt)
}
