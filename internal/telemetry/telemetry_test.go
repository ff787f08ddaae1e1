package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/ewenmoss/grimoire/internal/store/sqlite"
)

type fakeEventStore struct {
	last  sqlite.Event
	count int
}

func (s *fakeEventStore) AppendTelemetryEvent(ctx context.Context, evt sqlite.Event) error {
	s.last = evt
	s.count++
	return nil
}

func TestEmitterNoopWhenNil(t *testing.T) {
	var emitter *Emitter
	if err := emitter.Emit(context.Background(), sqlite.Event{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestEmitterNoopWhenStoreNil(t *testing.T) {
	emitter := &Emitter{}
	if err := emitter.Emit(context.Background(), sqlite.Event{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestEmitterAddsTimestamp(t *testing.T) {
	store := &fakeEventStore{}
	clockTime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	emitter := NewEmitter(store, func() time.Time { return clockTime })

	if err := emitter.Emit(context.Background(), sqlite.Event{Name: "boot.ready"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if store.count != 1 {
		t.Fatalf("expected 1 event, got %d", store.count)
	}
	if !store.last.CreatedAt.Equal(clockTime) {
		t.Fatalf("expected timestamp %v, got %v", clockTime, store.last.CreatedAt)
	}
}

func TestEmitterPreservesTimestamp(t *testing.T) {
	store := &fakeEventStore{}
	clockTime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	setTime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	emitter := NewEmitter(store, func() time.Time { return clockTime })

	if err := emitter.Emit(context.Background(), sqlite.Event{Name: "boot.ready", CreatedAt: setTime}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !store.last.CreatedAt.Equal(setTime) {
		t.Fatalf("expected timestamp %v, got %v", setTime, store.last.CreatedAt)
	}
}

func TestEmitterUsesTimeNowWhenClockNil(t *testing.T) {
	store := &fakeEventStore{}
	emitter := NewEmitter(store, nil)

	if err := emitter.Emit(context.Background(), sqlite.Event{Name: "boot.ready"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if store.last.CreatedAt.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}
