package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
)

// fakeClock is an adjustable clock for lock staleness tests.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{current: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "grimoire.db"), clock.now)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestImageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	loaded, err := s.LoadImage(ctx)
	if err != nil {
		t.Fatalf("load empty image: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected fresh install, got %d nodes", len(loaded))
	}

	nodes := []ImageNode{
		{Path: "/entity", Kind: "dir"},
		{Path: "/entity/character-mirela-01", Kind: "file", Data: json.RawMessage(`{"id":"mirela-01","name":"Mirela Voss"}`)},
	}
	if err := s.SaveImage(ctx, nodes); err != nil {
		t.Fatalf("save image: %v", err)
	}

	loaded, err = s.LoadImage(ctx)
	if err != nil {
		t.Fatalf("load image: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(loaded))
	}
	if loaded[0].Path != "/entity" || loaded[0].Kind != "dir" {
		t.Fatalf("unexpected first node: %+v", loaded[0])
	}
	var row map[string]any
	if err := json.Unmarshal(loaded[1].Data, &row); err != nil {
		t.Fatalf("decode node data: %v", err)
	}
	if row["name"] != "Mirela Voss" {
		t.Fatalf("unexpected node payload: %+v", row)
	}

	// A later save replaces the whole image.
	if err := s.SaveImage(ctx, nodes[:1]); err != nil {
		t.Fatalf("resave image: %v", err)
	}
	loaded, err = s.LoadImage(ctx)
	if err != nil {
		t.Fatalf("reload image: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected replacement image with 1 node, got %d", len(loaded))
	}
}

func TestLockAcquireAndContention(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	acquired, err := s.TryAcquireLock(ctx, "boot", "proc-a", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected first acquire to win")
	}

	acquired, err = s.TryAcquireLock(ctx, "boot", "proc-b", 10*time.Second)
	if err != nil {
		t.Fatalf("contended acquire: %v", err)
	}
	if acquired {
		t.Fatal("expected contended acquire to lose while lock is fresh")
	}

	holder, _, err := s.LockHolder(ctx, "boot")
	if err != nil {
		t.Fatalf("lock holder: %v", err)
	}
	if holder != "proc-a" {
		t.Fatalf("expected proc-a to hold the lock, got %q", holder)
	}
}

func TestLockStaleTakeover(t *testing.T) {
	ctx := context.Background()
	s, clock := openTestStore(t)

	if _, err := s.TryAcquireLock(ctx, "boot", "proc-a", 10*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Just inside the stale window the lock still holds.
	clock.advance(9 * time.Second)
	acquired, err := s.TryAcquireLock(ctx, "boot", "proc-b", 10*time.Second)
	if err != nil {
		t.Fatalf("early takeover attempt: %v", err)
	}
	if acquired {
		t.Fatal("expected takeover to fail before the stale cutoff")
	}

	clock.advance(2 * time.Second)
	acquired, err = s.TryAcquireLock(ctx, "boot", "proc-b", 10*time.Second)
	if err != nil {
		t.Fatalf("stale takeover: %v", err)
	}
	if !acquired {
		t.Fatal("expected takeover of a stale lock to succeed")
	}

	holder, acquiredAt, err := s.LockHolder(ctx, "boot")
	if err != nil {
		t.Fatalf("lock holder: %v", err)
	}
	if holder != "proc-b" {
		t.Fatalf("expected proc-b after takeover, got %q", holder)
	}
	if !acquiredAt.Equal(clock.now()) {
		t.Fatalf("expected acquisition stamp %v, got %v", clock.now(), acquiredAt)
	}
}

func TestLockReleaseByHolderOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	if _, err := s.TryAcquireLock(ctx, "boot", "proc-a", 10*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A non-holder release is a no-op.
	if err := s.ReleaseLock(ctx, "boot", "proc-b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if holder, _, err := s.LockHolder(ctx, "boot"); err != nil || holder != "proc-a" {
		t.Fatalf("expected proc-a to still hold the lock, got %q (%v)", holder, err)
	}

	if err := s.ReleaseLock(ctx, "boot", "proc-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, _, err := s.LockHolder(ctx, "boot"); !apperrors.IsCode(err, apperrors.CodeStoreNotFound) {
		t.Fatalf("expected not-found after release, got %v", err)
	}

	// Lock is free again.
	acquired, err := s.TryAcquireLock(ctx, "boot", "proc-b", 10*time.Second)
	if err != nil || !acquired {
		t.Fatalf("expected reacquire to succeed, got %v (%v)", acquired, err)
	}
}

func TestLockReentryByHolder(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	for i := 0; i < 2; i++ {
		acquired, err := s.TryAcquireLock(ctx, "boot", "proc-a", 10*time.Second)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if !acquired {
			t.Fatalf("expected holder reacquire %d to succeed", i)
		}
	}
}

func TestTelemetryEvents(t *testing.T) {
	ctx := context.Background()
	s, clock := openTestStore(t)

	if err := s.AppendTelemetryEvent(ctx, Event{Name: "boot.ready", Attributes: map[string]string{"duration_ms": "412"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.advance(time.Second)
	if err := s.AppendTelemetryEvent(ctx, Event{Name: "queue.task_failed"}); err != nil {
		t.Fatalf("append second: %v", err)
	}

	events, err := s.Events(ctx)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != "boot.ready" || events[0].Attributes["duration_ms"] != "412" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Name != "queue.task_failed" || len(events[1].Attributes) != 0 {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if !events[1].CreatedAt.After(events[0].CreatedAt) {
		t.Fatalf("expected monotonic stamps, got %v then %v", events[0].CreatedAt, events[1].CreatedAt)
	}
}
