package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOptimisticAppliedBeforeSettlementAndRolledBack(t *testing.T) {
	q := New(WithSettleDelay(10 * time.Millisecond))
	hp := 10
	gate := make(chan struct{})

	res, err := q.Enqueue(Task{
		Key: "resource/7/hp",
		Execute: func(ctx context.Context) error {
			<-gate
			return errors.New("network down")
		},
		Optimistic: func() { hp = 5 },
		Rollback:   func() { hp = 10 },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The optimistic value is visible the moment Enqueue returns.
	if hp != 5 {
		t.Fatalf("expected optimistic hp 5, got %d", hp)
	}

	close(gate)
	if err := res.Wait(waitCtx(t)); !apperrors.IsCode(err, apperrors.CodeQueueTaskFailed) {
		t.Fatalf("expected task-failed, got %v", err)
	}
	if hp != 10 {
		t.Fatalf("expected rollback to hp 10, got %d", hp)
	}
	if got := q.Stats(); got.Status != StatusError || got.Err == nil {
		t.Fatalf("expected sticky error status, got %+v", got)
	}
}

func TestSameKeySerializes(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))
	bombs := 5
	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})

	first, err := q.Enqueue(Task{
		Key: "resource/3/bombs",
		Execute: func(ctx context.Context) error {
			<-gate
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			return nil
		},
		Optimistic: func() { bombs-- },
	})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := q.Enqueue(Task{
		Key: "resource/3/bombs",
		Execute: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			return nil
		},
		Optimistic: func() { bombs-- },
	})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	// The second optimistic update built on the first one's value.
	if bombs != 3 {
		t.Fatalf("expected bombs 3 after both optimistic updates, got %d", bombs)
	}

	close(gate)
	if err := first.Wait(waitCtx(t)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := second.Wait(waitCtx(t)); err != nil {
		t.Fatalf("second: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected strict FIFO execution, got %v", order)
	}
	if bombs != 3 {
		t.Fatalf("expected bombs 3, got %d", bombs)
	}
}

func TestConcurrentEnqueuesKeepOptimisticOrder(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))
	const workers = 16

	var mu sync.Mutex
	var optimistic []int
	var executed []int

	start := make(chan struct{})
	var launched sync.WaitGroup
	results := make([]*Result, workers)
	for i := 0; i < workers; i++ {
		launched.Add(1)
		go func(n int) {
			defer launched.Done()
			<-start
			res, err := q.Enqueue(Task{
				Key: "resource/7/hp",
				Optimistic: func() {
					mu.Lock()
					optimistic = append(optimistic, n)
					mu.Unlock()
				},
				Execute: func(ctx context.Context) error {
					mu.Lock()
					executed = append(executed, n)
					mu.Unlock()
					return nil
				},
			})
			if err != nil {
				t.Errorf("enqueue %d: %v", n, err)
				return
			}
			results[n] = res
		}(i)
	}
	close(start)
	launched.Wait()

	for _, res := range results {
		if res == nil {
			t.Fatal("missing result")
		}
		if err := res.Wait(waitCtx(t)); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(optimistic) != workers || len(executed) != workers {
		t.Fatalf("expected %d entries each, got %d optimistic / %d executed",
			workers, len(optimistic), len(executed))
	}
	// Whatever admission order the scheduler produced, the optimistic
	// mutations and the executions must agree on it.
	for i := range optimistic {
		if optimistic[i] != executed[i] {
			t.Fatalf("optimistic order %v diverges from execution order %v", optimistic, executed)
		}
	}
}

func TestIndependentKeysOverlap(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))
	bothRunning := make(chan struct{})
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	go func() {
		started.Wait()
		close(bothRunning)
	}()

	blockingTask := func(key string) Task {
		return Task{
			Key: key,
			Execute: func(ctx context.Context) error {
				started.Done()
				<-release
				return nil
			},
		}
	}

	r1, err := q.Enqueue(blockingTask("resource/7/hp"))
	if err != nil {
		t.Fatalf("enqueue hp: %v", err)
	}
	r2, err := q.Enqueue(blockingTask("resource/7/bombs"))
	if err != nil {
		t.Fatalf("enqueue bombs: %v", err)
	}

	select {
	case <-bothRunning:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks with independent keys did not overlap")
	}

	close(release)
	if err := r1.Wait(waitCtx(t)); err != nil {
		t.Fatalf("hp task: %v", err)
	}
	if err := r2.Wait(waitCtx(t)); err != nil {
		t.Fatalf("bombs task: %v", err)
	}
}

func TestFailureDoesNotStallChain(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))
	value := 0

	failing, err := q.Enqueue(Task{
		Key:     "resource/1/hp",
		Execute: func(ctx context.Context) error { return errors.New("boom") },
		Rollback: func() {
			panic("rollback gone wrong")
		},
	})
	if err != nil {
		t.Fatalf("enqueue failing: %v", err)
	}
	following, err := q.Enqueue(Task{
		Key:     "resource/1/hp",
		Execute: func(ctx context.Context) error { value = 42; return nil },
	})
	if err != nil {
		t.Fatalf("enqueue following: %v", err)
	}

	if err := failing.Wait(waitCtx(t)); err == nil {
		t.Fatal("expected failing task to report an error")
	}
	if err := following.Wait(waitCtx(t)); err != nil {
		t.Fatalf("following task: %v", err)
	}
	if value != 42 {
		t.Fatal("expected the chain to keep draining after a panicking rollback")
	}
}

func TestStatusTransitions(t *testing.T) {
	q := New(WithSettleDelay(5 * time.Millisecond))

	var mu sync.Mutex
	var seen []Status
	unsubscribe := q.Subscribe(func(s Stats) {
		mu.Lock()
		if len(seen) == 0 || seen[len(seen)-1] != s.Status {
			seen = append(seen, s.Status)
		}
		mu.Unlock()
	})
	defer unsubscribe()

	res, err := q.Enqueue(Task{
		Key:     "resource/9/hp",
		Execute: func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := res.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := len(seen) > 0 && seen[len(seen)-1] == StatusIdle
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			mu.Lock()
			t.Fatalf("never settled to idle; observed %v", seen)
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	sawBusy, sawSuccess := false, false
	for _, s := range seen {
		if s == StatusPending || s == StatusProcessing {
			sawBusy = true
		}
		if s == StatusSuccess {
			sawSuccess = true
		}
		if s == StatusError || s == StatusOffline {
			t.Fatalf("unexpected status %s in %v", s, seen)
		}
	}
	if !sawBusy || !sawSuccess {
		t.Fatalf("expected pending/processing then success before idle, observed %v", seen)
	}
}

func TestErrorClearsOnNextEnqueue(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))

	failed, err := q.Enqueue(Task{
		Key:     "resource/2/hp",
		Execute: func(ctx context.Context) error { return errors.New("boom") },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_ = failed.Wait(waitCtx(t))
	if got := q.Stats().Status; got != StatusError {
		t.Fatalf("expected error status, got %s", got)
	}

	ok, err := q.Enqueue(Task{
		Key:     "resource/2/hp",
		Execute: func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := ok.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for q.Stats().Status != StatusIdle {
		select {
		case <-deadline:
			t.Fatalf("expected idle after recovery, got %s", q.Stats().Status)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestOfflineOverridesEverything(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))
	q.SetOffline(true)

	if got := q.Stats().Status; got != StatusOffline {
		t.Fatalf("expected offline, got %s", got)
	}

	res, err := q.Enqueue(Task{
		Key:     "resource/4/hp",
		Execute: func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := q.Stats().Status; got != StatusOffline {
		t.Fatalf("expected offline while set, got %s", got)
	}
	if err := res.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}

	q.SetOffline(false)
	if got := q.Stats().Status; got == StatusOffline {
		t.Fatal("expected offline to clear")
	}
}

func TestPendingCount(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))
	release := make(chan struct{})

	var results []*Result
	for i := 0; i < 3; i++ {
		res, err := q.Enqueue(Task{
			Key: "resource/5/hp",
			Execute: func(ctx context.Context) error {
				<-release
				return nil
			},
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		results = append(results, res)
	}

	if got := q.Stats().Pending; got != 3 {
		t.Fatalf("expected 3 pending, got %d", got)
	}

	close(release)
	for i, res := range results {
		if err := res.Wait(waitCtx(t)); err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}
	if got := q.Stats().Pending; got != 0 {
		t.Fatalf("expected 0 pending, got %d", got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := New()

	_, err := q.Enqueue(Task{Execute: func(ctx context.Context) error { return nil }})
	if !apperrors.IsCode(err, apperrors.CodeQueueEmptyKey) {
		t.Fatalf("expected empty-key, got %v", err)
	}

	_, err = q.Enqueue(Task{Key: "resource/1/hp"})
	if !apperrors.IsCode(err, apperrors.CodeQueueNilExecute) {
		t.Fatalf("expected nil-execute, got %v", err)
	}
}

func TestCloseRejectsAndDrains(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))
	ran := false

	res, err := q.Enqueue(Task{
		Key:     "resource/6/hp",
		Execute: func(ctx context.Context) error { ran = true; return nil },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Close(waitCtx(t)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := res.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !ran {
		t.Fatal("expected queued task to run before close returned")
	}

	_, err = q.Enqueue(Task{
		Key:     "resource/6/hp",
		Execute: func(ctx context.Context) error { return nil },
	})
	if !apperrors.IsCode(err, apperrors.CodeQueueClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	q := New(WithSettleDelay(time.Millisecond))

	var mu sync.Mutex
	calls := 0
	unsubscribe := q.Subscribe(func(Stats) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	unsubscribe()

	res, err := q.Enqueue(Task{
		Key:     "resource/8/hp",
		Execute: func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := res.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no notifications after unsubscribe, got %d", calls)
	}
}
