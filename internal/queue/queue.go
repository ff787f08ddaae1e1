// Package queue implements the keyed optimistic update queue: per-key FIFO
// execution of mutation tasks with synchronous optimistic application,
// rollback on failure, and aggregate status broadcast for UI feedback.
//
// Tasks sharing a key never execute concurrently; independent keys overlap
// freely, so hit points and consumables can sync in parallel while two rapid
// mutations of the same field stay strictly ordered.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
)

// Status is the aggregate queue state broadcast to subscribers.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusOffline    Status = "offline"
)

// Task is one queued mutation. Optimistic runs synchronously during Enqueue
// so local state updates before the remote call confirms; Rollback must
// exactly undo Optimistic and must not itself contact the network.
type Task struct {
	Key        string
	Execute    func(ctx context.Context) error
	Optimistic func()
	Rollback   func()
}

// Stats is the aggregate snapshot delivered to subscribers. Pending counts
// every not-yet-settled task, including the ones currently executing.
type Stats struct {
	Pending int
	Status  Status
	Err     error
}

// Result tracks one enqueued task through to settlement.
type Result struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task settles or the context expires. It returns the
// task's failure (rollback already applied) or nil on commit.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type item struct {
	task   Task
	result *Result
}

type subscriber struct {
	id int
	fn func(Stats)
}

// Queue is the keyed serializing task queue. Construct with New.
type Queue struct {
	settle time.Duration

	// admitMu orders task admission: the optimistic apply and the chain
	// append happen atomically with respect to other Enqueue calls, so
	// optimistic mutations land in the same order their tasks execute.
	admitMu sync.Mutex

	mu          sync.Mutex
	chains      map[string][]*item
	active      map[string]bool
	executing   int
	pending     int
	offline     bool
	lastErr     error
	successOn   bool
	successTick *time.Timer
	closed      bool
	drains      sync.WaitGroup

	// notifyMu serializes subscriber callbacks so status updates arrive in a
	// consistent order even when independent keys settle together.
	notifyMu sync.Mutex
	subs     []subscriber
	nextSub  int
}

// Option adjusts queue construction.
type Option func(*Queue)

// WithSettleDelay sets how long a drained queue reports success before
// settling back to idle.
func WithSettleDelay(d time.Duration) Option {
	return func(q *Queue) { q.settle = d }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		settle: 1200 * time.Millisecond,
		chains: make(map[string][]*item),
		active: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates the task, applies its optimistic mutation synchronously,
// and appends it behind any in-flight task for the same key. The returned
// Result settles when the task commits or rolls back.
func (q *Queue) Enqueue(task Task) (*Result, error) {
	if task.Key == "" {
		return nil, apperrors.New(apperrors.CodeQueueEmptyKey, "task key is required")
	}
	if task.Execute == nil {
		return nil, apperrors.WithMetadata(apperrors.CodeQueueNilExecute,
			"task has no execute function", map[string]string{"key": task.Key})
	}

	q.admitMu.Lock()
	defer q.admitMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeQueueClosed, "queue is closed")
	}
	// A new mutation supersedes any sticky error or lingering success flash.
	q.lastErr = nil
	q.successOn = false
	if q.successTick != nil {
		q.successTick.Stop()
		q.successTick = nil
	}
	q.pending++
	q.mu.Unlock()

	if task.Optimistic != nil {
		task.Optimistic()
	}

	it := &item{task: task, result: &Result{done: make(chan struct{})}}

	q.mu.Lock()
	q.chains[task.Key] = append(q.chains[task.Key], it)
	if !q.active[task.Key] {
		q.active[task.Key] = true
		q.drains.Add(1)
		go q.drain(task.Key)
	}
	q.mu.Unlock()

	q.broadcast()
	return it.result, nil
}

// drain executes the FIFO chain for one key until it empties.
func (q *Queue) drain(key string) {
	defer q.drains.Done()
	for {
		q.mu.Lock()
		items := q.chains[key]
		if len(items) == 0 {
			delete(q.chains, key)
			delete(q.active, key)
			q.mu.Unlock()
			return
		}
		it := items[0]
		q.chains[key] = items[1:]
		q.executing++
		q.mu.Unlock()

		q.broadcast()

		err := q.run(it)

		q.mu.Lock()
		q.executing--
		q.pending--
		if err != nil {
			q.lastErr = err
		} else if q.pending == 0 && q.lastErr == nil {
			q.successOn = true
			q.armSettleLocked()
		}
		q.mu.Unlock()

		it.result.err = err
		close(it.result.done)
		q.broadcast()
	}
}

// run executes one task, invoking rollback on failure. Panics in either
// function are contained so one bad task cannot stall the drain loop.
func (q *Queue) run(it *item) error {
	execErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("queue: task %q panicked: %v", it.task.Key, r)
				err = apperrors.WithMetadata(apperrors.CodeQueueTaskFailed,
					"task panicked during execution", map[string]string{"key": it.task.Key})
			}
		}()
		return it.task.Execute(context.Background())
	}()
	if execErr == nil {
		return nil
	}

	if it.task.Rollback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("queue: rollback for task %q panicked: %v", it.task.Key, r)
				}
			}()
			it.task.Rollback()
		}()
	}

	if apperrors.GetCode(execErr) != apperrors.CodeUnknown {
		return execErr
	}
	return apperrors.WrapWithMetadata(apperrors.CodeQueueTaskFailed,
		"task execution failed", map[string]string{"key": it.task.Key}, execErr)
}

// armSettleLocked schedules the success→idle transition. Callers hold q.mu.
func (q *Queue) armSettleLocked() {
	if q.successTick != nil {
		q.successTick.Stop()
	}
	q.successTick = time.AfterFunc(q.settle, func() {
		q.mu.Lock()
		flip := q.successOn && q.pending == 0 && q.lastErr == nil
		if flip {
			q.successOn = false
		}
		q.mu.Unlock()
		if flip {
			q.broadcast()
		}
	})
}

// SetOffline forces the offline status while set, without pausing execution;
// tasks already queued still run and settle.
func (q *Queue) SetOffline(offline bool) {
	q.mu.Lock()
	changed := q.offline != offline
	q.offline = offline
	q.mu.Unlock()
	if changed {
		q.broadcast()
	}
}

// Stats returns the current aggregate snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: q.pending, Status: q.statusLocked(), Err: q.lastErr}
}

func (q *Queue) statusLocked() Status {
	switch {
	case q.offline:
		return StatusOffline
	case q.executing > 0:
		return StatusProcessing
	case q.pending > 0:
		return StatusPending
	case q.lastErr != nil:
		return StatusError
	case q.successOn:
		return StatusSuccess
	default:
		return StatusIdle
	}
}

// Subscribe registers a callback invoked on every status or pending-count
// change. The returned function unsubscribes.
func (q *Queue) Subscribe(fn func(Stats)) func() {
	q.notifyMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs = append(q.subs, subscriber{id: id, fn: fn})
	q.notifyMu.Unlock()

	return func() {
		q.notifyMu.Lock()
		defer q.notifyMu.Unlock()
		for i, sub := range q.subs {
			if sub.id == id {
				q.subs = append(q.subs[:i], q.subs[i+1:]...)
				return
			}
		}
	}
}

func (q *Queue) broadcast() {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	stats := q.Stats()
	for _, sub := range q.subs {
		sub.fn(stats)
	}
}

// Close rejects further enqueues and waits for every in-flight chain to
// drain, bounded by the context.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	if q.successTick != nil {
		q.successTick.Stop()
		q.successTick = nil
	}
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.drains.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.CodeQueueClosed, "queue drain interrupted", ctx.Err())
	}
}
