// Package boot implements the application context: an explicit object owning
// the kernel, the update queue, the device set, and the local store, with an
// init/shutdown lifecycle. There is no package-level mutable state; tests
// and binaries construct as many independent instances as they need.
package boot

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ewenmoss/grimoire/internal/kernel"
	"github.com/ewenmoss/grimoire/internal/kernel/devices"
	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
	"github.com/ewenmoss/grimoire/internal/platform/id"
	"github.com/ewenmoss/grimoire/internal/platform/timeouts"
	"github.com/ewenmoss/grimoire/internal/queue"
	"github.com/ewenmoss/grimoire/internal/rules"
	"github.com/ewenmoss/grimoire/internal/sheet"
	"github.com/ewenmoss/grimoire/internal/store/sqlite"
	"github.com/ewenmoss/grimoire/internal/telemetry"
)

// State is the application boot state.
type State string

const (
	StateNotStarted   State = "not_started"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateFailed       State = "failed"
)

// bootLockName is the shared lock gating first-time initialization across
// processes sharing one local store.
const bootLockName = "boot"

// LocalStore is the durable local collaborator: image persistence, the boot
// lock, and telemetry. Satisfied by *sqlite.Store.
type LocalStore interface {
	SaveImage(ctx context.Context, nodes []sqlite.ImageNode) error
	LoadImage(ctx context.Context) ([]sqlite.ImageNode, error)
	TryAcquireLock(ctx context.Context, name, holder string, staleAfter time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holder string) error
	AppendTelemetryEvent(ctx context.Context, evt sqlite.Event) error
	Close() error
}

// Config carries the application's explicit dependencies.
type Config struct {
	// Rows is the remote row store. Required.
	Rows devices.RowStore
	// Local is the durable local store; nil disables image persistence and
	// the cross-process boot lock.
	Local LocalStore
	// Rules overrides the embedded rule set; nil loads the default.
	Rules *rules.Rules
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// CharacterTable overrides the remote table name. Defaults to "characters".
	CharacterTable string
	// LockWait, LockStale and LockPoll override the boot lock timings; zero
	// values take the shared defaults.
	LockWait  time.Duration
	LockStale time.Duration
	LockPoll  time.Duration
}

// App is one application instance. Construct with New, then Init before use.
type App struct {
	kernel  *kernel.Kernel
	queue   *queue.Queue
	rules   *rules.Rules
	rows    devices.RowStore
	local   LocalStore
	emitter *telemetry.Emitter
	now     func() time.Time
	tracer  trace.Tracer

	instanceID string
	table      string
	lockWait   time.Duration
	lockStale  time.Duration
	lockPoll   time.Duration

	devices []kernel.Device

	mu     sync.Mutex
	state  State
	loadMu sync.Mutex
}

// New builds an application context. The device set is constructed here and
// mounted during Init in dependency order.
func New(cfg Config) (*App, error) {
	if cfg.Rows == nil {
		return nil, apperrors.New(apperrors.CodeBootDeviceInit, "remote row store is required")
	}

	r := cfg.Rules
	if r == nil {
		loaded, err := rules.Load()
		if err != nil {
			return nil, err
		}
		r = loaded
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	instanceID, err := id.NewID()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate instance id", err)
	}

	table := cfg.CharacterTable
	if table == "" {
		table = "characters"
	}
	lockWait := cfg.LockWait
	if lockWait == 0 {
		lockWait = timeouts.BootLockWait
	}
	lockStale := cfg.LockStale
	if lockStale == 0 {
		lockStale = timeouts.BootLockStale
	}
	lockPoll := cfg.LockPoll
	if lockPoll == 0 {
		lockPoll = timeouts.BootLockPoll
	}

	a := &App{
		kernel:     kernel.New(),
		queue:      queue.New(),
		rules:      r,
		rows:       cfg.Rows,
		local:      cfg.Local,
		now:        now,
		tracer:     otel.Tracer("github.com/ewenmoss/grimoire/internal/boot"),
		instanceID: instanceID,
		table:      table,
		lockWait:   lockWait,
		lockStale:  lockStale,
		lockPoll:   lockPoll,
		state:      StateNotStarted,
	}
	if cfg.Local != nil {
		a.emitter = telemetry.NewEmitter(cfg.Local, now)
		prev := queue.StatusIdle
		a.queue.Subscribe(func(s queue.Stats) {
			if s.Status == queue.StatusError && prev != queue.StatusError {
				attrs := map[string]string{}
				if s.Err != nil {
					attrs["error"] = s.Err.Error()
				}
				_ = a.emitter.Emit(context.Background(), sqlite.Event{Name: "queue.task_failed", Attributes: attrs})
			}
			prev = s.Status
		})
	}

	a.devices = []kernel.Device{
		devices.NewStore(cfg.Rows),
		devices.NewAbility(r, now),
		devices.NewSkill(r, now),
		devices.NewCombat(r, now),
		devices.NewCondition(r, now),
		devices.NewBonus(r, now),
	}
	return a, nil
}

// State reports the current boot state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Queue exposes the update queue for status subscription.
func (a *App) Queue() *queue.Queue { return a.queue }

// Init brings the application to READY: acquires the cross-process boot
// lock, restores any persisted filesystem image, and mounts the capability
// devices in dependency order. Calling Init on an already-started app fails.
func (a *App) Init(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateNotStarted {
		state := a.state
		a.mu.Unlock()
		return apperrors.WithMetadata(apperrors.CodeBootAlreadyStarted,
			"application already started", map[string]string{"state": string(state)})
	}
	a.state = StateInitializing
	a.mu.Unlock()

	ctx, span := a.tracer.Start(ctx, "boot.init")
	defer span.End()
	started := a.now()

	err := a.initialize(ctx)

	a.mu.Lock()
	if err != nil {
		a.state = StateFailed
	} else {
		a.state = StateReady
	}
	a.mu.Unlock()
	if err == nil {
		a.writeProcStatus()
	}

	if err == nil && a.emitter != nil {
		_ = a.emitter.Emit(ctx, sqlite.Event{
			Name: "boot.ready",
			Attributes: map[string]string{
				"duration_ms": strconv.FormatInt(a.now().Sub(started).Milliseconds(), 10),
			},
		})
	}
	return err
}

func (a *App) initialize(ctx context.Context) error {
	held, err := a.acquireBootLock(ctx)
	if err != nil {
		return err
	}
	if held {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			_ = a.local.ReleaseLock(releaseCtx, bootLockName, a.instanceID)
		}()
	}

	for _, dir := range []string{"/entity", "/dev", "/proc/character"} {
		if errno := a.kernel.MkdirAll(dir); errno != kernel.OK {
			return errnoError("create filesystem skeleton", errno)
		}
	}

	if a.local != nil {
		if err := a.restoreImage(ctx); err != nil {
			return err
		}
	}

	ordered, err := resolveOrder(a.devices)
	if err != nil {
		return err
	}
	for _, dev := range ordered {
		if errno := a.kernel.Mount("/dev/"+dev.Name(), dev); errno != kernel.OK {
			return apperrors.WithMetadata(apperrors.CodeBootDeviceInit,
				"mount device", map[string]string{"device": dev.Name(), "errno": errno.String()})
		}
	}
	a.devices = ordered
	return nil
}

// InitWithTimeout races Init against a deadline.
func (a *App) InitWithTimeout(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := a.Init(ctx)
	if err != nil && ctx.Err() != nil {
		return apperrors.Wrap(apperrors.CodeBootTimeout, "initialization timed out", err)
	}
	return err
}

// acquireBootLock polls for the shared boot lock. After the bounded wait it
// gives up and proceeds without the lock, logging the decision; a crashed
// holder is taken over once its stamp goes stale.
func (a *App) acquireBootLock(ctx context.Context) (bool, error) {
	if a.local == nil {
		return false, nil
	}

	deadline := a.now().Add(a.lockWait)
	for {
		acquired, err := a.local.TryAcquireLock(ctx, bootLockName, a.instanceID, a.lockStale)
		if err != nil {
			return false, apperrors.Wrap(apperrors.CodeBootLockHeld, "acquire boot lock", err)
		}
		if acquired {
			return true, nil
		}
		if !a.now().Before(deadline) {
			log.Printf("boot: lock wait exhausted after %s, proceeding without lock", a.lockWait)
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, apperrors.Wrap(apperrors.CodeBootTimeout, "boot lock wait canceled", ctx.Err())
		case <-time.After(a.lockPoll):
		}
	}
}

// restoreImage reloads the persisted filesystem image. Entity payloads
// decode back into their concrete type so devices keep working after a
// restart; anything else restores as plain JSON data.
func (a *App) restoreImage(ctx context.Context) error {
	nodes, err := a.local.LoadImage(ctx)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		switch node.Kind {
		case kernel.KindDir.String():
			if errno := a.kernel.MkdirAll(node.Path); errno != kernel.OK {
				return errnoError("restore directory "+node.Path, errno)
			}
		case kernel.KindFile.String():
			data, err := decodeImagePayload(node)
			if err != nil {
				return err
			}
			if errno := a.kernel.MkdirAll(parentDir(node.Path)); errno != kernel.OK {
				return errnoError("restore parent of "+node.Path, errno)
			}
			if errno := a.kernel.Create(node.Path, data); errno != kernel.OK && errno != kernel.EEXIST {
				return errnoError("restore file "+node.Path, errno)
			}
		}
	}
	if len(nodes) > 0 {
		log.Printf("boot: restored %d filesystem nodes", len(nodes))
	}
	return nil
}

func decodeImagePayload(node sqlite.ImageNode) (any, error) {
	if strings.HasPrefix(node.Path, "/entity/") {
		var e sheet.Entity
		if err := json.Unmarshal(node.Data, &e); err != nil {
			return nil, apperrors.WrapWithMetadata(apperrors.CodeStoreBadPayload,
				"decode persisted entity", map[string]string{"path": node.Path}, err)
		}
		return &e, nil
	}
	var generic map[string]any
	if err := json.Unmarshal(node.Data, &generic); err != nil {
		return nil, apperrors.WrapWithMetadata(apperrors.CodeStoreBadPayload,
			"decode persisted node", map[string]string{"path": node.Path}, err)
	}
	return generic, nil
}

// persistImage saves the filesystem tree, excluding process records, which
// describe the live instance only.
func (a *App) persistImage(ctx context.Context) error {
	records := a.kernel.Snapshot()
	nodes := make([]sqlite.ImageNode, 0, len(records))
	for _, rec := range records {
		if strings.HasPrefix(rec.Path, "/proc") {
			continue
		}
		node := sqlite.ImageNode{Path: rec.Path, Kind: rec.Kind.String()}
		if rec.Data != nil {
			encoded, err := json.Marshal(rec.Data)
			if err != nil {
				return apperrors.WrapWithMetadata(apperrors.CodeStoreBadPayload,
					"encode filesystem node", map[string]string{"path": rec.Path}, err)
			}
			node.Data = encoded
		}
		nodes = append(nodes, node)
	}
	return a.local.SaveImage(ctx, nodes)
}

// Shutdown drains the queue, persists the filesystem image, tears down the
// kernel, and closes the local store. The app returns to NOT_STARTED.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := a.queue.Close(ctx); err != nil {
		firstErr = err
	}
	if a.local != nil {
		if err := a.persistImage(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.kernel.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil && firstErr == nil {
			firstErr = apperrors.Wrap(apperrors.CodeStoreUnavailable, "close local store", err)
		}
	}

	a.mu.Lock()
	a.state = StateNotStarted
	a.mu.Unlock()
	return firstErr
}

// errnoError lifts a kernel errno into a domain error for the boot layer.
func errnoError(op string, errno kernel.Errno) error {
	code := apperrors.CodeBootKernelFault
	switch errno {
	case kernel.ENOENT:
		code = apperrors.CodeNotFound
	case kernel.EAGAIN:
		code = apperrors.CodeStoreUnavailable
	}
	return apperrors.WithMetadata(code, op+" failed",
		map[string]string{"errno": errno.String()})
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
