// Package sqlite implements the local durable store: the virtual filesystem
// image persisted across runs, the cross-process boot lock, and recorded
// telemetry events. One SQLite file holds all three, migrated at open time.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
	"github.com/ewenmoss/grimoire/internal/platform/storage/sqlitemigrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the local SQLite-backed store. Construct with Open.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the local store at path and applies
// pending migrations. The clock is injected so lock staleness is testable.
func Open(path string, now func() time.Time) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "open local store", err)
	}
	// The modernc driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the lock and image tables.
	db.SetMaxOpenConns(1)

	if err := sqlitemigrate.ApplyMigrations(db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "migrate local store", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ImageNode is one persisted filesystem node. Data holds the node payload as
// JSON; directories persist with an empty object.
type ImageNode struct {
	Path string
	Kind string
	Data json.RawMessage
}

// SaveImage replaces the persisted filesystem image with the given nodes.
func (s *Store) SaveImage(ctx context.Context, nodes []ImageNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreRequestFailed, "begin image save", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM fs_image"); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreRequestFailed, "clear previous image", err)
	}

	savedAt := s.now().UTC().UnixMilli()
	for _, node := range nodes {
		data := node.Data
		if data == nil {
			data = json.RawMessage("{}")
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO fs_image (path, kind, data, saved_at) VALUES (?, ?, ?, ?)",
			node.Path, node.Kind, string(data), savedAt,
		); err != nil {
			return apperrors.WrapWithMetadata(apperrors.CodeStoreRequestFailed,
				"save image node", map[string]string{"path": node.Path}, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreRequestFailed, "commit image save", err)
	}
	return nil
}

// LoadImage returns the persisted filesystem image in path order. An empty
// result means a fresh install.
func (s *Store) LoadImage(ctx context.Context) ([]ImageNode, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, kind, data FROM fs_image ORDER BY path")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "load image", err)
	}
	defer rows.Close()

	var nodes []ImageNode
	for rows.Next() {
		var node ImageNode
		var data string
		if err := rows.Scan(&node.Path, &node.Kind, &data); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "scan image node", err)
		}
		node.Data = json.RawMessage(data)
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "iterate image nodes", err)
	}
	return nodes, nil
}

// TryAcquireLock attempts to take the named lock for holder. Acquisition is
// compare-and-swap: a fresh insert wins, and an existing row can only be
// taken over once it is older than staleAfter. Returns whether the lock is
// now held by holder.
func (s *Store) TryAcquireLock(ctx context.Context, name, holder string, staleAfter time.Duration) (bool, error) {
	nowMs := s.now().UTC().UnixMilli()

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO boot_locks (name, holder, acquired_at_ms) VALUES (?, ?, ?)",
		name, holder, nowMs,
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "insert boot lock", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}

	// Row exists. Refresh our own hold, or take over a stale one.
	cutoff := nowMs - staleAfter.Milliseconds()
	res, err = s.db.ExecContext(ctx,
		"UPDATE boot_locks SET holder = ?, acquired_at_ms = ? WHERE name = ? AND (holder = ? OR acquired_at_ms < ?)",
		holder, nowMs, name, holder, cutoff,
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "take over boot lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "check boot lock takeover", err)
	}
	return n > 0, nil
}

// ReleaseLock drops the named lock if holder still owns it. Releasing a lock
// someone else took over is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM boot_locks WHERE name = ? AND holder = ?", name, holder,
	); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreRequestFailed, "release boot lock", err)
	}
	return nil
}

// LockHolder reports who currently holds the named lock and since when.
func (s *Store) LockHolder(ctx context.Context, name string) (string, time.Time, error) {
	var holder string
	var acquiredMs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT holder, acquired_at_ms FROM boot_locks WHERE name = ?", name,
	).Scan(&holder, &acquiredMs)
	if err == sql.ErrNoRows {
		return "", time.Time{}, apperrors.WithMetadata(apperrors.CodeStoreNotFound,
			"lock not held", map[string]string{"lock": name})
	}
	if err != nil {
		return "", time.Time{}, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "query boot lock", err)
	}
	return holder, time.UnixMilli(acquiredMs).UTC(), nil
}

// Event is one recorded telemetry event.
type Event struct {
	ID         int64
	Name       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// AppendTelemetryEvent records a telemetry event. A zero CreatedAt is
// stamped with the store clock.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt Event) error {
	attributes := evt.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreBadPayload, "encode event attributes", err)
	}
	createdAt := evt.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO telemetry_events (name, attributes, created_at_ms) VALUES (?, ?, ?)",
		evt.Name, string(encoded), createdAt.UTC().UnixMilli(),
	); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreRequestFailed, "record telemetry event", err)
	}
	return nil
}

// Events returns recorded events in insertion order.
func (s *Store) Events(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, attributes, created_at_ms FROM telemetry_events ORDER BY id")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "load telemetry events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var attrs string
		var createdMs int64
		if err := rows.Scan(&event.ID, &event.Name, &attrs, &createdMs); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "scan telemetry event", err)
		}
		if err := json.Unmarshal([]byte(attrs), &event.Attributes); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStoreBadPayload, "decode event attributes", err)
		}
		event.CreatedAt = time.UnixMilli(createdMs).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "iterate telemetry events", err)
	}
	return events, nil
}
