package devices

import (
	"context"
	"sync"

	"github.com/ewenmoss/grimoire/internal/kernel"
)

// RowStore is the remote collaborator behind the store bridge. The boot layer
// wires the HTTP implementation; tests wire fakes.
type RowStore interface {
	Fetch(ctx context.Context, table, id string) (map[string]any, error)
	Upsert(ctx context.Context, table string, row map[string]any) error
}

// FetchRow asks the bridge to fetch one row. The row arrives on the next
// read of the device descriptor.
type FetchRow struct {
	Table string
	ID    string
}

// UpsertRow asks the bridge to write one row back.
type UpsertRow struct {
	Table string
	Row   map[string]any
}

// Store bridges the kernel to the remote row store. Requests are written to
// the device descriptor and responses read back from it, pairing each read
// with the most recent write on that device.
type Store struct {
	rows RowStore

	mu       sync.Mutex
	response map[string]any
	errno    kernel.Errno
	pending  bool
}

// NewStore builds the store bridge over the given row store.
func NewStore(rows RowStore) *Store {
	return &Store{rows: rows}
}

func (d *Store) Name() string           { return "store" }
func (d *Store) DependsOn() []string    { return nil }
func (d *Store) OnMount(*kernel.Kernel) {}

// DevWrite performs the requested remote call and stashes the outcome for
// the next read.
func (d *Store) DevWrite(ctx context.Context, data any) kernel.Errno {
	if d.rows == nil {
		return kernel.ENODEV
	}

	switch req := data.(type) {
	case FetchRow:
		if req.Table == "" || req.ID == "" {
			return kernel.EINVAL
		}
		row, err := d.rows.Fetch(ctx, req.Table, req.ID)
		d.stash(row, kernel.FromError(err))
		return kernel.OK
	case UpsertRow:
		if req.Table == "" || req.Row == nil {
			return kernel.EINVAL
		}
		err := d.rows.Upsert(ctx, req.Table, req.Row)
		d.stash(nil, kernel.FromError(err))
		return kernel.OK
	}
	return kernel.EINVAL
}

// DevRead returns the outcome of the most recent write. Reading with no
// request outstanding returns EAGAIN; each outcome is consumed once.
func (d *Store) DevRead(ctx context.Context) (any, kernel.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending {
		return nil, kernel.EAGAIN
	}
	row, errno := d.response, d.errno
	d.response, d.errno, d.pending = nil, kernel.OK, false
	if errno != kernel.OK {
		return nil, errno
	}
	return row, kernel.OK
}

// DevIoctl accepts INITIALIZE as a connectivity check, plus GET_CHARACTER
// and SET_CHARACTER as control-channel forms of the write/read cycle: the
// call runs immediately and its outcome lands on the next read.
func (d *Store) DevIoctl(ctx context.Context, req kernel.Request, arg any) kernel.Errno {
	if d.rows == nil {
		return kernel.ENODEV
	}
	switch req {
	case kernel.ReqInitialize:
		return kernel.OK
	case kernel.ReqGetCharacter:
		if _, ok := arg.(FetchRow); !ok {
			return kernel.EINVAL
		}
		return d.DevWrite(ctx, arg)
	case kernel.ReqSetCharacter:
		if _, ok := arg.(UpsertRow); !ok {
			return kernel.EINVAL
		}
		return d.DevWrite(ctx, arg)
	}
	return kernel.EINVAL
}

func (d *Store) stash(row map[string]any, errno kernel.Errno) {
	d.mu.Lock()
	d.response, d.errno, d.pending = row, errno, true
	d.mu.Unlock()
}
