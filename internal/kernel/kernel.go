// Package kernel implements the virtual kernel and filesystem that mediates
// all character state access. Entities and capability devices live at
// path-addressable nodes; every read, write, and control operation flows
// through integer file descriptors so that state mutation has a single,
// auditable interface.
//
// The kernel is a mechanism, not a lock manager: the node and descriptor
// tables are safe for concurrent use, but serializing access to a given
// entity across multi-step operations is the caller's responsibility.
package kernel

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
)

// FD is an integer handle to an open path.
type FD int

// Mode is the access mode requested at open time.
type Mode int

const (
	ModeRead      Mode = 1
	ModeWrite     Mode = 2
	ModeReadWrite Mode = ModeRead | ModeWrite
)

func (m Mode) canRead() bool  { return m&ModeRead != 0 }
func (m Mode) canWrite() bool { return m&ModeWrite != 0 }

func (m Mode) valid() bool {
	return m == ModeRead || m == ModeWrite || m == ModeReadWrite
}

// NodeKind distinguishes the three node types in the tree.
type NodeKind int

const (
	KindDir NodeKind = iota
	KindFile
	KindDevice
)

// String returns the kind name used in persisted images.
func (k NodeKind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	case KindDevice:
		return "device"
	}
	return "unknown"
}

// Cloner is implemented by stored data that must be copied on read. The
// filesystem hands out clones so two reads never alias the same mutable
// object; mutations become visible only through an explicit write.
type Cloner interface {
	CloneData() any
}

type node struct {
	kind NodeKind
	data any
	dev  Device
}

type descriptor struct {
	path string
	mode Mode
	node *node
}

// NodeRecord describes one node for image persistence.
type NodeRecord struct {
	Path string
	Kind NodeKind
	Data any
}

// Kernel is the virtual kernel instance. Construct with New; the zero value
// is not usable.
type Kernel struct {
	mu     sync.Mutex
	nodes  map[string]*node
	fds    map[FD]*descriptor
	nextFD FD
	mounts map[string]Device
}

// New creates a kernel with an empty tree rooted at "/".
func New() *Kernel {
	return &Kernel{
		nodes: map[string]*node{
			"/": {kind: KindDir},
		},
		fds:    make(map[FD]*descriptor),
		nextFD: 3, // historical courtesy: leave stdio numbers unused
		mounts: make(map[string]Device),
	}
}

func normalize(path string) (string, Errno) {
	if path == "" || !strings.HasPrefix(path, "/") {
		return "", EINVAL
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if strings.Contains(path, "//") {
		return "", EINVAL
	}
	return path, OK
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// Open resolves a path to a descriptor. Opening a missing non-device path
// fails with ENOENT except in write-only mode, which creates the file in
// place when the parent directory exists. Read-write mode requires the node
// to exist, so a mutation against an unloaded entity can never leave a
// phantom node behind.
func (k *Kernel) Open(path string, mode Mode) (FD, Errno) {
	path, errno := normalize(path)
	if errno != OK {
		return -1, errno
	}
	if !mode.valid() {
		return -1, EINVAL
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	n, ok := k.nodes[path]
	if !ok {
		if mode != ModeWrite {
			return -1, ENOENT
		}
		parent, ok := k.nodes[parentOf(path)]
		if !ok {
			return -1, ENOENT
		}
		if parent.kind != KindDir {
			return -1, ENOTDIR
		}
		n = &node{kind: KindFile}
		k.nodes[path] = n
	}
	if n.kind == KindDir {
		return -1, EISDIR
	}

	fd := k.nextFD
	k.nextFD++
	k.fds[fd] = &descriptor{path: path, mode: mode, node: n}
	return fd, OK
}

// lookup resolves a descriptor without holding the lock afterward, so
// device handlers can re-enter the kernel.
func (k *Kernel) lookup(fd FD, op string) (*descriptor, Errno) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.fds[fd]
	if !ok {
		log.Printf("kernel: %s on closed or unknown descriptor %d", op, fd)
		return nil, EBADF
	}
	return d, OK
}

// Read returns the data behind the descriptor. File reads return a deep
// clone, whether the payload implements Cloner or is generic JSON-shaped
// data; device reads delegate to the device's read handler, which returns
// response data prepared by an earlier write or ioctl.
func (k *Kernel) Read(ctx context.Context, fd FD) (any, Errno) {
	d, errno := k.lookup(fd, "read")
	if errno != OK {
		return nil, errno
	}
	if !d.mode.canRead() {
		return nil, EINVAL
	}

	if d.node.kind == KindDevice {
		reader, ok := d.node.dev.(DeviceReader)
		if !ok {
			return nil, EINVAL
		}
		return reader.DevRead(ctx)
	}

	k.mu.Lock()
	data := d.node.data
	k.mu.Unlock()
	return clonePayload(data), OK
}

// clonePayload deep-copies file data at the read boundary. Generic
// JSON-shaped payloads (proc records, restored image nodes) are copied
// structurally; anything else must implement Cloner or be immutable.
func clonePayload(data any) any {
	switch v := data.(type) {
	case Cloner:
		return v.CloneData()
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = clonePayload(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = clonePayload(val)
		}
		return out
	}
	return data
}

// Write replaces the data behind an entity descriptor, or delegates to a
// device's write handler.
func (k *Kernel) Write(ctx context.Context, fd FD, data any) Errno {
	d, errno := k.lookup(fd, "write")
	if errno != OK {
		return errno
	}
	if !d.mode.canWrite() {
		return EINVAL
	}

	if d.node.kind == KindDevice {
		writer, ok := d.node.dev.(DeviceWriter)
		if !ok {
			return EINVAL
		}
		return writer.DevWrite(ctx, data)
	}

	k.mu.Lock()
	d.node.data = data
	k.mu.Unlock()
	return OK
}

// Ioctl dispatches an out-of-band control request to a device descriptor.
func (k *Kernel) Ioctl(ctx context.Context, fd FD, req Request, arg any) Errno {
	d, errno := k.lookup(fd, "ioctl")
	if errno != OK {
		return errno
	}
	if d.node.kind != KindDevice {
		return ENODEV
	}
	ctrl, ok := d.node.dev.(DeviceController)
	if !ok {
		return EINVAL
	}
	return ctrl.DevIoctl(ctx, req, arg)
}

// Close releases a descriptor. Using it afterward returns EBADF.
func (k *Kernel) Close(fd FD) Errno {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.fds[fd]; !ok {
		log.Printf("kernel: close on closed or unknown descriptor %d", fd)
		return EBADF
	}
	delete(k.fds, fd)
	return OK
}

// Create adds a file node with the given data. The parent directory must
// already exist.
func (k *Kernel) Create(path string, data any) Errno {
	path, errno := normalize(path)
	if errno != OK {
		return errno
	}
	if path == "/" {
		return EEXIST
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.nodes[path]; ok {
		return EEXIST
	}
	parent, ok := k.nodes[parentOf(path)]
	if !ok {
		return ENOENT
	}
	if parent.kind != KindDir {
		return ENOTDIR
	}
	k.nodes[path] = &node{kind: KindFile, data: data}
	return OK
}

// Unlink removes a file node. Directories and mounted devices cannot be
// unlinked, and neither can a file with open descriptors.
func (k *Kernel) Unlink(path string) Errno {
	path, errno := normalize(path)
	if errno != OK {
		return errno
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	n, ok := k.nodes[path]
	if !ok {
		return ENOENT
	}
	if n.kind == KindDir {
		return EISDIR
	}
	if n.kind == KindDevice {
		return EBUSY
	}
	for _, d := range k.fds {
		if d.path == path {
			return EBUSY
		}
	}
	delete(k.nodes, path)
	return OK
}

// Exists reports whether a path resolves to a node.
func (k *Kernel) Exists(path string) bool {
	path, errno := normalize(path)
	if errno != OK {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.nodes[path]
	return ok
}

// Mkdir creates a directory node. The parent must exist.
func (k *Kernel) Mkdir(path string) Errno {
	path, errno := normalize(path)
	if errno != OK {
		return errno
	}
	if path == "/" {
		return EEXIST
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mkdirLocked(path)
}

func (k *Kernel) mkdirLocked(path string) Errno {
	if _, ok := k.nodes[path]; ok {
		return EEXIST
	}
	parent, ok := k.nodes[parentOf(path)]
	if !ok {
		return ENOENT
	}
	if parent.kind != KindDir {
		return ENOTDIR
	}
	k.nodes[path] = &node{kind: KindDir}
	return OK
}

// MkdirAll creates a directory and any missing ancestors, tolerating
// directories that already exist.
func (k *Kernel) MkdirAll(path string) Errno {
	path, errno := normalize(path)
	if errno != OK {
		return errno
	}
	if path == "/" {
		return OK
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	segments := strings.Split(path[1:], "/")
	current := ""
	for _, seg := range segments {
		current += "/" + seg
		if n, ok := k.nodes[current]; ok {
			if n.kind != KindDir {
				return ENOTDIR
			}
			continue
		}
		if errno := k.mkdirLocked(current); errno != OK {
			return errno
		}
	}
	return OK
}

// Mount binds a device at a path, creating missing parent directories, and
// hands the device its kernel back-reference.
func (k *Kernel) Mount(path string, dev Device) Errno {
	path, errno := normalize(path)
	if errno != OK {
		return errno
	}
	if dev == nil {
		return EINVAL
	}
	if errno := k.MkdirAll(parentOf(path)); errno != OK && errno != EEXIST {
		return errno
	}

	k.mu.Lock()
	if _, ok := k.nodes[path]; ok {
		k.mu.Unlock()
		return EEXIST
	}
	k.nodes[path] = &node{kind: KindDevice, dev: dev}
	k.mounts[path] = dev
	k.mu.Unlock()

	// OnMount runs outside the lock so the device may touch the kernel.
	dev.OnMount(k)
	return OK
}

// MountedDevices returns the mounted devices keyed by path.
func (k *Kernel) MountedDevices() map[string]Device {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]Device, len(k.mounts))
	for path, dev := range k.mounts {
		out[path] = dev
	}
	return out
}

// OpenCount reports the number of live descriptors. A non-zero count at
// shutdown means a caller leaked one.
func (k *Kernel) OpenCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.fds)
}

// Snapshot returns directory and file nodes in stable path order for image
// persistence. Device nodes are never persisted; they are remounted at boot.
func (k *Kernel) Snapshot() []NodeRecord {
	k.mu.Lock()
	defer k.mu.Unlock()

	records := make([]NodeRecord, 0, len(k.nodes))
	for path, n := range k.nodes {
		if n.kind == KindDevice || path == "/" {
			continue
		}
		records = append(records, NodeRecord{Path: path, Kind: n.kind, Data: n.data})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records
}

// Shutdown closes any descriptors still open (logging each leak), runs
// device unmount hooks, and clears the tables. The kernel is unusable
// afterward.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	for fd, d := range k.fds {
		log.Printf("kernel: descriptor %d (%s) leaked at shutdown", fd, d.path)
		delete(k.fds, fd)
	}
	mounts := make([]Device, 0, len(k.mounts))
	for _, dev := range k.mounts {
		mounts = append(mounts, dev)
	}
	k.mu.Unlock()

	var firstErr error
	for _, dev := range mounts {
		u, ok := dev.(Unmounter)
		if !ok {
			continue
		}
		if err := u.OnUnmount(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	k.mu.Lock()
	k.nodes = map[string]*node{"/": {kind: KindDir}}
	k.mounts = make(map[string]Device)
	k.mu.Unlock()
	return firstErr
}
