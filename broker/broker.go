// Package broker owns every shared, reference-counted device object.
//
// A handle exists on the device iff its reference count is at least
// one. Acquire on a miss inserts a pending entry and creates the object
// outside the broker lock; concurrent acquirers of the same key join
// the pending entry and wait for its ready signal instead of creating
// a second object. If creation fails every waiter sees the error and
// nothing is cached.
//
// Only the holder whose release takes the count to zero destroys the
// object. The entry is unlinked under the lock first, so a concurrent
// acquire of the same key creates a fresh object rather than reviving
// one being torn down.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/compute"
	"github.com/frobware/go-offload/interpreter"
)

// Kind is the kind of shared object.
type Kind int

const (
	KindRewrite Kind = iota
	KindCounter
	KindQueuePair
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindRewrite:
		return "rewrite"
	case KindCounter:
		return "counter"
	case KindQueuePair:
		return "queue_pair"
	case KindMapping:
		return "mapping"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Kinds lists every kind, in display order.
var Kinds = []Kind{KindRewrite, KindCounter, KindQueuePair, KindMapping}

type key struct {
	kind    Kind
	device  offload.DeviceID
	static  bool
	content string
}

type entry struct {
	key   key
	refs  int
	ready chan struct{}
	// id and err are written once, before ready is closed.
	id  offload.ObjectID
	err error
	// dropped is set when the device went away; releases become no-ops.
	dropped bool
}

// Handle is an opaque reference obtained from Acquire. It must be
// released exactly once.
type Handle struct {
	e        *entry
	released atomic.Bool
}

// ID is the device object the handle refers to.
func (h *Handle) ID() offload.ObjectID { return h.e.id }

// Kind is the kind of object the handle refers to.
func (h *Handle) Kind() Kind { return h.e.key.kind }

// Device is the device that owns the object.
func (h *Handle) Device() offload.DeviceID { return h.e.key.device }

// HandleInfo describes one live entry.
type HandleInfo struct {
	Kind    Kind             `json:"kind"`
	Device  offload.DeviceID `json:"device"`
	Static  bool             `json:"static,omitempty"`
	Content string           `json:"content"`
	ID      offload.ObjectID `json:"id"`
	Refs    int              `json:"refs"`
}

// Broker hands out shared device objects.
type Broker struct {
	mu       sync.Mutex
	entries  map[key]*entry
	backends map[offload.DeviceID]interpreter.ResourceBackend
	pinned   []*Handle
	seq      atomic.Uint64
	logger   *slog.Logger
}

// New creates an empty broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		entries:  make(map[key]*entry),
		backends: make(map[offload.DeviceID]interpreter.ResourceBackend),
		logger:   logger.With("component", "broker"),
	}
}

// Register makes a device's backend available to Acquire.
func (b *Broker) Register(device offload.DeviceID, backend interpreter.ResourceBackend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backends[device] = backend
}

// AcquireRewrite returns the header rewrite context with the request's
// content. Static and dynamic contexts never share an object even when
// their content is identical.
func (b *Broker) AcquireRewrite(ctx context.Context, device offload.DeviceID, req compute.RewriteRequest) (*Handle, error) {
	k := key{kind: KindRewrite, device: device, static: req.Static, content: req.Key()}
	fields := append([]offload.FieldRewrite(nil), req.Fields...)
	return b.acquire(ctx, k, func(ctx context.Context, be interpreter.ResourceBackend) (offload.ObjectID, error) {
		return be.CreateRewrite(ctx, fields)
	})
}

// AcquireCounter allocates a counter. Counters are never shared.
func (b *Broker) AcquireCounter(ctx context.Context, device offload.DeviceID) (*Handle, error) {
	k := key{kind: KindCounter, device: device, content: fmt.Sprintf("#%d", b.seq.Add(1))}
	return b.acquire(ctx, k, func(ctx context.Context, be interpreter.ResourceBackend) (offload.ObjectID, error) {
		return be.AllocCounter(ctx)
	})
}

// AcquireQueuePair returns the fast-path queue pair towards
// (peer port, prio), negotiating it on first use.
func (b *Broker) AcquireQueuePair(ctx context.Context, device offload.DeviceID, req compute.HairpinRequest) (*Handle, error) {
	k := key{kind: KindQueuePair, device: device, content: fmt.Sprintf("%d/%d", req.PeerPort, req.Prio)}
	return b.acquire(ctx, k, func(ctx context.Context, be interpreter.ResourceBackend) (offload.ObjectID, error) {
		return be.CreateQueuePair(ctx, req.PeerPort, req.Prio)
	})
}

// AcquireMapping returns the tunnel-id mapping for key.
func (b *Broker) AcquireMapping(ctx context.Context, device offload.DeviceID, tk offload.TunnelKey) (*Handle, error) {
	k := key{kind: KindMapping, device: device, content: tk.String()}
	return b.acquire(ctx, k, func(ctx context.Context, be interpreter.ResourceBackend) (offload.ObjectID, error) {
		return be.CreateMapping(ctx, tk)
	})
}

type createFunc func(context.Context, interpreter.ResourceBackend) (offload.ObjectID, error)

func (b *Broker) acquire(ctx context.Context, k key, create createFunc) (*Handle, error) {
	b.mu.Lock()
	be, ok := b.backends[k.device]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("no resource backend for device %s", k.device)
	}
	if e, ok := b.entries[k]; ok {
		e.refs++
		b.mu.Unlock()
		return b.join(ctx, e)
	}
	e := &entry{key: k, refs: 1, ready: make(chan struct{})}
	b.entries[k] = e
	b.mu.Unlock()

	id, err := create(ctx, be)

	b.mu.Lock()
	if err != nil {
		e.err = err
		if b.entries[k] == e {
			delete(b.entries, k)
		}
	} else {
		e.id = id
	}
	close(e.ready)
	b.mu.Unlock()

	if err != nil {
		b.logger.DebugContext(ctx, "create failed", "kind", k.kind, "device", k.device, "content", k.content, "error", err)
		return nil, fmt.Errorf("create %s: %w", k.kind, err)
	}
	b.logger.DebugContext(ctx, "created", "kind", k.kind, "device", k.device, "content", k.content, "id", id)
	return &Handle{e: e}, nil
}

// join waits for a pending entry. The caller's reference was already
// counted.
func (b *Broker) join(ctx context.Context, e *entry) (*Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		h := &Handle{e: e}
		// The creator still holds its own reference, so this cannot be
		// the last one while creation is in flight.
		if err := b.Release(context.WithoutCancel(ctx), h); err != nil {
			b.logger.Warn("release after cancelled wait", "kind", e.key.kind, "error", err)
		}
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, fmt.Errorf("create %s: %w", e.key.kind, e.err)
	}
	return &Handle{e: e}, nil
}

// ErrDoubleRelease is returned when a handle is released twice.
var ErrDoubleRelease = errors.New("handle already released")

// Release drops one reference. The object is destroyed when the last
// reference goes.
func (b *Broker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if !h.released.CompareAndSwap(false, true) {
		return ErrDoubleRelease
	}
	e := h.e

	b.mu.Lock()
	if e.err != nil || e.dropped {
		b.mu.Unlock()
		return nil
	}
	if e.refs <= 0 {
		b.mu.Unlock()
		b.logger.Error("refcount underflow", "kind", e.key.kind, "device", e.key.device, "content", e.key.content)
		return fmt.Errorf("%s %q: refcount underflow", e.key.kind, e.key.content)
	}
	e.refs--
	if e.refs > 0 {
		b.mu.Unlock()
		return nil
	}
	if b.entries[e.key] == e {
		delete(b.entries, e.key)
	}
	be := b.backends[e.key.device]
	b.mu.Unlock()

	if be == nil {
		return nil
	}
	if err := destroy(ctx, be, e); err != nil {
		return fmt.Errorf("destroy %s %d: %w", e.key.kind, e.id, err)
	}
	b.logger.DebugContext(ctx, "destroyed", "kind", e.key.kind, "device", e.key.device, "id", e.id)
	return nil
}

func destroy(ctx context.Context, be interpreter.ResourceBackend, e *entry) error {
	switch e.key.kind {
	case KindRewrite:
		return be.DestroyRewrite(ctx, e.id)
	case KindCounter:
		return be.FreeCounter(ctx, e.id)
	case KindQueuePair:
		return be.DestroyQueuePair(ctx, e.id)
	case KindMapping:
		return be.DestroyMapping(ctx, e.id)
	}
	return fmt.Errorf("unknown kind %s", e.key.kind)
}

// PreShare creates a static rewrite context owned by the broker itself,
// so rules with that content share it without paying for creation.
func (b *Broker) PreShare(ctx context.Context, device offload.DeviceID, fields []offload.FieldRewrite) error {
	req := compute.RewriteRequest{Fields: fields, Static: true}
	for _, f := range fields {
		if f.FromMetadata {
			return fmt.Errorf("field %s is per-rule and cannot be pre-shared", f.Field)
		}
	}
	h, err := b.AcquireRewrite(ctx, device, req)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.pinned = append(b.pinned, h)
	b.mu.Unlock()
	return nil
}

// DropDevice forgets every object of a device that has gone away. The
// backend is not called; outstanding handles become inert.
func (b *Broker) DropDevice(device offload.DeviceID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, e := range b.entries {
		if k.device == device {
			e.dropped = true
			delete(b.entries, k)
			n++
		}
	}
	delete(b.backends, device)
	b.logger.Info("dropped device", "device", device, "objects", n)
	return n
}

// Refs returns the reference count of the ready entry with the given
// kind, device and content key, or zero.
func (b *Broker) Refs(kind Kind, device offload.DeviceID, content string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, e := range b.entries {
		if k.kind == kind && k.device == device && k.content == content {
			return e.refs
		}
	}
	return 0
}

// Count returns the number of live objects of a kind.
func (b *Broker) Count(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k := range b.entries {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// TotalRefs sums the reference counts of every live object.
func (b *Broker) TotalRefs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		n += e.refs
	}
	return n
}

// Snapshot lists every live object, sorted for stable output.
func (b *Broker) Snapshot() []HandleInfo {
	b.mu.Lock()
	out := make([]HandleInfo, 0, len(b.entries))
	for k, e := range b.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		out = append(out, HandleInfo{Kind: k.kind, Device: k.device, Static: k.static, Content: k.content, ID: e.id, Refs: e.refs})
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Content < out[j].Content
	})
	return out
}

// Close releases the broker's own pre-shared references.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	pinned := b.pinned
	b.pinned = nil
	b.mu.Unlock()

	var errs []error
	for _, h := range pinned {
		if err := b.Release(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
