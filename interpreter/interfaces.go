// Package interpreter contains the backend interfaces and the executor
// for reified actions. This is the only package whose implementations
// touch a device.
package interpreter

import (
	"context"
	"io"
	"net/netip"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/action"
)

// FlowTable installs and removes table entries.
type FlowTable interface {
	AddEntry(ctx context.Context, e action.Entry) (offload.RuleRef, error)
	DeleteEntry(ctx context.Context, ref offload.RuleRef) error
	// GetRoot creates the root table for (domain, chain, prio) on first
	// use and returns its reference.
	GetRoot(ctx context.Context, domain offload.Domain, chain uint32, prio uint16) (offload.TableRef, error)
	PutRoot(ctx context.Context, ref offload.TableRef) error
}

// CounterBackend allocates and reads flow counters.
type CounterBackend interface {
	AllocCounter(ctx context.Context) (offload.ObjectID, error)
	FreeCounter(ctx context.Context, id offload.ObjectID) error
	ReadCounter(ctx context.Context, id offload.ObjectID) (offload.Stats, error)
}

// ObjectBackend creates the shared objects referenced by entries.
type ObjectBackend interface {
	CreateRewrite(ctx context.Context, fields []offload.FieldRewrite) (offload.ObjectID, error)
	DestroyRewrite(ctx context.Context, id offload.ObjectID) error
	CreateQueuePair(ctx context.Context, peerPort uint32, prio uint16) (offload.ObjectID, error)
	DestroyQueuePair(ctx context.Context, id offload.ObjectID) error
	CreateMapping(ctx context.Context, key offload.TunnelKey) (offload.ObjectID, error)
	DestroyMapping(ctx context.Context, id offload.ObjectID) error
}

// ResourceBackend is what the broker needs from a device.
type ResourceBackend interface {
	ObjectBackend
	CounterBackend
}

// Device is one offload target.
type Device interface {
	io.Closer
	ID() offload.DeviceID
	FlowTable
	ResourceBackend
}

// DeviceLookup finds a registered device by ID.
type DeviceLookup interface {
	Device(id offload.DeviceID) (Device, bool)
}

// Resolver answers whether a destination can be programmed now.
type Resolver interface {
	Resolve(ctx context.Context, dest netip.Addr) (offload.Resolution, error)
}

// Watcher is implemented by resolvers that can report changes. Watch
// calls notify for every change until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, notify func()) error
}
