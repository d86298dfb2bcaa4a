// Package static provides a resolver whose answers are set by hand.
// It backs the CLI simulation and tests.
package static

import (
	"context"
	"net/netip"
	"sync"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/interpreter"
)

// Resolver answers from a table. Destinations not in the table get the
// fallback resolution.
type Resolver struct {
	mu       sync.Mutex
	table    map[netip.Addr]offload.Resolution
	fallback offload.Resolution
	watchers map[int]func()
	nextID   int
}

var (
	_ interpreter.Resolver = (*Resolver)(nil)
	_ interpreter.Watcher  = (*Resolver)(nil)
)

// New returns a resolver that answers fallback for unknown
// destinations.
func New(fallback offload.Resolution) *Resolver {
	return &Resolver{
		table:    make(map[netip.Addr]offload.Resolution),
		fallback: fallback,
		watchers: make(map[int]func()),
	}
}

// Resolve returns the configured resolution for dest.
func (r *Resolver) Resolve(_ context.Context, dest netip.Addr) (offload.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.table[dest]; ok {
		return res, nil
	}
	return r.fallback, nil
}

// Set changes the resolution of dest and notifies every watcher.
func (r *Resolver) Set(dest netip.Addr, res offload.Resolution) {
	r.mu.Lock()
	r.table[dest] = res
	notify := make([]func(), 0, len(r.watchers))
	for _, fn := range r.watchers {
		notify = append(notify, fn)
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// Watch registers notify until ctx is done.
func (r *Resolver) Watch(ctx context.Context, notify func()) error {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = notify
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	delete(r.watchers, id)
	r.mu.Unlock()
	return nil
}
