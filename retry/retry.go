// Package retry holds rules that could not be fully offloaded yet and
// retries them when something changes.
//
// A rule lands here when its destination is not resolved or the device
// was busy. The worker retries on every notification and on a periodic
// scan, so a missed event only delays the upgrade by one interval.
package retry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/frobware/go-offload"
)

// DefaultInterval is the periodic scan interval.
const DefaultInterval = time.Second

// Reoffloader retries one queued rule. Returning an error of kind
// NotReady keeps the rule queued.
type Reoffloader interface {
	Reoffload(ctx context.Context, cookie offload.Cookie) error
}

// Options configures a Queue.
type Options struct {
	Interval time.Duration
}

// Queue is the set of rules waiting to be re-offloaded.
type Queue struct {
	r        Reoffloader
	interval time.Duration
	notify   chan struct{}
	logger   *slog.Logger

	mu      sync.Mutex
	gen     uint64
	entries map[offload.Cookie]uint64
}

// New returns an empty queue.
func New(r Reoffloader, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Queue{
		r:        r,
		interval: opts.Interval,
		notify:   make(chan struct{}, 1),
		logger:   logger.With("component", "retry"),
		entries:  make(map[offload.Cookie]uint64),
	}
}

// Add queues cookie. Adding an already queued cookie restarts its
// generation, so an attempt in flight for the old entry is discarded.
func (q *Queue) Add(cookie offload.Cookie) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
	q.entries[cookie] = q.gen
}

// Remove drops cookie from the queue. It is effective immediately: the
// result of an attempt already in flight is ignored.
func (q *Queue) Remove(cookie offload.Cookie) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, cookie)
}

// Contains reports whether cookie is queued.
func (q *Queue) Contains(cookie offload.Cookie) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[cookie]
	return ok
}

// Len returns the number of queued rules.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Notify asks the worker to scan now. It never blocks; notifications
// that arrive while one is pending are coalesced.
func (q *Queue) Notify() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run scans the queue on every tick and notification until ctx is
// done.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.logger.DebugContext(ctx, "retry worker started", "interval", q.interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.DebugContext(ctx, "retry worker stopped")
			return nil
		case <-ticker.C:
		case <-q.notify:
		}
		q.Scan(ctx)
	}
}

type pending struct {
	cookie offload.Cookie
	gen    uint64
}

// Scan attempts every queued rule once and returns how many left the
// queue.
func (q *Queue) Scan(ctx context.Context) int {
	q.mu.Lock()
	snapshot := make([]pending, 0, len(q.entries))
	for c, g := range q.entries {
		snapshot = append(snapshot, pending{cookie: c, gen: g})
	}
	q.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].cookie < snapshot[j].cookie })

	removed := 0
	for _, p := range snapshot {
		if ctx.Err() != nil {
			break
		}
		err := q.r.Reoffload(ctx, p.cookie)
		if err != nil && ctx.Err() != nil {
			break
		}
		if q.settle(ctx, p, err) {
			removed++
		}
	}
	return removed
}

// settle applies the outcome of one attempt and reports whether the
// entry was removed.
func (q *Queue) settle(ctx context.Context, p pending, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if g, ok := q.entries[p.cookie]; !ok || g != p.gen {
		q.logger.DebugContext(ctx, "discarding stale retry result", "cookie", p.cookie)
		return false
	}

	switch {
	case err == nil:
		delete(q.entries, p.cookie)
		q.logger.InfoContext(ctx, "rule offloaded on retry", "cookie", p.cookie)
		return true
	case offload.KindOf(err) == offload.KindNotReady:
		return false
	default:
		delete(q.entries, p.cookie)
		q.logger.ErrorContext(ctx, "retry failed, dropping rule from queue", "cookie", p.cookie, "error", err)
		return true
	}
}
