// Package manager is the rule registry. It orchestrates the offload of
// one rule using the fetch/compute/execute pattern: the rule is
// compiled by compute, its shared objects come from the broker, and
// its table entries are written by executing reified actions.
//
// # Atomic Submit Model
//
// A rule is either fully installed, installed as a degraded slow-path
// entry waiting for its destination, or not installed at all. Every
// device effect of a submit is pushed onto an undo stack as it
// happens; when a later step fails the stack runs in reverse, so a
// failed rule hands back every table entry, root table reference and
// broker handle it took.
//
// The submit phases:
//  1. Register the cookie in the de-dup index (duplicates stop here)
//  2. Compile the action list into segments (nothing touched yet)
//  3. Resolve the destinations the program depends on
//  4. Acquire broker handles and the root table
//  5. Install segments leaf to root
//  6. Replicate onto peers, under the peer section, when required
//  7. Mark OFFLOADED, or NOT_READY and queue for retry
//
// # Deletion
//
// Delete marks the rule DELETING with a compare-and-swap, so a second
// delete fails fast. The rule leaves the index and the retry queue,
// then peers are uninstalled, the primary is uninstalled root first,
// and the broker handles are released. Rule.Deleted is closed once the
// hardware work is done; Rule.Done is closed when the last reference
// goes.
//
// # Statistics
//
// ReadStats never waits on a rule's install or delete. Each rule
// publishes an atomic snapshot of the counters it can be read from.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/broker"
	"github.com/frobware/go-offload/compute"
	"github.com/frobware/go-offload/dispatcher"
	"github.com/frobware/go-offload/interpreter"
	"github.com/frobware/go-offload/metrics"
	"github.com/frobware/go-offload/peer"
	"github.com/frobware/go-offload/retry"
)

// DefaultSoftwarePort is the vport slow-path entries forward to.
const DefaultSoftwarePort uint32 = 0

// Options configures a Manager.
type Options struct {
	// Primary is the device rules are offloaded to.
	Primary interpreter.Device
	// Peers are the other devices of a paired topology.
	Peers []interpreter.Device
	// Broker hands out shared objects. A new one is created when nil.
	Broker *broker.Broker
	// Resolver answers destination lookups. When nil every
	// destination is ready.
	Resolver interpreter.Resolver
	// Caps is what the device can express. The zero value selects
	// compute.DefaultCapabilities.
	Caps     compute.Capabilities
	Topology peer.Topology
	Retry    retry.Options
	Metrics  *metrics.Metrics
	// SoftwarePort is the vport slow-path entries forward to.
	SoftwarePort uint32
}

// Manager is the rule registry.
type Manager struct {
	primary  offload.DeviceID
	devices  *deviceSet
	executor interpreter.ActionExecutor
	broker   *broker.Broker
	tables   *dispatcher.Tables
	coord    *peer.Coordinator
	queue    *retry.Queue
	resolver interpreter.Resolver
	caps     compute.Capabilities
	metrics  *metrics.Metrics
	swPort   uint32
	logger   *slog.Logger

	mu    sync.Mutex
	rules map[offload.Cookie]*Rule
}

// New creates a Manager over the primary device and its peers.
func New(opts Options, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Primary == nil {
		return nil, errors.New("no primary device")
	}
	logger = WithOpIDHandler(logger)

	devices := newDeviceSet()
	for _, d := range append([]interpreter.Device{opts.Primary}, opts.Peers...) {
		if err := devices.add(d); err != nil {
			return nil, err
		}
	}

	topology := opts.Topology
	if len(topology.Peers) == 0 {
		for _, d := range opts.Peers {
			topology.Peers = append(topology.Peers, d.ID())
		}
	}
	for _, id := range topology.Peers {
		if id == opts.Primary.ID() {
			return nil, fmt.Errorf("primary device %s listed as its own peer", id)
		}
		if _, ok := devices.Device(id); !ok {
			return nil, fmt.Errorf("peer %s has no device", id)
		}
	}

	b := opts.Broker
	if b == nil {
		b = broker.New(logger)
	}
	for _, d := range devices.all() {
		b.Register(d.ID(), d)
	}

	caps := opts.Caps
	if caps == (compute.Capabilities{}) {
		caps = compute.DefaultCapabilities()
	}

	executor := interpreter.NewExecutor(devices)
	tables := dispatcher.New(executor, logger)

	m := &Manager{
		primary:  opts.Primary.ID(),
		devices:  devices,
		executor: executor,
		broker:   b,
		tables:   tables,
		coord:    peer.New(topology, logger, b, tables),
		resolver: opts.Resolver,
		caps:     caps,
		metrics:  opts.Metrics,
		swPort:   opts.SoftwarePort,
		logger:   logger.With("component", "manager"),
		rules:    make(map[offload.Cookie]*Rule),
	}
	m.queue = retry.New(m, opts.Retry, logger)
	return m, nil
}

// Primary returns the ID of the primary device.
func (m *Manager) Primary() offload.DeviceID {
	return m.primary
}

// Broker returns the broker that owns the shared objects.
func (m *Manager) Broker() *broker.Broker {
	return m.broker
}

// Queue returns the retry queue. The caller runs its worker.
func (m *Manager) Queue() *retry.Queue {
	return m.queue
}

// Coordinator returns the peer coordinator.
func (m *Manager) Coordinator() *peer.Coordinator {
	return m.coord
}

// Tables returns the root tables currently held.
func (m *Manager) Tables() []dispatcher.State {
	return m.tables.List()
}

// Lookup returns the rule registered under cookie. A rule being
// deleted is no longer found.
func (m *Manager) Lookup(cookie offload.Cookie) (*Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[cookie]
	return r, ok
}

// register inserts a new rule for spec into the index. The rule is
// returned with its mutation lock held, so nothing can act on it
// before the submit that created it is done.
func (m *Manager) register(spec offload.RuleSpec) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[spec.Cookie]; ok {
		return nil, offload.ErrDuplicateRule{Cookie: spec.Cookie}
	}
	r := newRule(spec)
	r.mu.Lock()
	m.rules[spec.Cookie] = r
	m.metrics.Enter(offload.StateParsing)
	return r, nil
}

// unindex removes r from the index if it is still the rule registered
// under its cookie.
func (m *Manager) unindex(r *Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rules[r.Cookie()] == r {
		delete(m.rules, r.Cookie())
	}
}

// transition moves r from one state to another and reports whether
// it was in from.
func (m *Manager) transition(r *Rule, from, to offload.State) bool {
	if !offload.CanTransition(from, to) {
		m.logger.Error("illegal state transition", "cookie", r.Cookie(), "from", from, "to", to)
		return false
	}
	if !r.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.metrics.Transition(from, to)
	m.logger.Debug("rule state", "cookie", r.Cookie(), "from", from, "to", to)
	return true
}

// discard forgets a rule that ended in a terminal state without ever
// being installed, or whose install was rolled back. A queued rule
// keeps its queue entry: the queue drops it when it settles the
// failed attempt.
func (m *Manager) discard(r *Rule, err error) {
	r.setErr(err)
	m.unindex(r)
	m.metrics.Leave(r.State())
	r.refs.Store(0)
	r.closeDeleted()
	r.closeDone()
}

// RuleInfo describes one registered rule.
type RuleInfo struct {
	Cookie   offload.Cookie `json:"cookie"`
	Domain   offload.Domain `json:"domain"`
	State    string         `json:"state"`
	Segments int            `json:"segments"`
	Peers    int            `json:"peers"`
	SlowPath bool           `json:"slow_path,omitempty"`
	Counted  bool           `json:"counted,omitempty"`
	Refs     int            `json:"refs"`
	Error    string         `json:"error,omitempty"`
}

// Rules lists every registered rule ordered by cookie.
func (m *Manager) Rules() []RuleInfo {
	m.mu.Lock()
	rules := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.mu.Unlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Cookie() < rules[j].Cookie() })

	out := make([]RuleInfo, 0, len(rules))
	for _, r := range rules {
		info := RuleInfo{
			Cookie: r.Cookie(),
			Domain: r.spec.Domain,
			State:  r.State().String(),
			Refs:   int(r.refs.Load()),
		}
		if p := r.Program(); p != nil {
			info.Segments = len(p.Segments)
		}
		if snap := r.snap.Load(); snap != nil {
			info.Peers = len(snap.peers)
			info.SlowPath = snap.slow
			info.Counted = snap.counter != nil
		}
		if err := r.Err(); err != nil {
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	return out
}

// PreShare creates a static header rewrite on the primary device that
// rules with identical content share.
func (m *Manager) PreShare(ctx context.Context, fields []offload.FieldRewrite) error {
	return m.broker.PreShare(withOp(ctx), m.primary, fields)
}

// PeerDead unlinks every replica on device without touching it and
// excludes the device from future replication.
func (m *Manager) PeerDead(ctx context.Context, device offload.DeviceID) error {
	if device == m.primary {
		return fmt.Errorf("device %s is the primary", device)
	}
	return m.coord.PeerDead(withOp(ctx), device)
}

// PeerAlive makes a peer that came back eligible for future rules.
// Rules offloaded while it was dead are not replicated retroactively.
func (m *Manager) PeerAlive(ctx context.Context, device offload.DeviceID) error {
	d, ok := m.devices.Device(device)
	if !ok || device == m.primary {
		return fmt.Errorf("device %s is not a peer", device)
	}
	m.broker.Register(device, d)
	return m.coord.PeerAlive(withOp(ctx), device)
}

// Close deletes every registered rule and releases the broker's
// pre-shared objects. Devices are left to the caller.
func (m *Manager) Close(ctx context.Context) error {
	ctx = withOp(ctx)

	m.mu.Lock()
	cookies := make([]offload.Cookie, 0, len(m.rules))
	for c := range m.rules {
		cookies = append(cookies, c)
	}
	m.mu.Unlock()
	slices.Sort(cookies)

	var errs []error
	for _, c := range cookies {
		err := m.Delete(ctx, c)
		switch offload.KindOf(err) {
		case offload.KindNotFound, offload.KindDeleting:
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("delete rule %d: %w", c, err))
		}
	}
	if err := m.broker.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	m.logger.InfoContext(ctx, "manager closed", "rules", len(cookies))
	return errors.Join(errs...)
}
