// Package peer replicates rules onto peer devices and keeps track of
// what was replicated where, so a peer that goes away can be unlinked
// without touching its hardware.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/lock"
)

// Rule is one replica of a primary rule on a peer device.
type Rule struct {
	Device offload.DeviceID
	Cookie offload.Cookie

	// Uninstall removes the replica from the peer and gives back its
	// resources.
	Uninstall func(ctx context.Context) error

	// ReadStats reads the replica's counter. Nil when the rule is not
	// counted.
	ReadStats func(ctx context.Context) (offload.Stats, error)

	unlinked atomic.Bool
}

// Unlinked reports whether the replica was dropped because its peer
// died. An unlinked replica is never uninstalled.
func (r *Rule) Unlinked() bool {
	return r.unlinked.Load()
}

// InstallFunc installs a rule on one peer.
type InstallFunc func(ctx context.Context, device offload.DeviceID) (*Rule, error)

// DeviceDropper forgets the state held for a device that has gone.
type DeviceDropper interface {
	DropDevice(device offload.DeviceID) int
}

// Coordinator replicates rules across the peer set.
type Coordinator struct {
	topology Topology
	section  *lock.Section
	droppers []DeviceDropper
	logger   *slog.Logger

	mu     sync.Mutex
	linked map[offload.DeviceID]map[offload.Cookie]*Rule
}

// New returns a coordinator for topology. When a peer dies every
// dropper is told to forget it.
func New(topology Topology, logger *slog.Logger, droppers ...DeviceDropper) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		topology: topology,
		section:  lock.NewSection(topology.Peers),
		droppers: droppers,
		logger:   logger.With("component", "peer"),
		linked:   make(map[offload.DeviceID]map[offload.Cookie]*Rule),
	}
}

// Topology returns the configured topology.
func (c *Coordinator) Topology() Topology {
	return c.topology
}

// NeedsReplication reports whether spec must be replicated.
func (c *Coordinator) NeedsReplication(spec offload.RuleSpec) bool {
	return c.topology.NeedsReplication(spec)
}

// Run executes fn inside the peer section.
func (c *Coordinator) Run(ctx context.Context, fn func(context.Context, lock.PeerScope) error) error {
	return lock.Run(ctx, c.section, fn)
}

// Replicate installs a rule on every live peer in order. If a peer
// fails, the replicas already made are uninstalled in reverse and
// ErrPeerReplicationFailed names the failing peer.
func (c *Coordinator) Replicate(ctx context.Context, scope lock.PeerScope, cookie offload.Cookie, install InstallFunc) ([]*Rule, error) {
	var done []*Rule
	for _, dev := range scope.Peers() {
		r, err := install(ctx, dev)
		if err != nil {
			c.logger.WarnContext(ctx, "peer install failed, rolling back",
				"cookie", cookie, "peer", dev, "installed", len(done), "error", err)
			for i := len(done) - 1; i >= 0; i-- {
				if uerr := done[i].Uninstall(ctx); uerr != nil {
					c.logger.ErrorContext(ctx, "peer rollback step failed",
						"cookie", cookie, "peer", done[i].Device, "error", uerr)
				}
			}
			return nil, offload.ErrPeerReplicationFailed{Peer: dev, Err: err}
		}
		done = append(done, r)
	}

	c.mu.Lock()
	for _, r := range done {
		m, ok := c.linked[r.Device]
		if !ok {
			m = make(map[offload.Cookie]*Rule)
			c.linked[r.Device] = m
		}
		m[r.Cookie] = r
	}
	c.mu.Unlock()

	if len(done) > 0 {
		c.logger.DebugContext(ctx, "replicated rule", "cookie", cookie, "peers", len(done))
	}
	return done, nil
}

// Unreplicate uninstalls every replica that is still linked. Replicas
// on dead peers are skipped; their hardware is already gone.
func (c *Coordinator) Unreplicate(ctx context.Context, _ lock.PeerScope, rules []*Rule) error {
	var firstErr error
	for _, r := range rules {
		c.mu.Lock()
		if m, ok := c.linked[r.Device]; ok {
			delete(m, r.Cookie)
		}
		c.mu.Unlock()

		if r.Unlinked() {
			continue
		}
		if err := r.Uninstall(ctx); err != nil {
			c.logger.ErrorContext(ctx, "peer uninstall failed", "cookie", r.Cookie, "peer", r.Device, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("uninstall on peer %s: %w", r.Device, err)
			}
		}
	}
	return firstErr
}

// PeerDead marks device dead, unlinks every replica on it from its
// primary without calling the device, and has the droppers forget it.
// New replication skips the peer until PeerAlive.
func (c *Coordinator) PeerDead(ctx context.Context, device offload.DeviceID) error {
	return c.Run(ctx, func(ctx context.Context, scope lock.PeerScope) error {
		scope.SetLive(device, false)

		c.mu.Lock()
		rules := c.linked[device]
		delete(c.linked, device)
		c.mu.Unlock()

		for _, r := range rules {
			r.unlinked.Store(true)
		}
		dropped := 0
		for _, d := range c.droppers {
			dropped += d.DropDevice(device)
		}
		c.logger.WarnContext(ctx, "peer dead", "peer", device, "unlinked", len(rules), "dropped", dropped)
		return nil
	})
}

// PeerAlive makes device eligible for replication of future rules.
func (c *Coordinator) PeerAlive(ctx context.Context, device offload.DeviceID) error {
	return c.Run(ctx, func(ctx context.Context, scope lock.PeerScope) error {
		scope.SetLive(device, true)
		c.logger.InfoContext(ctx, "peer alive", "peer", device)
		return nil
	})
}

// LivePeers returns the current live peers.
func (c *Coordinator) LivePeers(ctx context.Context) ([]offload.DeviceID, error) {
	var peers []offload.DeviceID
	err := c.Run(ctx, func(_ context.Context, scope lock.PeerScope) error {
		peers = scope.Peers()
		return nil
	})
	return peers, err
}

// Linked returns how many replicas are currently linked on device.
func (c *Coordinator) Linked(device offload.DeviceID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.linked[device])
}

// AggregateStats reads the counters of every linked replica in
// parallel and returns their sum. Unlinked and uncounted replicas
// contribute nothing.
func AggregateStats(ctx context.Context, rules []*Rule) (offload.Stats, error) {
	parts := make([]offload.Stats, len(rules))
	g, ctx := errgroup.WithContext(ctx)
	for i, r := range rules {
		if r.Unlinked() || r.ReadStats == nil {
			continue
		}
		g.Go(func() error {
			s, err := r.ReadStats(ctx)
			if err != nil {
				return fmt.Errorf("read stats on peer %s: %w", r.Device, err)
			}
			parts[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return offload.Stats{}, err
	}

	var total offload.Stats
	for _, s := range parts {
		total = total.Add(s)
	}
	return total, nil
}
