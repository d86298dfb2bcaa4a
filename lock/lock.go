// Package lock provides the peer section: the critical region in which
// the set of peer devices may be read consistently and changed.
//
// Replication installs a rule on every live peer, and a peer going away
// must unlink every rule replicated onto it. Both walk the same peer
// set, so both run under the section. Possession of a PeerScope is
// proof that the section is held; mutating operations require one
// (compiler enforced).
//
// A PeerScope is only obtained by executing code under lock.Run(...).
package lock

import (
	"context"
	"slices"

	"github.com/frobware/go-offload"
)

// PeerScope represents the dynamic execution region in which the peer
// section is held.
//
// PeerScope is a capability, not a mutex: it cannot be constructed,
// locked, or unlocked by callers. The interface cannot be implemented
// outside this package due to the unexported marker method.
type PeerScope interface {
	// Peers returns the live peers in configuration order.
	Peers() []offload.DeviceID

	// Live reports whether id is a known, live peer.
	Live(id offload.DeviceID) bool

	// SetLive marks id live or dead. An unknown id is appended to the
	// peer order.
	SetLive(id offload.DeviceID, live bool)

	// peerScopeMarker is unexported to prevent external implementations.
	peerScopeMarker()
}

// Section guards the peer set.
type Section struct {
	sem   chan struct{}
	order []offload.DeviceID
	live  map[offload.DeviceID]bool
}

// NewSection returns a section over peers, all initially live.
func NewSection(peers []offload.DeviceID) *Section {
	s := &Section{
		sem:  make(chan struct{}, 1),
		live: make(map[offload.DeviceID]bool, len(peers)),
	}
	for _, p := range peers {
		if _, ok := s.live[p]; ok {
			continue
		}
		s.order = append(s.order, p)
		s.live[p] = true
	}
	return s
}

// peerScope is the concrete implementation of PeerScope.
type peerScope struct {
	s *Section
}

func (peerScope) peerScopeMarker() {}

func (p peerScope) Peers() []offload.DeviceID {
	out := make([]offload.DeviceID, 0, len(p.s.order))
	for _, id := range p.s.order {
		if p.s.live[id] {
			out = append(out, id)
		}
	}
	return out
}

func (p peerScope) Live(id offload.DeviceID) bool {
	return p.s.live[id]
}

func (p peerScope) SetLive(id offload.DeviceID, live bool) {
	if !slices.Contains(p.s.order, id) {
		p.s.order = append(p.s.order, id)
	}
	p.s.live[id] = live
}

// Run acquires the section, executes fn, then releases. The release is
// deferred so it happens on every exit path, including a panic in fn.
// Waiting for the section respects ctx cancellation.
func Run(ctx context.Context, s *Section, fn func(context.Context, PeerScope) error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	return fn(ctx, peerScope{s: s})
}

// Held reports whether the section is currently held. For diagnostics
// only.
func (s *Section) Held() bool {
	return len(s.sem) == 1
}
