package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/lock"
)

// Delete removes the rule registered under cookie from the index and
// from the hardware, then drops the reference its submitter held.
// A concurrent second delete fails with offload.ErrRuleDeleting.
func (m *Manager) Delete(ctx context.Context, cookie offload.Cookie) error {
	ctx = withOp(ctx)

	r, ok := m.Lookup(cookie)
	if !ok {
		return offload.ErrRuleNotFound{Cookie: cookie}
	}
	if err := m.beginDelete(r); err != nil {
		return err
	}

	err := m.destroy(ctx, r)
	if rerr := m.Release(ctx, r); rerr != nil {
		err = errors.Join(err, rerr)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "delete", "cookie", cookie, "error", err)
		return err
	}
	m.logger.InfoContext(ctx, "rule deleted", "cookie", cookie)
	return nil
}

// beginDelete claims r for deletion. A rule whose submit is still in
// flight is waited for first.
func (m *Manager) beginDelete(r *Rule) error {
	for {
		s := r.State()
		switch {
		case s == offload.StateDeleting || s == offload.StateDeleted:
			return offload.ErrRuleDeleting{Cookie: r.Cookie()}
		case s == offload.StateOffloaded || s == offload.StateNotReady:
			if m.transition(r, s, offload.StateDeleting) {
				return nil
			}
		case s.Terminal():
			return offload.ErrRuleNotFound{Cookie: r.Cookie()}
		default:
			// Submit holds the rule lock until the rule settles, so
			// taking it waits for the submit to finish.
			r.mu.Lock()
			r.mu.Unlock()
		}
	}
}

// destroy tears a claimed rule down: it leaves the index and the retry
// queue at once, then its hardware goes, peers first and the primary
// root first.
func (m *Manager) destroy(ctx context.Context, r *Rule) error {
	m.unindex(r)
	m.queue.Remove(r.Cookie())

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.closeDeleted()

	r.snap.Store(nil)
	var errs []error

	// Phase 1: peers, under the peer section
	if len(r.peers) > 0 {
		peers := r.peers
		err := m.coord.Run(ctx, func(ctx context.Context, scope lock.PeerScope) error {
			return m.coord.Unreplicate(ctx, scope, peers)
		})
		if err != nil {
			errs = append(errs, err)
		}
		r.peers = nil
	}

	// Phase 2: primary, root first, then its handles
	if r.primary != nil {
		if err := m.uninstall(ctx, r.primary); err != nil {
			errs = append(errs, err)
		}
		r.primary = nil
	}

	// Phase 3: the degraded entry of a rule that never got further
	if r.slow != nil {
		if err := m.removeSlowPath(ctx, r.slow); err != nil {
			errs = append(errs, err)
		}
		r.slow = nil
	}

	m.metrics.ObserveDelete()
	return errors.Join(errs...)
}

// Retain takes an extra reference to r. It fails once the last
// reference has gone.
func (m *Manager) Retain(r *Rule) error {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return offload.ErrRuleDeleting{Cookie: r.Cookie()}
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops one reference to r. Dropping the last one tears the
// rule down if no delete has yet, then marks it DELETED and closes
// Done.
func (m *Manager) Release(ctx context.Context, r *Rule) error {
	n := r.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		r.refs.Add(1)
		return fmt.Errorf("rule %d: release without a reference", r.Cookie())
	}

	var err error
	switch berr := m.beginDelete(r); offload.KindOf(berr) {
	case offload.KindUnknown:
		err = m.destroy(withOp(ctx), r)
	case offload.KindDeleting:
		<-r.Deleted()
	}

	if m.transition(r, offload.StateDeleting, offload.StateDeleted) {
		m.metrics.Leave(offload.StateDeleted)
	}
	r.closeDone()
	return err
}
