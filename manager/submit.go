package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/compute"
	"github.com/frobware/go-offload/lock"
	"github.com/frobware/go-offload/peer"
)

// Submit registers and offloads a rule.
//
// On success the rule is OFFLOADED. When a destination is not resolved
// yet, or the device is busy, the rule is returned together with an
// offload.ErrNotReady: it stays registered in NOT_READY, possibly
// served by a slow-path entry, and is retried in the background. Any
// other error is returned with a nil rule, after everything the submit
// installed has been rolled back.
func (m *Manager) Submit(ctx context.Context, spec offload.RuleSpec) (_ *Rule, err error) {
	ctx = withOp(ctx)
	start := time.Now()
	defer func() {
		m.metrics.ObserveSubmit(err, time.Since(start))
		if err != nil {
			m.logger.Log(ctx, offload.KindOf(err).LogLevel(), "submit", "cookie", spec.Cookie, "error", err)
		}
	}()

	// Phase 1: de-dup; nothing is touched for a duplicate
	r, err := m.register(spec)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	// Phase 2: compile
	prog, err := compute.Compile(spec, m.caps)
	if err != nil {
		m.transition(r, offload.StateParsing, offload.StateUnsupported)
		m.discard(r, err)
		return nil, err
	}
	r.prog.Store(prog)
	m.transition(r, offload.StateParsing, offload.StateValid)

	// Phase 3: destinations
	if res, reason := m.resolve(ctx, prog); res != offload.Ready {
		return r, m.park(ctx, r, offload.StateValid, res == offload.Pending, reason)
	}

	// Phase 4: install and replicate
	if err := m.offload(ctx, r); err != nil {
		if offload.KindOf(err) == offload.KindDeviceBusy {
			return r, m.park(ctx, r, offload.StateValid, false, err.Error())
		}
		m.transition(r, offload.StateValid, offload.StateFailed)
		m.discard(r, err)
		return nil, err
	}

	m.transition(r, offload.StateValid, offload.StateOffloaded)
	m.logger.InfoContext(ctx, "rule offloaded",
		"cookie", spec.Cookie, "domain", spec.Domain, "segments", len(prog.Segments), "peers", len(r.peers))
	return r, nil
}

// park moves r to NOT_READY and queues it. When slow is set a switch
// rule gets a slow-path entry meanwhile. Called with r.mu held.
func (m *Manager) park(ctx context.Context, r *Rule, from offload.State, slow bool, reason string) error {
	if slow && r.spec.Domain == offload.DomainSwitch && r.slow == nil {
		sp, err := m.installSlowPath(ctx, r.spec)
		if err != nil {
			m.logger.WarnContext(ctx, "slow path not installed", "cookie", r.Cookie(), "error", err)
			reason = fmt.Sprintf("%s; slow path: %v", reason, err)
		} else {
			r.slow = sp
		}
	}

	notReady := offload.ErrNotReady{Cookie: r.Cookie(), Reason: reason}
	r.setErr(notReady)
	r.publish()
	if from != offload.StateNotReady {
		m.transition(r, from, offload.StateNotReady)
		m.queue.Add(r.Cookie())
	}
	return notReady
}

// offload installs the full program on the primary and replicates it
// when the topology asks for it. On error nothing it did is left
// behind. Called with r.mu held.
func (m *Manager) offload(ctx context.Context, r *Rule) error {
	prog := r.Program()

	var undo undoStack
	inst, err := m.install(ctx, m.primary, r.spec, prog, &undo)
	if err != nil {
		return m.rollback(ctx, r, undo, err)
	}

	var peers []*peer.Rule
	if m.coord.NeedsReplication(r.spec) {
		err := m.coord.Run(ctx, func(ctx context.Context, scope lock.PeerScope) error {
			var err error
			peers, err = m.coord.Replicate(ctx, scope, r.Cookie(), m.peerInstaller(r.spec, prog))
			return err
		})
		m.metrics.ObserveReplication(err)
		if err != nil {
			return m.rollback(ctx, r, undo, err)
		}
	}

	r.primary = inst
	r.peers = peers
	r.setErr(nil)
	r.publish()
	return nil
}

// rollback undoes a partial install and returns cause, joined with
// any failure of the rollback itself.
func (m *Manager) rollback(ctx context.Context, r *Rule, undo undoStack, cause error) error {
	m.logger.WarnContext(ctx, "install failed, rolling back", "cookie", r.Cookie(), "steps", len(undo), "error", cause)
	if rbErr := undo.rollback(m.logger); rbErr != nil {
		m.logger.ErrorContext(ctx, "rollback failed", "cookie", r.Cookie(), "error", rbErr)
		return errors.Join(cause, fmt.Errorf("rollback failed: %w", rbErr))
	}
	return cause
}

// peerInstaller installs the same program on a peer device.
func (m *Manager) peerInstaller(spec offload.RuleSpec, prog *compute.Program) peer.InstallFunc {
	return func(ctx context.Context, device offload.DeviceID) (*peer.Rule, error) {
		var undo undoStack
		inst, err := m.install(ctx, device, spec, prog, &undo)
		if err != nil {
			if rbErr := undo.rollback(m.logger); rbErr != nil {
				return nil, errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			}
			return nil, err
		}
		pr := &peer.Rule{
			Device: device,
			Cookie: spec.Cookie,
			Uninstall: func(ctx context.Context) error {
				return m.uninstall(ctx, inst)
			},
		}
		if inst.stats != nil {
			pr.ReadStats = inst.stats.read
		}
		return pr, nil
	}
}
