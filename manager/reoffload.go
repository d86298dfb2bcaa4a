package manager

import (
	"context"

	"github.com/frobware/go-offload"
)

// Reoffload retries a NOT_READY rule. It is called by the retry queue
// and returns an offload.ErrNotReady while the rule must stay queued.
//
// When the destination has become ready, the full program is installed
// first and the slow-path entry is removed afterwards, so traffic keeps
// flowing throughout.
func (m *Manager) Reoffload(ctx context.Context, cookie offload.Cookie) (err error) {
	ctx = withOp(ctx)
	defer func() { m.metrics.ObserveReoffload(err) }()

	r, ok := m.Lookup(cookie)
	if !ok {
		return offload.ErrRuleNotFound{Cookie: cookie}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() != offload.StateNotReady {
		return nil
	}

	if res, reason := m.resolve(ctx, r.Program()); res != offload.Ready {
		return m.park(ctx, r, offload.StateNotReady, res == offload.Pending, reason)
	}

	if err := m.offload(ctx, r); err != nil {
		if offload.KindOf(err) == offload.KindDeviceBusy {
			return m.park(ctx, r, offload.StateNotReady, false, err.Error())
		}
		if r.slow != nil {
			if serr := m.removeSlowPath(ctx, r.slow); serr != nil {
				m.logger.ErrorContext(ctx, "remove slow path", "cookie", cookie, "error", serr)
			}
			r.slow = nil
		}
		if m.transition(r, offload.StateNotReady, offload.StateFailed) {
			m.discard(r, err)
		}
		m.logger.ErrorContext(ctx, "re-offload failed", "cookie", cookie, "error", err)
		return err
	}

	if r.slow != nil {
		if err := m.removeSlowPath(ctx, r.slow); err != nil {
			m.logger.ErrorContext(ctx, "remove slow path", "cookie", cookie, "error", err)
		}
		r.slow = nil
		r.publish()
	}

	if !m.transition(r, offload.StateNotReady, offload.StateOffloaded) {
		// A delete claimed the rule meanwhile; it tears down what was
		// just installed once the lock is released.
		return nil
	}
	m.logger.InfoContext(ctx, "rule upgraded to full offload", "cookie", cookie)
	return nil
}
