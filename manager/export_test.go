package manager

import "context"

// BeginDelete exposes the delete claim so tests can drive the race a
// second concurrent delete would otherwise have to win.
func (m *Manager) BeginDelete(r *Rule) error { return m.beginDelete(r) }

// Destroy exposes the teardown that follows a successful claim.
func (m *Manager) Destroy(ctx context.Context, r *Rule) error { return m.destroy(ctx, r) }
