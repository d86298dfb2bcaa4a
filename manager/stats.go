package manager

import (
	"context"
	"fmt"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/peer"
)

// ReadStats returns the counters of the rule registered under cookie,
// summed over the primary and every linked peer. It never waits for a
// submit or delete of the same rule. A rule without a counter, or one
// not installed yet, reads as zero.
func (m *Manager) ReadStats(ctx context.Context, cookie offload.Cookie) (offload.Stats, error) {
	r, ok := m.Lookup(cookie)
	if !ok {
		return offload.Stats{}, offload.ErrRuleNotFound{Cookie: cookie}
	}
	snap := r.snap.Load()
	if snap == nil {
		return offload.Stats{}, nil
	}

	var total offload.Stats
	if snap.counter != nil {
		s, err := snap.counter.read(ctx)
		if err != nil {
			return offload.Stats{}, fmt.Errorf("read stats of rule %d: %w", cookie, err)
		}
		total = s
	}
	if len(snap.peers) > 0 {
		s, err := peer.AggregateStats(ctx, snap.peers)
		if err != nil {
			return offload.Stats{}, fmt.Errorf("read stats of rule %d: %w", cookie, err)
		}
		total = total.Add(s)
	}
	return total, nil
}
