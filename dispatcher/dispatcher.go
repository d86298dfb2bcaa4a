// Package dispatcher shares root tables between rules.
//
// Every installed rule hangs its root segment off a root table for its
// (domain, chain, prio) on a device. The first rule to need a table
// creates it on the device and the last one to leave destroys it; the
// rules in between only adjust a reference count.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/action"
	"github.com/frobware/go-offload/interpreter"
)

// Tables reference counts root tables across all devices.
type Tables struct {
	mu       sync.Mutex
	tables   map[Key]*State
	executor interpreter.ActionExecutor
	logger   *slog.Logger
}

// New returns an empty table set that creates and destroys tables
// through executor.
func New(executor interpreter.ActionExecutor, logger *slog.Logger) *Tables {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tables{
		tables:   make(map[Key]*State),
		executor: executor,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Acquire returns the root table for k, creating it on first use.
// Creation happens under the table lock so concurrent callers for the
// same key never create two tables.
func (t *Tables) Acquire(ctx context.Context, k Key) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.tables[k]; ok {
		st.Refs++
		return *st, nil
	}

	out, err := t.executor.Execute(ctx, action.GetRoot{
		Device: k.Device,
		Domain: k.Domain,
		Chain:  k.Chain,
		Prio:   k.Prio,
	})
	if err != nil {
		return State{}, fmt.Errorf("create root table %s: %w", k, err)
	}

	st := &State{Key: k, Table: out.Table, Refs: 1}
	t.tables[k] = st
	t.logger.Debug("created root table", "key", k.String(), "table", out.Table)
	return *st, nil
}

// Release drops one reference to k and destroys the table on the
// device when it was the last.
func (t *Tables) Release(ctx context.Context, k Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.tables[k]
	if !ok {
		return fmt.Errorf("root table %s not held", k)
	}
	st.Refs--
	if st.Refs > 0 {
		return nil
	}
	delete(t.tables, k)

	if err := t.executor.ExecuteAll(ctx, []action.Action{
		action.PutRoot{Device: k.Device, Table: st.Table},
	}); err != nil {
		return fmt.Errorf("destroy root table %s: %w", k, err)
	}
	t.logger.Debug("destroyed root table", "key", k.String(), "table", st.Table)
	return nil
}

// DropDevice drops every table on device without calling it. Used when a
// device has gone away and its tables went with it.
func (t *Tables) DropDevice(device offload.DeviceID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k := range t.tables {
		if k.Device == device {
			delete(t.tables, k)
			n++
		}
	}
	return n
}

// Get returns the state for k.
func (t *Tables) Get(k Key) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tables[k]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// List returns all held tables ordered by key.
func (t *Tables) List() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.tables))
	for _, st := range t.tables {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}
