package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/action"
	"github.com/frobware/go-offload/broker"
	"github.com/frobware/go-offload/compute"
	"github.com/frobware/go-offload/dispatcher"
	"github.com/frobware/go-offload/interpreter"
)

// installation is a program installed on one device.
type installation struct {
	device offload.DeviceID
	prog   *compute.Program
	root   dispatcher.Key
	refs   map[compute.SegmentID]offload.RuleRef
	// handles in acquisition order.
	handles []*broker.Handle
	stats   *counterRef
}

// counterRef is a counter that can be read without the rule lock.
type counterRef struct {
	backend interpreter.CounterBackend
	id      offload.ObjectID
}

func (c *counterRef) read(ctx context.Context) (offload.Stats, error) {
	return c.backend.ReadCounter(ctx, c.id)
}

// objects are the broker objects one segment's entry refers to.
type objects struct {
	rewrite   offload.ObjectID
	counter   offload.ObjectID
	queuePair offload.ObjectID
	mapping   offload.ObjectID
}

// install puts prog on device. Every effect is pushed onto undo as it
// happens; on error the caller rolls the stack back.
func (m *Manager) install(ctx context.Context, device offload.DeviceID, spec offload.RuleSpec, prog *compute.Program, undo *undoStack) (*installation, error) {
	rb := context.WithoutCancel(ctx)
	inst := &installation{
		device: device,
		prog:   prog,
		root:   dispatcher.Key{Device: device, Domain: prog.Domain, Chain: prog.Chain, Prio: prog.Prio},
		refs:   make(map[compute.SegmentID]offload.RuleRef, len(prog.Segments)),
	}

	// Phase 1: shared objects for every segment
	hold := func(h *broker.Handle, err error) (offload.ObjectID, error) {
		if err != nil {
			return 0, err
		}
		inst.handles = append(inst.handles, h)
		undo.push(func() error { return m.broker.Release(rb, h) })
		return h.ID(), nil
	}
	objs := make(map[compute.SegmentID]objects, len(prog.Segments))
	for _, id := range prog.InstallOrder() {
		seg := prog.Segment(id)
		var o objects
		var err error
		if seg.Rewrite != nil {
			if o.rewrite, err = hold(m.broker.AcquireRewrite(ctx, device, seg.Rewrite.Bind(spec))); err != nil {
				return nil, fmt.Errorf("segment %d: %w", id, err)
			}
		}
		if seg.Counter {
			if o.counter, err = hold(m.broker.AcquireCounter(ctx, device)); err != nil {
				return nil, fmt.Errorf("segment %d: %w", id, err)
			}
			if id == prog.StatsSegment {
				if d, ok := m.devices.Device(device); ok {
					inst.stats = &counterRef{backend: d, id: o.counter}
				}
			}
		}
		if seg.Hairpin != nil {
			if o.queuePair, err = hold(m.broker.AcquireQueuePair(ctx, device, *seg.Hairpin)); err != nil {
				return nil, fmt.Errorf("segment %d: %w", id, err)
			}
		}
		if seg.Tunnel != nil {
			if o.mapping, err = hold(m.broker.AcquireMapping(ctx, device, *seg.Tunnel)); err != nil {
				return nil, fmt.Errorf("segment %d: %w", id, err)
			}
		}
		objs[id] = o
	}

	// Phase 2: the root table the chain hangs off
	root, err := m.tables.Acquire(ctx, inst.root)
	if err != nil {
		return nil, err
	}
	undo.push(func() error { return m.tables.Release(rb, inst.root) })

	// Phase 3: entries, leaf to root, so every jump target exists
	// before the entry that jumps to it
	for _, id := range prog.InstallOrder() {
		entry := m.entry(spec, prog, prog.Segment(id), root.Table, inst.refs, objs[id])
		out, err := m.executor.Execute(ctx, action.InstallSegment{Device: device, Entry: entry})
		if err != nil {
			return nil, fmt.Errorf("install segment %d on %s: %w", id, device, err)
		}
		inst.refs[id] = out.Ref
		ref := out.Ref
		undo.push(func() error {
			_, err := m.executor.Execute(rb, action.RemoveSegment{Device: device, Ref: ref})
			return err
		})
	}

	m.logger.DebugContext(ctx, "installed program",
		"cookie", spec.Cookie, "device", device, "segments", len(prog.Segments), "handles", len(inst.handles))
	return inst, nil
}

func (m *Manager) entry(spec offload.RuleSpec, prog *compute.Program, seg *compute.Segment, root offload.TableRef, refs map[compute.SegmentID]offload.RuleRef, o objects) action.Entry {
	e := action.Entry{
		Cookie:    spec.Cookie,
		Segment:   seg.ID,
		Role:      seg.Role,
		Table:     offload.TablePost,
		Root:      root,
		Domain:    prog.Domain,
		Chain:     prog.Chain,
		Prio:      prog.Prio,
		Match:     spec.Match,
		Flags:     seg.Flags,
		Dests:     seg.Dests,
		Goto:      seg.Goto,
		Rewrite:   o.rewrite,
		Counter:   o.counter,
		QueuePair: o.queuePair,
		Mapping:   o.mapping,
		Police:    seg.Police,
		Sample:    seg.Sample,
	}
	if seg.ID == 0 {
		e.Table = offload.TableRoot
	}
	if seg.Next != compute.NoSegment {
		e.Next = refs[seg.Next]
	}
	if seg.True != compute.NoSegment {
		e.True = refs[seg.True]
	}
	if seg.False != compute.NoSegment {
		e.False = refs[seg.False]
	}
	return e
}

// uninstall removes an installation root first, then gives back its
// handles and its root table reference. It carries on past failures
// so as much as possible is released.
func (m *Manager) uninstall(ctx context.Context, inst *installation) error {
	var errs []error
	for _, id := range inst.prog.RemoveOrder() {
		ref, ok := inst.refs[id]
		if !ok {
			continue
		}
		if _, err := m.executor.Execute(ctx, action.RemoveSegment{Device: inst.device, Ref: ref}); err != nil {
			errs = append(errs, fmt.Errorf("remove segment %d on %s: %w", id, inst.device, err))
		}
		delete(inst.refs, id)
	}
	for i := len(inst.handles) - 1; i >= 0; i-- {
		if err := m.broker.Release(ctx, inst.handles[i]); err != nil {
			errs = append(errs, err)
		}
	}
	inst.handles = nil
	if err := m.tables.Release(ctx, inst.root); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// slowPath is the degraded entry of a rule waiting for its
// destination.
type slowPath struct {
	device  offload.DeviceID
	ref     offload.RuleRef
	rewrite *broker.Handle
}

// installSlowPath puts one catch-all entry in the slow-path table that
// forwards to software with the chain mapping restored.
func (m *Manager) installSlowPath(ctx context.Context, spec offload.RuleSpec) (*slowPath, error) {
	var undo undoStack
	rb := context.WithoutCancel(ctx)

	// The chain mapping is restored so software resumes classification
	// in the right chain.
	req := compute.RewriteRequest{
		Fields: []offload.FieldRewrite{{Field: compute.MetadataChain, FromMetadata: true}},
		Static: false,
	}.Bind(spec)
	h, err := m.broker.AcquireRewrite(ctx, m.primary, req)
	if err != nil {
		return nil, fmt.Errorf("slow path rewrite: %w", err)
	}
	undo.push(func() error { return m.broker.Release(rb, h) })

	out, err := m.executor.Execute(ctx, action.InstallSlowPath{
		Device: m.primary,
		Entry: action.Entry{
			Cookie:  spec.Cookie,
			Role:    compute.RoleRoot,
			Domain:  spec.Domain,
			Chain:   spec.Chain,
			Prio:    spec.Prio,
			Match:   spec.Match,
			Flags:   compute.FlagForward | compute.FlagRewrite,
			Dests:   []uint32{m.swPort},
			Rewrite: h.ID(),
		},
	})
	if err != nil {
		if rbErr := undo.rollback(m.logger); rbErr != nil {
			return nil, errors.Join(fmt.Errorf("install slow path: %w", err), fmt.Errorf("rollback failed: %w", rbErr))
		}
		return nil, fmt.Errorf("install slow path: %w", err)
	}
	return &slowPath{device: m.primary, ref: out.Ref, rewrite: h}, nil
}

func (m *Manager) removeSlowPath(ctx context.Context, sp *slowPath) error {
	var errs []error
	if _, err := m.executor.Execute(ctx, action.RemoveSlowPath{Device: sp.device, Ref: sp.ref}); err != nil {
		errs = append(errs, fmt.Errorf("remove slow path: %w", err))
	}
	if err := m.broker.Release(ctx, sp.rewrite); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// resolve returns the worst resolution of the addresses prog depends
// on and why it is not ready.
func (m *Manager) resolve(ctx context.Context, prog *compute.Program) (offload.Resolution, string) {
	if m.resolver == nil {
		return offload.Ready, ""
	}
	worst, reason := offload.Ready, ""
	for _, addr := range prog.Resolutions() {
		res, err := m.resolver.Resolve(ctx, addr)
		if err != nil {
			m.logger.WarnContext(ctx, "resolve failed", "cookie", prog.Cookie, "dest", addr, "error", err)
			res = offload.Pending
		}
		if res > worst {
			worst = res
			reason = fmt.Sprintf("destination %s is %s", addr, res)
			if err != nil {
				reason = fmt.Sprintf("resolve %s: %v", addr, err)
			}
		}
	}
	return worst, reason
}
