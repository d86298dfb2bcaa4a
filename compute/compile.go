package compute

import (
	"github.com/frobware/go-offload"
)

// parseState is the walker's working state for one rule.
type parseState struct {
	spec    offload.RuleSpec
	caps    Capabilities
	prog    *Program
	depth   int
	counted bool
}

func (st *parseState) newSegment(role Role) SegmentID {
	id := SegmentID(len(st.prog.Segments))
	st.prog.Segments = append(st.prog.Segments, Segment{
		ID:    id,
		Role:  role,
		Next:  NoSegment,
		True:  NoSegment,
		False: NoSegment,
	})
	return id
}

func (st *parseState) seg(id SegmentID) *Segment {
	return &st.prog.Segments[id]
}

func (st *parseState) checkDestinations(seg *Segment) error {
	if n := len(seg.Dests) + 1; n > st.caps.MaxDestinations {
		return offload.ErrCapabilityExceeded{Capability: "destinations", Limit: st.caps.MaxDestinations, Requested: n}
	}
	return nil
}

// Compile turns a rule into a Program. It fails with
// offload.ErrUnsupportedAction or offload.ErrCapabilityExceeded before
// any resource has been requested.
func Compile(spec offload.RuleSpec, caps Capabilities) (*Program, error) {
	if len(spec.Actions) == 0 {
		return nil, unsupported(offload.ActionUnknown, "empty action list")
	}

	st := &parseState{
		spec: spec,
		caps: caps,
		prog: &Program{
			Cookie:       spec.Cookie,
			Domain:       spec.Domain,
			Chain:        spec.Chain,
			Prio:         spec.Prio,
			StatsSegment: NoSegment,
		},
	}

	root := st.newSegment(RoleRoot)
	tail, open, err := st.walk(spec.Actions, root)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, unsupported(offload.ActionUnknown, "no terminal action")
	}

	if st.seg(tail).Flags&FlagCount != 0 {
		st.prog.StatsSegment = tail
	} else {
		for i := range st.prog.Segments {
			if st.prog.Segments[i].Flags&FlagBranch != 0 {
				st.prog.StatsSegment = SegmentID(i)
				break
			}
		}
	}

	if err := st.finish(); err != nil {
		return nil, err
	}
	return st.prog, nil
}

// walk absorbs actions into segment id, opening post segments where a
// multi-table action splits the pass. It returns the last segment of
// the chain and whether that segment still lacks a destination.
func (st *parseState) walk(actions []offload.Action, id SegmentID) (SegmentID, bool, error) {
	saved := st.counted
	st.counted = false
	defer func() { st.counted = saved }()

	ended := false
	for i, a := range actions {
		h, ok := handlers[a.Kind]
		if !ok {
			return NoSegment, false, unsupported(a.Kind, "not implemented")
		}
		if ended {
			return NoSegment, false, unsupported(a.Kind, "action follows continue")
		}
		seg := st.seg(id)
		if err := checkAfterTerminal(seg, a); err != nil {
			return NoSegment, false, err
		}
		if err := h.canOffload(st, seg, a); err != nil {
			return NoSegment, false, err
		}
		h.parse(st, seg, a)
		seg.Actions = append(seg.Actions, a)

		last := i == len(actions)-1
		switch {
		case a.Kind == offload.ActionContinue:
			ended = true
		case a.Kind == offload.ActionConditional:
			next, err := st.branch(id, a.Cond, last)
			if err != nil {
				return NoSegment, false, err
			}
			if last {
				return st.closeChain(id), false, nil
			}
			id = next
		case h.isMultiTable() && !last:
			next := st.newSegment(RolePost)
			seg = st.seg(id)
			seg.Next = next
			seg.Flags |= FlagJump
			id = next
		}
	}
	return st.closeChain(id), !st.seg(id).HasDestination(), nil
}

// checkAfterTerminal rejects actions that follow a drop, forward or
// goto in the same pass. Further forwards and mirrors add destination
// ports and a trailing count is allowed.
func checkAfterTerminal(seg *Segment, a offload.Action) error {
	have := seg.terminalKind()
	if have == offload.ActionUnknown || a.Kind == offload.ActionCount {
		return nil
	}
	switch {
	case (a.Kind == offload.ActionForward || a.Kind == offload.ActionMirror) && have == offload.ActionForward:
		return nil
	case a.Kind == offload.ActionForward && have == offload.ActionDrop,
		a.Kind == offload.ActionDrop && have == offload.ActionForward:
		return unsupported(a.Kind, "forward and drop together")
	case a.Terminating() && a.Kind != have:
		return unsupported(a.Kind, "two terminal actions")
	}
	return unsupported(a.Kind, "action follows a terminal action")
}

// closeChain places the chain's counter when one was requested and
// returns the tail.
func (st *parseState) closeChain(tail SegmentID) SegmentID {
	if st.counted {
		seg := st.seg(tail)
		seg.Counter = true
		seg.Flags |= FlagCount
	}
	return tail
}

// branch compiles both sub-chains of a conditional held by segment
// owner. When the conditional is not the last action, branches that do
// not terminate jump into a fresh post segment, which is returned.
func (st *parseState) branch(owner SegmentID, cond *offload.Conditional, last bool) (SegmentID, error) {
	trueID := st.newSegment(RoleBranchTrue)
	falseID := st.newSegment(RoleBranchFalse)
	o := st.seg(owner)
	o.True = trueID
	o.False = falseID

	var open []SegmentID
	st.depth++
	for _, b := range []struct {
		id      SegmentID
		actions []offload.Action
	}{{trueID, cond.True}, {falseID, cond.False}} {
		tail, isOpen, err := st.walk(b.actions, b.id)
		if err != nil {
			st.depth--
			return NoSegment, err
		}
		if isOpen {
			open = append(open, tail)
		}
	}
	st.depth--

	if last {
		if len(open) > 0 {
			return NoSegment, unsupported(offload.ActionConditional, "branch continues past end of rule")
		}
		return NoSegment, nil
	}
	if len(open) == 0 {
		return NoSegment, unsupported(offload.ActionConditional, "actions after the conditional are unreachable")
	}
	next := st.newSegment(RolePost)
	for _, t := range open {
		seg := st.seg(t)
		seg.Next = next
		seg.Flags |= FlagJump
	}
	return next, nil
}

// finish runs the per-segment checks and finalizes rewrite contexts.
func (st *parseState) finish() error {
	if n := len(st.prog.Segments); n > st.caps.MaxSegments {
		return offload.ErrCapabilityExceeded{Capability: "segments", Limit: st.caps.MaxSegments, Requested: n}
	}
	for i := range st.prog.Segments {
		seg := &st.prog.Segments[i]
		if !seg.HasDestination() {
			return unsupported(offload.ActionUnknown, "segment without destination")
		}
		if seg.Flags&FlagDrop != 0 && seg.Flags&FlagRewrite != 0 {
			return unsupported(offload.ActionDrop, "drop with header rewrite")
		}
		if seg.Rewrite != nil {
			seg.Rewrite.Static = true
			for _, f := range seg.Rewrite.Fields {
				if f.FromMetadata {
					seg.Rewrite.Static = false
					break
				}
			}
		}
	}
	return st.prog.Check()
}

func (s *Segment) terminalKind() offload.ActionKind {
	switch {
	case s.Flags&FlagDrop != 0:
		return offload.ActionDrop
	case s.Flags&FlagGoto != 0:
		return offload.ActionGoto
	case s.Flags&FlagForward != 0:
		return offload.ActionForward
	}
	return offload.ActionUnknown
}
