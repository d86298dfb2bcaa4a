// Package compute contains the pure part of offloading: compiling a
// rule's action list into a chain of hardware table segments. Nothing
// in this package performs I/O; resource needs are recorded on the
// segments as requests for the manager to satisfy.
package compute

import (
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"strings"

	"github.com/frobware/go-offload"
)

// SegmentID addresses a segment within its Program's arena.
type SegmentID int

// NoSegment marks an absent jump target.
const NoSegment SegmentID = -1

// Role says where in the chain a segment sits.
type Role int

const (
	RoleRoot Role = iota
	RolePost
	RoleBranchTrue
	RoleBranchFalse
)

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RolePost:
		return "post"
	case RoleBranchTrue:
		return "branch_true"
	case RoleBranchFalse:
		return "branch_false"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Flags accumulates what a segment does.
type Flags uint32

const (
	FlagDrop Flags = 1 << iota
	FlagForward
	FlagMirror
	FlagCount
	FlagRewrite
	FlagVLAN
	FlagEncap
	FlagGoto
	FlagSample
	FlagBranch
	FlagJump
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagDrop, "drop"},
	{FlagForward, "forward"},
	{FlagMirror, "mirror"},
	{FlagCount, "count"},
	{FlagRewrite, "rewrite"},
	{FlagVLAN, "vlan"},
	{FlagEncap, "encap"},
	{FlagGoto, "goto"},
	{FlagSample, "sample"},
	{FlagBranch, "branch"},
	{FlagJump, "jump"},
}

func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// destinationFlags are the flags that give a segment somewhere to send
// the packet when the pass ends.
const destinationFlags = FlagDrop | FlagForward | FlagGoto | FlagJump | FlagBranch

// RewriteRequest is the accumulated header rewrite of one segment.
type RewriteRequest struct {
	Fields []offload.FieldRewrite
	// Static is true when every field is a compile-time constant.
	Static bool
}

// Metadata fields a dynamic rewrite can take from the rule it is
// installed for.
const (
	MetadataChain = "metadata.chain"
	MetadataPrio  = "metadata.prio"
)

// Bind computes the content of every dynamic field from the rule the
// request is installed for. MetadataChain and MetadataPrio take the
// rule's chain and prio; any other dynamic field keeps the per-rule
// value it carries. The result is still dynamic, but two bound
// requests share an object only when their bytes agree.
func (r RewriteRequest) Bind(spec offload.RuleSpec) RewriteRequest {
	out := RewriteRequest{Fields: append([]offload.FieldRewrite(nil), r.Fields...), Static: r.Static}
	for i := range out.Fields {
		f := &out.Fields[i]
		if !f.FromMetadata {
			continue
		}
		switch f.Field {
		case MetadataChain:
			f.Value = uint64(spec.Chain)
		case MetadataPrio:
			f.Value = uint64(spec.Prio)
		}
	}
	return out
}

// Key is the canonical content key used to share identical rewrite
// contexts. Field order does not matter. Dynamic fields are keyed by
// their bound value, so Bind must run first.
func (r RewriteRequest) Key() string {
	parts := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		if f.FromMetadata {
			parts[i] = fmt.Sprintf("%s=@%#x", f.Field, f.Value)
		} else {
			parts[i] = fmt.Sprintf("%s=%#x", f.Field, f.Value)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// HairpinRequest asks for a fast-path queue pair towards a port on
// the same device.
type HairpinRequest struct {
	PeerPort uint32
	Prio     uint16
}

// PoliceParams are the parameters of a conditional (policer) action.
type PoliceParams struct {
	RateBps uint64
	Burst   uint32
}

// Segment is one hardware table program.
type Segment struct {
	ID      SegmentID
	Role    Role
	Actions []offload.Action
	Flags   Flags

	// Dests holds Forward and Mirror ports in declaration order.
	Dests []uint32
	Goto  uint32
	// Next is the post-action jump taken when the pass completes.
	Next SegmentID
	// True and False are the branch targets of a conditional.
	True  SegmentID
	False SegmentID

	Rewrite *RewriteRequest
	Counter bool
	Hairpin *HairpinRequest
	Tunnel  *offload.TunnelKey
	Via     netip.Addr
	Sample  *offload.SampleParams
	Police  *PoliceParams

	vlanDepth int
}

// HasDestination reports whether the segment ends somewhere.
func (s *Segment) HasDestination() bool {
	return s.Flags&destinationFlags != 0
}

// Targets returns the segments this one can jump to.
func (s *Segment) Targets() []SegmentID {
	var out []SegmentID
	for _, id := range []SegmentID{s.Next, s.True, s.False} {
		if id != NoSegment {
			out = append(out, id)
		}
	}
	return out
}

// Resolve returns every address that must be resolved before the
// segment can be installed in full: the encap remote first, then the
// forward next hop.
func (s *Segment) Resolve() []netip.Addr {
	var out []netip.Addr
	if s.Tunnel != nil && s.Tunnel.Remote.IsValid() {
		out = append(out, s.Tunnel.Remote)
	}
	if s.Via.IsValid() && !slices.Contains(out, s.Via) {
		out = append(out, s.Via)
	}
	return out
}

// Program is a compiled rule: an arena of segments. Segment 0 is the
// root, installed as the primary table entry. Jumps always point to a
// higher ID, so descending ID order installs every jump target before
// its referrer.
type Program struct {
	Cookie   offload.Cookie
	Domain   offload.Domain
	Chain    uint32
	Prio     uint16
	Segments []Segment
	// StatsSegment is the segment whose counter answers stats reads,
	// or NoSegment when the rule is not counted.
	StatsSegment SegmentID
}

// Root returns the root segment.
func (p *Program) Root() *Segment {
	return &p.Segments[0]
}

// Segment returns the segment with the given ID.
func (p *Program) Segment(id SegmentID) *Segment {
	return &p.Segments[id]
}

// InstallOrder is leaf to root.
func (p *Program) InstallOrder() []SegmentID {
	out := make([]SegmentID, len(p.Segments))
	for i := range p.Segments {
		out[i] = SegmentID(len(p.Segments) - 1 - i)
	}
	return out
}

// RemoveOrder is root to leaf, the exact reverse of InstallOrder.
func (p *Program) RemoveOrder() []SegmentID {
	out := p.InstallOrder()
	slices.Reverse(out)
	return out
}

// Branches returns the number of conditional sub-chains.
func (p *Program) Branches() int {
	n := 0
	for i := range p.Segments {
		if r := p.Segments[i].Role; r == RoleBranchTrue || r == RoleBranchFalse {
			n++
		}
	}
	return n
}

// Resolutions returns the distinct addresses the program depends on.
func (p *Program) Resolutions() []netip.Addr {
	var out []netip.Addr
	for i := range p.Segments {
		for _, a := range p.Segments[i].Resolve() {
			if !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out
}

// Check verifies the arena invariants: every jump goes forward to an
// existing segment and the root is segment 0.
func (p *Program) Check() error {
	if len(p.Segments) == 0 {
		return fmt.Errorf("program has no segments")
	}
	if p.Segments[0].Role != RoleRoot {
		return fmt.Errorf("segment 0 is %s, not root", p.Segments[0].Role)
	}
	for i := range p.Segments {
		s := &p.Segments[i]
		if s.ID != SegmentID(i) {
			return fmt.Errorf("segment %d has id %d", i, s.ID)
		}
		for _, t := range s.Targets() {
			if t <= s.ID || int(t) >= len(p.Segments) {
				return fmt.Errorf("segment %d jumps to invalid target %d", s.ID, t)
			}
		}
	}
	return nil
}

// Describe renders the program one segment per line.
func (p *Program) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule %d domain=%s chain=%d prio=%d segments=%d\n", p.Cookie, p.Domain, p.Chain, p.Prio, len(p.Segments))
	for i := range p.Segments {
		s := &p.Segments[i]
		fmt.Fprintf(&b, "  [%d] %-12s flags=%s", s.ID, s.Role, s.Flags)
		if len(s.Dests) > 0 {
			fmt.Fprintf(&b, " dests=%v", s.Dests)
		}
		if s.Flags&FlagGoto != 0 {
			fmt.Fprintf(&b, " goto=%d", s.Goto)
		}
		if s.Next != NoSegment {
			fmt.Fprintf(&b, " next=%d", s.Next)
		}
		if s.Flags&FlagBranch != 0 {
			fmt.Fprintf(&b, " true=%d false=%d", s.True, s.False)
		}
		if s.Rewrite != nil {
			fmt.Fprintf(&b, " rewrite=%q static=%t", s.Rewrite.Key(), s.Rewrite.Static)
		}
		if s.Counter {
			b.WriteString(" counter")
		}
		if s.Hairpin != nil {
			fmt.Fprintf(&b, " hairpin=%d/%d", s.Hairpin.PeerPort, s.Hairpin.Prio)
		}
		if s.Tunnel != nil {
			fmt.Fprintf(&b, " tunnel=%s", s.Tunnel)
		}
		if s.Via.IsValid() {
			fmt.Fprintf(&b, " via=%s", s.Via)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
