package compute

import (
	"github.com/frobware/go-offload"
)

// handler is the per-kind compile contract. canOffload runs before
// anything is recorded, so a rejected action leaves the segment as it
// was.
type handler interface {
	canOffload(st *parseState, seg *Segment, a offload.Action) error
	parse(st *parseState, seg *Segment, a offload.Action)
	// isMultiTable reports whether the action must be the last one of
	// its table pass.
	isMultiTable() bool
}

var handlers = map[offload.ActionKind]handler{
	offload.ActionDrop:        dropHandler{},
	offload.ActionForward:     forwardHandler{},
	offload.ActionMirror:      mirrorHandler{},
	offload.ActionCount:       countHandler{},
	offload.ActionRewrite:     rewriteHandler{},
	offload.ActionVLANPush:    vlanHandler{push: true},
	offload.ActionVLANPop:     vlanHandler{},
	offload.ActionTunnelEncap: encapHandler{},
	offload.ActionGoto:        gotoHandler{},
	offload.ActionSample:      sampleHandler{},
	offload.ActionConditional: conditionalHandler{},
	offload.ActionContinue:    continueHandler{},
}

func unsupported(kind offload.ActionKind, reason string) error {
	return offload.ErrUnsupportedAction{Action: kind, Reason: reason}
}

type dropHandler struct{}

func (dropHandler) canOffload(_ *parseState, seg *Segment, a offload.Action) error {
	if seg.Flags&FlagForward != 0 {
		return unsupported(a.Kind, "forward and drop together")
	}
	return nil
}

func (dropHandler) parse(_ *parseState, seg *Segment, _ offload.Action) {
	seg.Flags |= FlagDrop
}

func (dropHandler) isMultiTable() bool { return false }

type forwardHandler struct{}

func (forwardHandler) canOffload(st *parseState, seg *Segment, a offload.Action) error {
	if seg.Flags&FlagDrop != 0 {
		return unsupported(a.Kind, "forward and drop together")
	}
	if err := st.checkDestinations(seg); err != nil {
		return err
	}
	if st.spec.Domain == offload.DomainIngress {
		if !st.caps.Hairpin {
			return unsupported(a.Kind, "device cannot forward between ports in the ingress domain")
		}
		if seg.Hairpin != nil {
			return unsupported(a.Kind, "more than one hairpin destination")
		}
	}
	if a.Via.IsValid() && seg.Via.IsValid() && seg.Via != a.Via {
		return unsupported(a.Kind, "more than one next hop in a segment")
	}
	return nil
}

func (forwardHandler) parse(st *parseState, seg *Segment, a offload.Action) {
	seg.Flags |= FlagForward
	seg.Dests = append(seg.Dests, a.Port)
	if st.spec.Domain == offload.DomainIngress {
		seg.Hairpin = &HairpinRequest{PeerPort: a.Port, Prio: st.spec.Prio}
	}
	if a.Via.IsValid() {
		seg.Via = a.Via
	}
}

func (forwardHandler) isMultiTable() bool { return false }

type mirrorHandler struct{}

func (mirrorHandler) canOffload(st *parseState, seg *Segment, a offload.Action) error {
	if st.spec.Domain != offload.DomainSwitch {
		return unsupported(a.Kind, "mirror requires the switch domain")
	}
	return st.checkDestinations(seg)
}

func (mirrorHandler) parse(_ *parseState, seg *Segment, a offload.Action) {
	seg.Flags |= FlagMirror
	seg.Dests = append(seg.Dests, a.Port)
}

func (mirrorHandler) isMultiTable() bool { return false }

type countHandler struct{}

func (countHandler) canOffload(st *parseState, _ *Segment, a offload.Action) error {
	if !st.caps.Counters {
		return unsupported(a.Kind, "device has no flow counters")
	}
	return nil
}

// The counter itself is placed on the tail of the chain once the walk
// is complete.
func (countHandler) parse(st *parseState, _ *Segment, _ offload.Action) {
	st.counted = true
}

func (countHandler) isMultiTable() bool { return false }

type rewriteHandler struct{}

func (rewriteHandler) canOffload(st *parseState, seg *Segment, a offload.Action) error {
	if !st.caps.Rewrite {
		return unsupported(a.Kind, "device cannot rewrite headers")
	}
	if len(a.Fields) == 0 {
		return unsupported(a.Kind, "rewrite without fields")
	}
	n := len(a.Fields)
	if seg.Rewrite != nil {
		n += len(seg.Rewrite.Fields)
	}
	if n > st.caps.MaxRewriteFields {
		return offload.ErrCapabilityExceeded{Capability: "rewrite_fields", Limit: st.caps.MaxRewriteFields, Requested: n}
	}
	return nil
}

func (rewriteHandler) parse(_ *parseState, seg *Segment, a offload.Action) {
	seg.Flags |= FlagRewrite
	if seg.Rewrite == nil {
		seg.Rewrite = &RewriteRequest{}
	}
	seg.Rewrite.Fields = append(seg.Rewrite.Fields, a.Fields...)
}

func (rewriteHandler) isMultiTable() bool { return false }

type vlanHandler struct {
	push bool
}

func (h vlanHandler) canOffload(st *parseState, seg *Segment, a offload.Action) error {
	if h.push && seg.vlanDepth+1 > st.caps.MaxVLANDepth {
		return offload.ErrCapabilityExceeded{Capability: "vlan_depth", Limit: st.caps.MaxVLANDepth, Requested: seg.vlanDepth + 1}
	}
	if h.push && a.VLAN == 0 {
		return unsupported(a.Kind, "vlan id 0 cannot be pushed")
	}
	return nil
}

func (h vlanHandler) parse(_ *parseState, seg *Segment, _ offload.Action) {
	seg.Flags |= FlagVLAN
	if h.push {
		seg.vlanDepth++
	}
}

func (vlanHandler) isMultiTable() bool { return false }

type encapHandler struct{}

func (encapHandler) canOffload(st *parseState, seg *Segment, a offload.Action) error {
	switch {
	case !st.caps.Encap:
		return unsupported(a.Kind, "device cannot encapsulate")
	case st.spec.Domain != offload.DomainSwitch:
		return unsupported(a.Kind, "encap requires the switch domain")
	case a.Tunnel == nil || !a.Tunnel.Remote.IsValid():
		return unsupported(a.Kind, "encap needs a tunnel id and remote address")
	case seg.Tunnel != nil:
		return unsupported(a.Kind, "more than one encap in a segment")
	}
	return nil
}

func (encapHandler) parse(_ *parseState, seg *Segment, a offload.Action) {
	seg.Flags |= FlagEncap
	t := *a.Tunnel
	seg.Tunnel = &t
}

func (encapHandler) isMultiTable() bool { return false }

type gotoHandler struct{}

func (gotoHandler) canOffload(st *parseState, _ *Segment, a offload.Action) error {
	if a.Chain <= st.spec.Chain {
		return unsupported(a.Kind, "goto must target a higher chain")
	}
	return nil
}

func (gotoHandler) parse(_ *parseState, seg *Segment, a offload.Action) {
	seg.Flags |= FlagGoto
	seg.Goto = a.Chain
}

func (gotoHandler) isMultiTable() bool { return false }

type sampleHandler struct{}

func (sampleHandler) canOffload(st *parseState, _ *Segment, a offload.Action) error {
	if !st.caps.Sampling {
		return unsupported(a.Kind, "device cannot sample")
	}
	if a.Sample == nil || a.Sample.Rate == 0 {
		return unsupported(a.Kind, "sample needs a non-zero rate")
	}
	return nil
}

func (sampleHandler) parse(_ *parseState, seg *Segment, a offload.Action) {
	seg.Flags |= FlagSample
	p := *a.Sample
	seg.Sample = &p
}

func (sampleHandler) isMultiTable() bool { return true }

type conditionalHandler struct{}

func (conditionalHandler) canOffload(st *parseState, _ *Segment, a offload.Action) error {
	switch {
	case st.depth > 0:
		return unsupported(a.Kind, "nested conditional")
	case !st.caps.Branching:
		return unsupported(a.Kind, "device cannot branch")
	case !st.caps.Counters:
		return unsupported(a.Kind, "branching needs a flow counter")
	case a.Cond == nil:
		return unsupported(a.Kind, "conditional without branches")
	}
	return nil
}

func (conditionalHandler) parse(_ *parseState, seg *Segment, a offload.Action) {
	seg.Flags |= FlagBranch
	seg.Police = &PoliceParams{RateBps: a.Cond.RateBps, Burst: a.Cond.Burst}
	seg.Counter = true
}

func (conditionalHandler) isMultiTable() bool { return true }

type continueHandler struct{}

func (continueHandler) canOffload(st *parseState, _ *Segment, a offload.Action) error {
	if st.depth == 0 {
		return unsupported(a.Kind, "continue outside a conditional branch")
	}
	return nil
}

func (continueHandler) parse(*parseState, *Segment, offload.Action) {}

func (continueHandler) isMultiTable() bool { return false }
