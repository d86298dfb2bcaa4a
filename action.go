package offload

import (
	"fmt"
	"net/netip"
	"strings"
)

// ActionKind identifies one classifier action.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionDrop
	ActionForward
	ActionMirror
	ActionCount
	ActionRewrite
	ActionVLANPush
	ActionVLANPop
	ActionTunnelEncap
	ActionGoto
	ActionSample
	ActionConditional
	// ActionContinue is only meaningful inside a conditional branch.
	// It resumes the outer action list after the conditional.
	ActionContinue
)

var actionNames = map[ActionKind]string{
	ActionDrop:        "drop",
	ActionForward:     "forward",
	ActionMirror:      "mirror",
	ActionCount:       "count",
	ActionRewrite:     "rewrite",
	ActionVLANPush:    "vlan_push",
	ActionVLANPop:     "vlan_pop",
	ActionTunnelEncap: "tunnel_encap",
	ActionGoto:        "goto",
	ActionSample:      "sample",
	ActionConditional: "conditional",
	ActionContinue:    "continue",
}

func (k ActionKind) String() string {
	if n, ok := actionNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// ParseActionKind is the inverse of String.
func ParseActionKind(s string) (ActionKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range actionNames {
		if n == s {
			return k, nil
		}
	}
	return ActionUnknown, fmt.Errorf("unknown action %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ActionKind) UnmarshalText(b []byte) error {
	v, err := ParseActionKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Action is one entry of a rule's action list. Only the fields that
// belong to Kind are meaningful.
type Action struct {
	Kind ActionKind `toml:"kind" json:"kind"`

	// Port is the destination vport for Forward and Mirror.
	Port uint32 `toml:"port,omitempty" json:"port,omitempty"`
	// Via is a next hop that must be resolved before a Forward can be
	// offloaded in full.
	Via netip.Addr `toml:"via,omitempty" json:"via,omitzero"`

	Fields []FieldRewrite `toml:"fields,omitempty" json:"fields,omitempty"`
	VLAN   uint16         `toml:"vlan,omitempty" json:"vlan,omitempty"`
	Tunnel *TunnelKey     `toml:"tunnel,omitempty" json:"tunnel,omitempty"`
	Chain  uint32         `toml:"chain,omitempty" json:"chain,omitempty"`
	Sample *SampleParams  `toml:"sample,omitempty" json:"sample,omitempty"`
	Cond   *Conditional   `toml:"cond,omitempty" json:"cond,omitempty"`
}

// Terminating reports whether the action ends a table pass.
func (a Action) Terminating() bool {
	switch a.Kind {
	case ActionDrop, ActionForward, ActionGoto:
		return true
	}
	return false
}

// FieldRewrite sets one header or metadata field. A FromMetadata field
// takes its value from per-rule state at install time, which makes the
// enclosing rewrite context dynamic.
type FieldRewrite struct {
	Field        string `toml:"field" json:"field"`
	Value        uint64 `toml:"value,omitempty" json:"value,omitempty"`
	FromMetadata bool   `toml:"from_metadata,omitempty" json:"from_metadata,omitempty"`
}

// TunnelKey identifies an encapsulation. Remote must be resolved to a
// neighbour before the encap can be programmed.
type TunnelKey struct {
	ID     uint32     `toml:"id" json:"id"`
	Remote netip.Addr `toml:"remote" json:"remote"`
}

func (k TunnelKey) String() string {
	return fmt.Sprintf("%d@%s", k.ID, k.Remote)
}

// SampleParams configures packet sampling to a sample group.
type SampleParams struct {
	Rate  uint32 `toml:"rate" json:"rate"`
	Group uint32 `toml:"group" json:"group"`
}

// Conditional is a branching action, such as a policer whose conform
// and exceed results lead to different action lists.
type Conditional struct {
	RateBps uint64   `toml:"rate_bps" json:"rate_bps"`
	Burst   uint32   `toml:"burst" json:"burst"`
	True    []Action `toml:"true" json:"true"`
	False   []Action `toml:"false" json:"false"`
}
