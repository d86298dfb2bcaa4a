// Package offload contains the domain types shared by the flow-rule
// offload compiler, resource broker, and rule registry.
package offload

import (
	"fmt"
	"strings"
)

// Cookie is the classifier's opaque identifier for a rule. It is the
// de-duplication key of the registry.
type Cookie uint64

// DeviceID names one hardware device. A link-aggregated group has a
// primary device and one or more peers.
type DeviceID string

// Domain is the classification domain a rule is offloaded into.
type Domain int

const (
	// DomainIngress is the NIC receive pipeline.
	DomainIngress Domain = iota
	// DomainSwitch is the embedded switch (FDB) pipeline.
	DomainSwitch
)

func (d Domain) String() string {
	switch d {
	case DomainIngress:
		return "ingress"
	case DomainSwitch:
		return "switch"
	default:
		return fmt.Sprintf("Domain(%d)", int(d))
	}
}

// ParseDomain parses the names accepted in rule files.
func ParseDomain(s string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ingress", "ingress-only", "nic":
		return DomainIngress, nil
	case "switch", "switching", "fdb":
		return DomainSwitch, nil
	default:
		return 0, fmt.Errorf("unknown domain %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Domain) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Domain) UnmarshalText(b []byte) error {
	v, err := ParseDomain(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// RuleSpec is a classifier request: a match key plus an ordered list
// of actions. The match key is opaque to the compiler.
type RuleSpec struct {
	Cookie Cookie
	Domain Domain
	// Chain and Prio select the root table the rule is inserted into.
	Chain uint32
	Prio  uint16
	// IngressRep is set when the rule matches traffic arriving from a
	// representor port. It feeds the peer replication decision.
	IngressRep bool
	Match      []byte
	Actions    []Action
}

// HasAction reports whether any top-level action or branch action has
// the given kind.
func (s RuleSpec) HasAction(kind ActionKind) bool {
	return containsKind(s.Actions, kind)
}

func containsKind(actions []Action, kind ActionKind) bool {
	for _, a := range actions {
		if a.Kind == kind {
			return true
		}
		if a.Cond != nil && (containsKind(a.Cond.True, kind) || containsKind(a.Cond.False, kind)) {
			return true
		}
	}
	return false
}
