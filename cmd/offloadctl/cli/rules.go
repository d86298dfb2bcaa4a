package cli

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/interpreter/resolver/static"
)

// RuleFile is the TOML rules file read by compile, apply, stats and
// serve:
//
//	[neighbours]
//	"192.0.2.10" = "pending"
//
//	[[rule]]
//	cookie = 1
//	domain = "switch"
//	[[rule.actions]]
//	kind = "forward"
//	port = 2
//	via = "192.0.2.10"
type RuleFile struct {
	// Neighbours seeds the static resolver used by the simulation.
	Neighbours map[string]offload.Resolution `toml:"neighbours"`
	Rules      []RuleEntry                   `toml:"rule"`
}

// RuleEntry is one rule as written in a rules file.
type RuleEntry struct {
	Cookie     offload.Cookie   `toml:"cookie"`
	Domain     offload.Domain   `toml:"domain"`
	Chain      uint32           `toml:"chain"`
	Prio       uint16           `toml:"prio"`
	IngressRep bool             `toml:"ingress_rep"`
	Match      string           `toml:"match"`
	Actions    []offload.Action `toml:"actions"`
}

// Spec converts e to the form the manager takes.
func (e RuleEntry) Spec() offload.RuleSpec {
	return offload.RuleSpec{
		Cookie:     e.Cookie,
		Domain:     e.Domain,
		Chain:      e.Chain,
		Prio:       e.Prio,
		IngressRep: e.IngressRep,
		Match:      []byte(e.Match),
		Actions:    e.Actions,
	}
}

// LoadRules reads and checks a rules file.
func LoadRules(path string) (RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleFile{}, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(string(data))
}

// ParseRules decodes the text of a rules file. Unknown keys and
// repeated cookies are errors.
func ParseRules(text string) (RuleFile, error) {
	var rf RuleFile
	md, err := toml.Decode(text, &rf)
	if err != nil {
		return RuleFile{}, fmt.Errorf("failed to parse rules: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return RuleFile{}, fmt.Errorf("rules: unknown keys %v", undecoded)
	}
	seen := make(map[offload.Cookie]bool, len(rf.Rules))
	for i, r := range rf.Rules {
		if seen[r.Cookie] {
			return RuleFile{}, fmt.Errorf("rule %d: cookie %d already used", i, r.Cookie)
		}
		seen[r.Cookie] = true
		if len(r.Actions) == 0 {
			return RuleFile{}, fmt.Errorf("rule %d: no actions", r.Cookie)
		}
	}
	for addr := range rf.Neighbours {
		if _, err := netip.ParseAddr(addr); err != nil {
			return RuleFile{}, fmt.Errorf("neighbours: %w", err)
		}
	}
	return rf, nil
}

// Specs returns the rule specs in file order.
func (rf RuleFile) Specs() []offload.RuleSpec {
	out := make([]offload.RuleSpec, len(rf.Rules))
	for i, r := range rf.Rules {
		out[i] = r.Spec()
	}
	return out
}

// Resolver returns a static resolver seeded from the neighbours table.
// Addresses not listed resolve as ready.
func (rf RuleFile) Resolver() *static.Resolver {
	r := static.New(offload.Ready)
	for addr, res := range rf.Neighbours {
		r.Set(netip.MustParseAddr(addr), res)
	}
	return r
}
