package logging

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Components lists the component names the module logs under.
var Components = []string{"broker", "device", "dispatcher", "manager", "peer", "resolver", "retry"}

// Spec is a base level plus per-component overrides.
//
// The text form is "<level>[,<component>=<level>]...", for example
// "warn,manager=debug,device=trace". The base level, when present,
// must come first.
type Spec struct {
	Base       Level
	Components map[string]Level
}

// ParseSpec parses the text form of a Spec. The empty string means
// info for everything.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{Base: LevelInfo, Components: make(map[string]Level)}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		component, levelStr, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first in spec", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.Base = level
			continue
		}

		component = strings.TrimSpace(component)
		if component == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return spec, fmt.Errorf("invalid level for component %q: %w", component, err)
		}
		spec.Components[component] = level
	}
	return spec, nil
}

// LevelFor returns the level in force for component.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.Base
}

// Unknown returns the overridden components that no package logs
// under, sorted. Usually a typo.
func (s *Spec) Unknown() []string {
	var out []string
	for c := range s.Components {
		if !slices.Contains(Components, c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// String returns the text form, with overrides sorted by component.
func (s *Spec) String() string {
	names := make([]string, 0, len(s.Components))
	for c := range s.Components {
		names = append(names, c)
	}
	sort.Strings(names)

	parts := []string{s.Base.String()}
	for _, c := range names {
		parts = append(parts, c+"="+s.Components[c].String())
	}
	return strings.Join(parts, ",")
}
