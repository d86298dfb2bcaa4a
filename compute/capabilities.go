package compute

// Capabilities describes what a device can express in one rule.
type Capabilities struct {
	MaxSegments      int  `toml:"max_segments"`
	MaxRewriteFields int  `toml:"max_rewrite_fields"`
	MaxDestinations  int  `toml:"max_destinations"`
	MaxVLANDepth     int  `toml:"max_vlan_depth"`
	Counters         bool `toml:"counters"`
	Rewrite          bool `toml:"rewrite"`
	Branching        bool `toml:"branching"`
	Sampling         bool `toml:"sampling"`
	Hairpin          bool `toml:"hairpin"`
	Encap            bool `toml:"encap"`
}

// DefaultCapabilities matches the defaults shipped in default.toml.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxSegments:      8,
		MaxRewriteFields: 16,
		MaxDestinations:  4,
		MaxVLANDepth:     2,
		Counters:         true,
		Rewrite:          true,
		Branching:        true,
		Sampling:         true,
		Hairpin:          true,
		Encap:            true,
	}
}
