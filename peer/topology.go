package peer

import "github.com/frobware/go-offload"

// Topology describes how the primary device relates to its peers.
type Topology struct {
	// Paired is set once the devices have exchanged their peer
	// handshake and can program each other's switch tables.
	Paired bool `toml:"paired"`

	// LAG is set when the uplinks are bonded (lag, sriov or multipath).
	LAG bool `toml:"lag"`

	// MultiPortSwitch is set when one switch spans every port.
	MultiPortSwitch bool `toml:"mpesw"`

	// Peers lists the peer devices in replication order.
	Peers []offload.DeviceID `toml:"peers"`
}

// NeedsReplication reports whether a rule must also be installed on
// every live peer.
//
// Only switch rules on a paired topology qualify. With bonded uplinks
// the traffic of a representor, or traffic leaving through a tunnel,
// may arrive on either device; a multi-port switch always needs both.
func (t Topology) NeedsReplication(spec offload.RuleSpec) bool {
	if spec.Domain != offload.DomainSwitch || !t.Paired {
		return false
	}
	if t.MultiPortSwitch {
		return true
	}
	return t.LAG && (spec.IngressRep || spec.HasAction(offload.ActionTunnelEncap))
}
