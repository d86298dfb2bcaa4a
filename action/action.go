// Package action contains reified effects - descriptions of what to do
// to a device without doing it. These are pure data structures; the
// interpreter executes them.
package action

import (
	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/compute"
)

// Action represents an effect to be executed.
type Action interface {
	isAction()
}

// Entry is one concrete table entry derived from a compiled segment.
// Jump targets are named by the RuleRef they were installed under, so
// a referrer can only be built once its targets exist.
type Entry struct {
	Cookie  offload.Cookie
	Segment compute.SegmentID
	Role    compute.Role
	Table   offload.Table
	Root    offload.TableRef
	Domain  offload.Domain
	Chain   uint32
	Prio    uint16
	Match   []byte
	Flags   compute.Flags

	Dests []uint32
	Goto  uint32
	Next  offload.RuleRef
	True  offload.RuleRef
	False offload.RuleRef

	Rewrite   offload.ObjectID
	Counter   offload.ObjectID
	QueuePair offload.ObjectID
	Mapping   offload.ObjectID

	Police *compute.PoliceParams
	Sample *offload.SampleParams
}

// Root table actions

// GetRoot obtains the root table for a (domain, chain, prio), creating
// it on the device on first use.
type GetRoot struct {
	Device offload.DeviceID
	Domain offload.Domain
	Chain  uint32
	Prio   uint16
}

func (GetRoot) isAction() {}

// PutRoot destroys a root table that no rule references any more.
type PutRoot struct {
	Device offload.DeviceID
	Table  offload.TableRef
}

func (PutRoot) isAction() {}

// Segment actions

// InstallSegment adds one compiled segment as a table entry.
type InstallSegment struct {
	Device offload.DeviceID
	Entry  Entry
}

func (InstallSegment) isAction() {}

// RemoveSegment deletes an installed table entry.
type RemoveSegment struct {
	Device offload.DeviceID
	Ref    offload.RuleRef
}

func (RemoveSegment) isAction() {}

// Slow path actions

// InstallSlowPath adds the degraded catch-all entry of a rule that is
// waiting for its destination.
type InstallSlowPath struct {
	Device offload.DeviceID
	Entry  Entry
}

func (InstallSlowPath) isAction() {}

// RemoveSlowPath deletes a rule's degraded entry.
type RemoveSlowPath struct {
	Device offload.DeviceID
	Ref    offload.RuleRef
}

func (RemoveSlowPath) isAction() {}

// Sequence executes actions in order, stopping at the first failure.
type Sequence struct {
	Actions []Action
}

func (Sequence) isAction() {}
