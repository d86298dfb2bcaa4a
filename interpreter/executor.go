package interpreter

import (
	"context"
	"fmt"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/action"
)

// Outcome carries what an executed action produced.
type Outcome struct {
	Ref   offload.RuleRef
	Table offload.TableRef
}

// ActionExecutor executes reified actions.
type ActionExecutor interface {
	Execute(ctx context.Context, a action.Action) (Outcome, error)
	ExecuteAll(ctx context.Context, actions []action.Action) error
}

// executor interprets and executes actions.
type executor struct {
	devices DeviceLookup
}

// NewExecutor creates a new action executor.
func NewExecutor(devices DeviceLookup) ActionExecutor {
	return &executor{devices: devices}
}

func (e *executor) device(id offload.DeviceID) (Device, error) {
	d, ok := e.devices.Device(id)
	if !ok {
		return nil, fmt.Errorf("device %s not registered", id)
	}
	return d, nil
}

// Execute runs a single action.
func (e *executor) Execute(ctx context.Context, a action.Action) (Outcome, error) {
	switch a := a.(type) {
	case action.GetRoot:
		d, err := e.device(a.Device)
		if err != nil {
			return Outcome{}, err
		}
		ref, err := d.GetRoot(ctx, a.Domain, a.Chain, a.Prio)
		return Outcome{Table: ref}, err

	case action.PutRoot:
		d, err := e.device(a.Device)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{}, d.PutRoot(ctx, a.Table)

	case action.InstallSegment:
		return e.add(ctx, a.Device, a.Entry)

	case action.InstallSlowPath:
		entry := a.Entry
		entry.Table = offload.TableSlowPath
		return e.add(ctx, a.Device, entry)

	case action.RemoveSegment:
		return Outcome{}, e.del(ctx, a.Device, a.Ref)

	case action.RemoveSlowPath:
		return Outcome{}, e.del(ctx, a.Device, a.Ref)

	case action.Sequence:
		return Outcome{}, e.ExecuteAll(ctx, a.Actions)

	default:
		return Outcome{}, fmt.Errorf("unknown action type: %T", a)
	}
}

func (e *executor) add(ctx context.Context, id offload.DeviceID, entry action.Entry) (Outcome, error) {
	d, err := e.device(id)
	if err != nil {
		return Outcome{}, err
	}
	ref, err := d.AddEntry(ctx, entry)
	return Outcome{Ref: ref}, err
}

func (e *executor) del(ctx context.Context, id offload.DeviceID, ref offload.RuleRef) error {
	d, err := e.device(id)
	if err != nil {
		return err
	}
	return d.DeleteEntry(ctx, ref)
}

// ExecuteAll runs multiple actions, stopping on first error.
func (e *executor) ExecuteAll(ctx context.Context, actions []action.Action) error {
	for _, a := range actions {
		if _, err := e.Execute(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
