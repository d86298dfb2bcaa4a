package manager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/interpreter"
)

// deviceSet is the set of devices the executor can reach.
type deviceSet struct {
	mu      sync.RWMutex
	devices map[offload.DeviceID]interpreter.Device
}

var _ interpreter.DeviceLookup = (*deviceSet)(nil)

func newDeviceSet() *deviceSet {
	return &deviceSet{devices: make(map[offload.DeviceID]interpreter.Device)}
}

func (s *deviceSet) add(d interpreter.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID()]; ok {
		return fmt.Errorf("device %s registered twice", d.ID())
	}
	s.devices[d.ID()] = d
	return nil
}

// Device implements interpreter.DeviceLookup.
func (s *deviceSet) Device(id offload.DeviceID) (interpreter.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

func (s *deviceSet) all() []interpreter.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]interpreter.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
