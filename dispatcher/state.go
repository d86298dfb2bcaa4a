package dispatcher

import (
	"fmt"

	"github.com/frobware/go-offload"
)

// Key identifies one root table on one device.
type Key struct {
	Device offload.DeviceID `json:"device"`
	Domain offload.Domain   `json:"domain"`
	Chain  uint32           `json:"chain"`
	Prio   uint16           `json:"prio"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d/%d", k.Device, k.Domain, k.Chain, k.Prio)
}

// State is the bookkeeping for a root table.
type State struct {
	Key

	// Table is the device reference returned when the table was created.
	Table offload.TableRef `json:"table"`

	// Refs is the number of rules installed into the table.
	Refs int `json:"refs"`
}
