package offload

import (
	"fmt"
	"strings"
	"time"
)

// Stats is a counter reading.
type Stats struct {
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
	LastUsed time.Time `json:"last_used"`
}

// Add folds o into s: packets and bytes are summed, LastUsed is the
// later of the two.
func (s Stats) Add(o Stats) Stats {
	s.Packets += o.Packets
	s.Bytes += o.Bytes
	if o.LastUsed.After(s.LastUsed) {
		s.LastUsed = o.LastUsed
	}
	return s
}

// Resolution is the answer of a route or neighbour lookup.
type Resolution int

const (
	Ready Resolution = iota
	Pending
	Unreachable
)

func (r Resolution) String() string {
	switch r {
	case Ready:
		return "ready"
	case Pending:
		return "pending"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ParseResolution is the inverse of String.
func ParseResolution(s string) (Resolution, error) {
	for _, r := range []Resolution{Ready, Pending, Unreachable} {
		if strings.EqualFold(strings.TrimSpace(s), r.String()) {
			return r, nil
		}
	}
	return Unreachable, fmt.Errorf("unknown resolution %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Resolution) UnmarshalText(b []byte) error {
	v, err := ParseResolution(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
