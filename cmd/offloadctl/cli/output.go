package cli

import (
	"encoding/json"
	"fmt"
)

// OutputFlags selects how a command prints its result.
type OutputFlags struct {
	Output string `short:"o" help:"Output format: text or json." enum:"text,json" default:"text"`
}

// JSON reports whether json output was asked for.
func (f *OutputFlags) JSON() bool {
	return f.Output == "json"
}

func marshalJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(b) + "\n", nil
}
