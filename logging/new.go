package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar names the environment variable holding a log spec.
const EnvVar = "OFFLOAD_LOG"

// Format is the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts text (also the empty string) or json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %q", s)
}

// Options selects the spec, format and destination of a logger. The
// first non-empty spec of CLISpec, EnvSpec and ConfigSpec wins.
type Options struct {
	CLISpec    string
	EnvSpec    string
	ConfigSpec string
	Format     Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

func (o Options) spec() string {
	for _, s := range []string{o.CLISpec, o.EnvSpec, o.ConfigSpec} {
		if s != "" {
			return s
		}
	}
	return ""
}

// New builds a logger filtered per component. A spec naming a
// component nothing logs under is accepted with a warning.
func New(opts Options) (*slog.Logger, error) {
	spec, err := ParseSpec(opts.spec())
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	// The filter decides; the inner handler takes everything.
	ho := &slog.HandlerOptions{Level: LevelTrace.ToSlog()}

	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(out, ho)
	default:
		inner = slog.NewTextHandler(out, ho)
	}

	logger := slog.New(NewFilteringHandler(inner, &spec))
	if unknown := spec.Unknown(); len(unknown) > 0 {
		logger.Warn("log spec names unknown components", "components", unknown, "known", Components)
	}
	return logger, nil
}

// FromEnv builds a text logger from $OFFLOAD_LOG.
func FromEnv() (*slog.Logger, error) {
	return New(Options{EnvSpec: os.Getenv(EnvVar)})
}
