// Package logging builds the slog loggers used across go-offload.
//
// Every package tags its logger with a "component" attribute
// (manager, broker, dispatcher, peer, retry, device, resolver). A log
// spec such as "warn,manager=debug" sets a base level and per-component
// overrides; see ParseSpec.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level is a log level. debug through error share slog's values;
// trace sits below debug and is used for per-entry device chatter.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

var levelNames = []struct {
	level Level
	names []string
}{
	{LevelTrace, []string{"trace"}},
	{LevelDebug, []string{"debug"}},
	{LevelInfo, []string{"info"}},
	{LevelWarn, []string{"warn", "warning"}},
	{LevelError, []string{"error", "err"}},
}

// ParseLevel parses trace, debug, info, warn or error, in any case.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, l := range levelNames {
		for _, n := range l.names {
			if n == s {
				return l.level, nil
			}
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// ToSlog converts l to a slog.Level.
func (l Level) ToSlog() slog.Level {
	return slog.Level(l)
}

func (l Level) String() string {
	for _, ln := range levelNames {
		if ln.level == l {
			return ln.names[0]
		}
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// UnmarshalText lets a Level be read straight from a config file.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
