// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"strings"
)

// MatchOutcome is the two-valued result of comparing a payload with the key.
type MatchOutcome bool

const (
	NotMatched MatchOutcome = false
	Matched    MatchOutcome = true
)

func (m MatchOutcome) String() string {
	if m {
		return "matched"
	}
	return "not_matched"
}

// Verdict is what a hook tells the packet source. Only Accept exists: the listener
// observes traffic and never drops or rewrites it.
type Verdict uint8

const VerdictAccept Verdict = 1

// Mode gates whether a match restarts the host.
type Mode uint8

const (
	ModeEnforce Mode = iota
	ModeDryRun
)

// ParseMode accepts enforce, dryrun, dry-run and dry_run (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "enforce":
		return ModeEnforce, nil
	case "dryrun", "dry-run", "dry_run":
		return ModeDryRun, nil
	default:
		return ModeEnforce, fmt.Errorf("%w: unknown mode %q (must be enforce or dryrun)", ErrConfigInvalid, s)
	}
}

func (m Mode) String() string {
	if m == ModeDryRun {
		return "dryrun"
	}
	return "enforce"
}

// MarshalText lets the mode round-trip through YAML and JSON as its name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
