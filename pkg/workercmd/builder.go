// Package workercmd builds canonical CLI invocations for the transcoding worker.
//
// Design:
//
//   - This layer is a pure "command construction" module: no execution, no I/O.
//     It returns two projections of the same intent: argv (process argument
//     vector) and a shell-quoted command string (for logging).
//   - Numeric flags are ALWAYS emitted (including 0).
//   - Optional strings are emitted only when non-empty.
//   - Process lifecycle belongs in a higher layer (processmgr, relay).
//
// Usage:
//
//	argv := workercmd.BuildHLS(opts)          // []string{"ffmpeg", "-i", "pipe:0", ...}
//	s    := workercmd.FromHLS(opts).BuildString()
package workercmd

import (
	"strconv"
	"strings"
)

// Builder constructs argv and shell-safe command strings for the worker.
//
// The Builder implements a fluent API; it is NOT concurrency-safe.
//
// Invariants:
//   - argv[0] is always the binary name.
//   - All With* methods are deterministic and order-preserving.
//   - BuildArgv returns a copy.
type Builder struct {
	args []string // argv including binary name at index 0
}

// NewBuilder returns a Builder pre-seeded with the binary name.
func NewBuilder(binary string) *Builder {
	return &Builder{args: []string{binary}}
}

// WithIntFlag appends a flag with a base-10 int value (always emitted).
func (b *Builder) WithIntFlag(flag string, val int) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(val))
	return b
}

// WithStringFlag appends a flag with a string value if non-empty.
func (b *Builder) WithStringFlag(flag, val string) *Builder {
	if val != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// WithString appends a positional string argument if non-empty.
func (b *Builder) WithString(arg string) *Builder {
	if arg != "" {
		b.args = append(b.args, arg)
	}
	return b
}

// WithStrings appends raw arguments verbatim (empty entries are skipped).
func (b *Builder) WithStrings(args ...string) *Builder {
	for _, a := range args {
		b.WithString(a)
	}
	return b
}

// BuildArgv returns a copy of the constructed argument vector.
func (b *Builder) BuildArgv() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// BuildString returns a single shell-quoted command string.
func (b *Builder) BuildString() string {
	quoted := make([]string, len(b.args))
	for i, a := range b.args {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shQuote returns a POSIX-safe single-quoted token.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
