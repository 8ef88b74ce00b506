// Package rcgen renders the environment delta captured by internal/
// hookrunner into shell-specific statements, per spec.md §4.8 "RC
// replay". It is deliberately narrow: the full shell-RC-fragment
// generator (profile script sourcing, prompt injection, completions) is
// out of scope per spec.md §1's Non-goals — this package only replays
// an env diff, which is the one piece the activation core itself must
// produce to hand to an attaching in-place shell.
package rcgen

import (
	"sort"
	"strings"
)

// Dialect identifies a shell's export/unset syntax (spec.md §4.8 table).
type Dialect int

const (
	Bash Dialect = iota
	Zsh
	Fish
	Tcsh
)

// ParseDialect maps a shell executable's base name to a Dialect.
// Unrecognised names fall back to Bash, matching bash/zsh/sh's shared
// POSIX-ish export syntax.
func ParseDialect(shellName string) Dialect {
	switch shellName {
	case "zsh":
		return Zsh
	case "fish":
		return Fish
	case "tcsh", "csh":
		return Tcsh
	default:
		return Bash
	}
}

// quoteSingle escapes a value for single-quoted shell insertion: each
// `'` becomes `'\''`, closing the quote, emitting an escaped quote, and
// reopening it (spec.md §4.8 "Value quoting").
func quoteSingle(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// Export renders a single KEY=VALUE assignment in d's dialect.
func Export(d Dialect, key, value string) string {
	q := quoteSingle(value)
	switch d {
	case Fish:
		return "set -gx " + key + " " + q + ";"
	case Tcsh:
		return "setenv " + key + " " + q + ";"
	default: // Bash, Zsh
		return "export " + key + "=" + q + ";"
	}
}

// Unset renders a removal of key in d's dialect.
func Unset(d Dialect, key string) string {
	switch d {
	case Fish:
		return "set -e " + key + ";"
	case Tcsh:
		return "unsetenv " + key + ";"
	default: // Bash, Zsh
		return "unset " + key + ";"
	}
}

// Replay computes the statements that turn the `start` environment
// snapshot into the `end` one, per spec.md §4.8's two-pass algorithm:
// unset first (keys dropped between start and end), then export
// (new or changed keys). Output order is deterministic: unsets sorted
// by key, then exports sorted by key, so repeated calls on the same
// input produce byte-identical output.
func Replay(d Dialect, start, end map[string]string) []string {
	var unsets []string

	for key := range start {
		if _, ok := end[key]; !ok {
			unsets = append(unsets, key)
		}
	}
	sort.Strings(unsets)

	var changedKeys []string
	for key, endVal := range end {
		if startVal, ok := start[key]; !ok || startVal != endVal {
			changedKeys = append(changedKeys, key)
		}
	}
	sort.Strings(changedKeys)

	lines := make([]string, 0, len(unsets)+len(changedKeys))
	for _, key := range unsets {
		lines = append(lines, Unset(d, key))
	}
	for _, key := range changedKeys {
		lines = append(lines, Export(d, key, end[key]))
	}
	return lines
}
