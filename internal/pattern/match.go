// Package pattern matches expected transcript lines against actual REPL
// output. Expected lines may contain two kinds of wildcard lines: a line
// consisting solely of "..." matches zero or more output lines and is
// never rewritten; a line consisting solely of "???" matches zero or more
// output lines and is replaced by the observed lines in update mode.
package pattern

import (
	"fmt"
	"strings"
)

const (
	// SkipHole matches zero or more lines and keeps its marker in the document.
	SkipHole = "..."

	// CaptureHole matches zero or more lines and is rewritten with the
	// lines it consumed.
	CaptureHole = "???"
)

// MatchError describes the deepest point at which matching failed.
// Expected is empty when the pattern expected end of input; Got is empty
// when the output ended before the pattern was satisfied.
type MatchError struct {
	Expected string
	Got      string
	// ExpectedEOF is set when unconsumed output remained after the pattern.
	ExpectedEOF bool
	// GotEOF is set when the output ran out before an expected line.
	GotEOF bool
}

func (e *MatchError) Error() string {
	switch {
	case e.ExpectedEOF:
		return fmt.Sprintf("expected end of input, got %q", e.Got)
	case e.GotEOF:
		return fmt.Sprintf("expected %q, got end of input", e.Expected)
	default:
		return fmt.Sprintf("expected %q, got %q", e.Expected, e.Got)
	}
}

// matchFunc matches expected lines against the head of actual and returns
// the unconsumed tail plus a replacement for the expected lines, or nil
// when no rewrite is needed. With requireAll set the whole input must be
// consumed; leftover lines are a match failure, not the caller's problem.
type matchFunc func(expected, actual []string, requireAll bool) (leftover []string, updated []string, err error)

// trimTrailing strips trailing whitespace; transcript comparison ignores it.
func trimTrailing(s string) string {
	return strings.TrimRight(s, " \t\r")
}

func isHole(line, hole string) bool {
	return strings.TrimSpace(line) == hole
}

// matchExact requires every expected line to equal the actual line at the
// same offset, modulo trailing whitespace.
func matchExact(expected, actual []string, requireAll bool) ([]string, []string, error) {
	for i, want := range expected {
		if i >= len(actual) {
			return nil, nil, &MatchError{Expected: want, GotEOF: true}
		}
		if trimTrailing(want) != trimTrailing(actual[i]) {
			return nil, nil, &MatchError{Expected: want, Got: actual[i]}
		}
	}
	leftover := actual[len(expected):]
	if requireAll && len(leftover) > 0 {
		return nil, nil, &MatchError{Got: leftover[0], ExpectedEOF: true}
	}
	return leftover, nil, nil
}

// withHoles resolves every hole marked by hole in expected, delegating
// hole-free segments to next. Split points are tried smallest-first, so
// holes consume as little output as possible; requireAll propagates down
// the tail so the search backtracks (a hole grows) until the whole input
// is consumed, instead of committing to a split that strands leftover
// lines. When capture is set the hole content is the consumed lines and
// forces a rewrite; otherwise the marker itself is kept and a rewrite
// happens only if a nested pass demanded one.
func withHoles(next matchFunc, hole string, capture bool, expected, actual []string, requireAll bool) ([]string, []string, error) {
	holeIdx := -1
	for i, line := range expected {
		if isHole(line, hole) {
			holeIdx = i
			break
		}
	}
	if holeIdx < 0 {
		return next(expected, actual, requireAll)
	}

	before := expected[:holeIdx]
	after := expected[holeIdx+1:]

	rest, updatedBefore, err := next(before, actual, false)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for i := 0; i <= len(rest); i++ {
		leftover, updatedAfter, err := withHoles(next, hole, capture, after, rest[i:], requireAll)
		if err != nil {
			// Report the deepest alternative explored: the last split.
			lastErr = err
			continue
		}

		if !capture && updatedBefore == nil && updatedAfter == nil {
			return leftover, nil, nil
		}

		updated := make([]string, 0, len(expected)+i)
		if updatedBefore != nil {
			updated = append(updated, updatedBefore...)
		} else {
			updated = append(updated, before...)
		}
		if capture {
			updated = append(updated, rest[:i]...)
		} else {
			updated = append(updated, expected[holeIdx])
		}
		if updatedAfter != nil {
			updated = append(updated, updatedAfter...)
		} else {
			updated = append(updated, after...)
		}
		return leftover, updated, nil
	}
	return nil, nil, lastErr
}

// Match reconciles expected lines against actual output lines. The whole
// input must be consumed, so a final hole extends over any remaining
// output.
//
// It returns (nil, nil) when the output satisfies the pattern and nothing
// needs rewriting, a full replacement line slice when at least one
// capture-hole was exercised, or a *MatchError. Capture-holes get first
// choice of how much output to consume; skip-holes are resolved inside
// each candidate split.
func Match(expected, actual []string) ([]string, error) {
	skipPass := func(e, a []string, requireAll bool) ([]string, []string, error) {
		return withHoles(matchExact, SkipHole, false, e, a, requireAll)
	}
	_, updated, err := withHoles(skipPass, CaptureHole, true, expected, actual, true)
	if err != nil {
		return nil, err
	}
	return updated, nil
}
