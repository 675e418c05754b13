package pattern

import (
	"errors"
	"reflect"
	"testing"
)

func TestMatch_Exact(t *testing.T) {
	updated, err := Match([]string{"a", "b"}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if updated != nil {
		t.Errorf("Match() updated = %v, want nil", updated)
	}
}

func TestMatch_TrailingWhitespaceIgnored(t *testing.T) {
	updated, err := Match([]string{"a  ", "b"}, []string{"a", "b\t"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if updated != nil {
		t.Errorf("Match() updated = %v, want nil", updated)
	}
}

func TestMatch_MismatchPinpointed(t *testing.T) {
	_, err := Match([]string{"a", "b"}, []string{"a", "x"})
	var merr *MatchError
	if !errors.As(err, &merr) {
		t.Fatalf("Match() error = %v, want *MatchError", err)
	}
	if merr.Expected != "b" || merr.Got != "x" {
		t.Errorf("MatchError = %+v, want expected=b got=x", merr)
	}
}

func TestMatch_EndOfInput(t *testing.T) {
	_, err := Match([]string{"a", "b"}, []string{"a"})
	var merr *MatchError
	if !errors.As(err, &merr) {
		t.Fatalf("Match() error = %v, want *MatchError", err)
	}
	if merr.Expected != "b" || !merr.GotEOF {
		t.Errorf("MatchError = %+v, want expected=b at end of input", merr)
	}
}

func TestMatch_UnconsumedTrailingInput(t *testing.T) {
	_, err := Match([]string{"a"}, []string{"a", "extra"})
	var merr *MatchError
	if !errors.As(err, &merr) {
		t.Fatalf("Match() error = %v, want *MatchError", err)
	}
	if !merr.ExpectedEOF || merr.Got != "extra" {
		t.Errorf("MatchError = %+v, want expected EOF got=extra", merr)
	}
}

func TestMatch_SkipHole(t *testing.T) {
	tests := []struct {
		name     string
		expected []string
		actual   []string
	}{
		{"absorbs lines", []string{"a", "...", "z"}, []string{"a", "p", "q", "z"}},
		{"absorbs nothing", []string{"a", "...", "z"}, []string{"a", "z"}},
		{"leading hole", []string{"...", "z"}, []string{"x", "y", "z"}},
		{"trailing hole", []string{"a", "..."}, []string{"a", "x", "y"}},
		{"only hole", []string{"..."}, []string{"anything", "at", "all"}},
		{"whitespace around marker", []string{"a", "  ...  ", "z"}, []string{"a", "p", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated, err := Match(tt.expected, tt.actual)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if updated != nil {
				t.Errorf("Match() updated = %v, want nil (skip-holes never rewrite)", updated)
			}
		})
	}
}

func TestMatch_CaptureHoleRewrites(t *testing.T) {
	updated, err := Match([]string{"a", "???", "z"}, []string{"a", "p", "q", "z"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	want := []string{"a", "p", "q", "z"}
	if !reflect.DeepEqual(updated, want) {
		t.Errorf("Match() updated = %v, want %v", updated, want)
	}
}

func TestMatch_CaptureHoleEmpty(t *testing.T) {
	updated, err := Match([]string{"a", "???", "z"}, []string{"a", "z"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	want := []string{"a", "z"}
	if !reflect.DeepEqual(updated, want) {
		t.Errorf("Match() updated = %v, want %v", updated, want)
	}
}

func TestMatch_TrailingCaptureHoleAbsorbsRemainder(t *testing.T) {
	// A capture-hole at the end of the pattern must grow until the whole
	// input is consumed, capturing every remaining line.
	updated, err := Match([]string{"a", "???"}, []string{"a", "x", "y"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	want := []string{"a", "x", "y"}
	if !reflect.DeepEqual(updated, want) {
		t.Errorf("Match() updated = %v, want %v", updated, want)
	}
}

func TestMatch_MixedHoles(t *testing.T) {
	// The capture-hole decides its extent first; the skip-hole is resolved
	// within the exact-match confirmation of each candidate split.
	updated, err := Match(
		[]string{"start", "???", "mid", "...", "end"},
		[]string{"start", "c1", "c2", "mid", "s1", "end"},
	)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	want := []string{"start", "c1", "c2", "mid", "...", "end"}
	if !reflect.DeepEqual(updated, want) {
		t.Errorf("Match() updated = %v, want %v", updated, want)
	}
}

func TestMatch_LazyTieBreak(t *testing.T) {
	// The first hole must consume the smallest prefix that still lets the
	// remainder match: three b's satisfy the pattern with the first hole
	// consuming zero lines.
	updated, err := Match([]string{"...", "b", "...", "b"}, []string{"b", "b", "b"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if updated != nil {
		t.Errorf("Match() updated = %v, want nil", updated)
	}
}

func TestMatch_CaptureLazyTieBreak(t *testing.T) {
	// Lazy split search is observable through capture content: the first
	// hole takes nothing, the second takes the middle line.
	updated, err := Match([]string{"???", "b", "???", "b"}, []string{"b", "x", "b"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	want := []string{"b", "x", "b"}
	if !reflect.DeepEqual(updated, want) {
		t.Errorf("Match() updated = %v, want %v", updated, want)
	}
}

func TestMatch_HoleFailureReportsDeepestAttempt(t *testing.T) {
	_, err := Match([]string{"a", "...", "z"}, []string{"a", "p", "q"})
	var merr *MatchError
	if !errors.As(err, &merr) {
		t.Fatalf("Match() error = %v, want *MatchError", err)
	}
	// Every split fails on the missing "z"; the deepest (largest) split
	// runs out of input.
	if merr.Expected != "z" || !merr.GotEOF {
		t.Errorf("MatchError = %+v, want expected=z at end of input", merr)
	}
}

func TestMatch_EmptyPatternEmptyInput(t *testing.T) {
	updated, err := Match(nil, nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if updated != nil {
		t.Errorf("Match() updated = %v, want nil", updated)
	}
}

func TestMatchError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *MatchError
		want string
	}{
		{"mismatch", &MatchError{Expected: "a", Got: "b"}, `expected "a", got "b"`},
		{"input ended", &MatchError{Expected: "a", GotEOF: true}, `expected "a", got end of input`},
		{"trailing input", &MatchError{Got: "b", ExpectedEOF: true}, `expected end of input, got "b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
