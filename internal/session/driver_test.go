package session

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/acolita/replcheck/internal/pattern"
	"github.com/acolita/replcheck/internal/testing/fakes/fakerepl"
)

func shSession(blocks ...ReplBlock) *Session {
	return &Session{Name: "sh", Cmd: "sh", Blocks: blocks}
}

func shBlock(mode PromptMode, lines ...string) ReplBlock {
	return ReplBlock{
		Prompt:     regexp.MustCompile(`\$ `),
		PromptChar: DefaultPromptChar,
		Mode:       mode,
		Expected:   lines,
	}
}

func TestDriver_VerifiesUnchanged(t *testing.T) {
	handle := fakerepl.NewHandle().AddOutput(
		"$ ",
		"echo hi\r\nhi\r\n$ ",
	)
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	results, err := d.Run(shSession(shBlock(PromptFlexible, "$ echo hi", "hi", "$ ")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Updated {
		t.Errorf("block reported updated, text = %q", results[0].Text)
	}
	if got := handle.Sent(); len(got) != 1 || got[0] != "echo hi" {
		t.Errorf("sent = %v, want [echo hi]", got)
	}
	if !handle.Closed() {
		t.Error("handle not closed")
	}
	if d.State() != StateDone {
		t.Errorf("state = %s, want %s", d.State(), StateDone)
	}
}

func TestDriver_MismatchFailsSession(t *testing.T) {
	handle := fakerepl.NewHandle().AddOutput(
		"$ ",
		"echo hi\r\nHI\r\n$ ",
	)
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	_, err := d.Run(shSession(shBlock(PromptFlexible, "$ echo hi", "hi", "$ ")))

	var mf *MatchFailure
	if !errors.As(err, &mf) {
		t.Fatalf("Run() error = %v, want *MatchFailure", err)
	}
	var merr *pattern.MatchError
	if !errors.As(err, &merr) {
		t.Fatalf("error does not wrap *pattern.MatchError: %v", err)
	}
	if merr.Expected != "hi" || merr.Got != "HI" {
		t.Errorf("MatchError = %+v, want expected=hi got=HI", merr)
	}
	if !handle.Closed() {
		t.Error("handle not closed after failure")
	}
	if d.State() != StateFailed {
		t.Errorf("state = %s, want %s", d.State(), StateFailed)
	}
}

func TestDriver_CaptureHoleRewritesBlock(t *testing.T) {
	handle := fakerepl.NewHandle().AddOutput(
		"$ ",
		"date\r\nMon Jan  1 00:00:00 UTC 2024\r\n$ ",
	)
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	results, err := d.Run(shSession(shBlock(PromptFlexible, "$ date", "???", "$ ")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !results[0].Updated {
		t.Fatal("block not updated despite capture-hole")
	}
	want := "$ date\nMon Jan  1 00:00:00 UTC 2024\n$ "
	if results[0].Text != want {
		t.Errorf("Text = %q, want %q", results[0].Text, want)
	}
}

func TestDriver_SkipHoleLeavesBlockUnchanged(t *testing.T) {
	handle := fakerepl.NewHandle().AddOutput(
		"$ ",
		"date\r\nMon Jan  1 00:00:00 UTC 2024\r\n$ ",
	)
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	results, err := d.Run(shSession(shBlock(PromptFlexible, "$ date", "...", "$ ")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if results[0].Updated {
		t.Errorf("block updated by skip-hole: %q", results[0].Text)
	}
}

func TestDriver_UpdatablePromptRewritten(t *testing.T) {
	handle := fakerepl.NewHandle().AddOutput(
		"[2]: ",
		"2+2\r\n4\r\n[3]: ",
	)
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	sess := &Session{Name: "calc", Cmd: "calc", Blocks: []ReplBlock{{
		Prompt:     regexp.MustCompile(`\[\d+\]: `),
		PromptChar: DefaultPromptChar,
		Mode:       PromptUpdatable,
		Expected:   []string{"[1]: 2+2", "4"},
	}}}

	results, err := d.Run(sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !results[0].Updated {
		t.Fatal("updatable block not rewritten")
	}
	if want := "[2]: 2+2\n4"; results[0].Text != want {
		t.Errorf("Text = %q, want %q", results[0].Text, want)
	}
}

func TestDriver_TrailingOutputReconciled(t *testing.T) {
	// The block ends on a command; its output is checked by one final
	// prompt wait rather than ignored.
	handle := fakerepl.NewHandle().AddOutput(
		"$ ",
		"echo hi\r\nwrong\r\n$ ",
	)
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	_, err := d.Run(shSession(shBlock(PromptFlexible, "$ echo hi", "hi")))

	var merr *pattern.MatchError
	if !errors.As(err, &merr) {
		t.Fatalf("Run() error = %v, want match error on trailing output", err)
	}
	if merr.Expected != "hi" || merr.Got != "wrong" {
		t.Errorf("MatchError = %+v, want expected=hi got=wrong", merr)
	}
}

func TestDriver_PromptCarriedAcrossBlocks(t *testing.T) {
	handle := fakerepl.NewHandle().AddOutput(
		"$ ",
		"echo hi\r\nhi\r\n$ ", // trailing read of block 1, prompt carried
		"echo bye\r\nbye\r\n$ ",
	)
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	results, err := d.Run(shSession(
		shBlock(PromptFlexible, "$ echo hi", "hi"),
		shBlock(PromptFlexible, "$ echo bye", "bye"),
	))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.Updated {
			t.Errorf("block %d updated: %q", i, r.Text)
		}
	}
	if got := handle.Sent(); len(got) != 2 || got[0] != "echo hi" || got[1] != "echo bye" {
		t.Errorf("sent = %v", got)
	}
}

func TestDriver_FixedPromptMismatch(t *testing.T) {
	// Fixed mode waits for the literal documented prompt; the REPL
	// printing something else is a timeout-like transport failure.
	handle := fakerepl.NewHandle().AddOutput("% ")
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	_, err := d.Run(shSession(ReplBlock{
		Prompt:     regexp.MustCompile(`. `),
		PromptChar: DefaultPromptChar,
		Mode:       PromptFixed,
		Expected:   []string{"$ echo hi", "hi", "$ "},
	}))
	if err == nil {
		t.Fatal("Run() succeeded, want prompt wait failure")
	}
	if !strings.Contains(err.Error(), "wait for prompt") {
		t.Errorf("error = %v, want prompt wait failure", err)
	}
}

func TestDriver_TimeoutAbortsSession(t *testing.T) {
	handle := fakerepl.NewHandle() // no output at all
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	_, err := d.Run(shSession(shBlock(PromptFlexible, "$ echo hi", "hi", "$ ")))
	if err == nil {
		t.Fatal("Run() succeeded, want timeout")
	}
	var mf *MatchFailure
	if errors.As(err, &mf) {
		t.Errorf("timeout reported as match failure: %v", err)
	}
	if !handle.Closed() {
		t.Error("handle not closed after timeout")
	}
}

func TestDriver_SpawnFailure(t *testing.T) {
	spawner := fakerepl.NewSpawner(nil).Fail(errors.New("no such program"))
	d := NewDriver(spawner, time.Second)

	_, err := d.Run(shSession(shBlock(PromptFlexible, "$ ")))
	if err == nil || !strings.Contains(err.Error(), "spawn") {
		t.Fatalf("Run() error = %v, want spawn failure", err)
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"empty", "", nil},
		{"terminated line", "hi\r\n", []string{"hi"}},
		{"unterminated line", "hi", []string{"hi"}},
		{"two lines", "hi\r\nbye\r\n", []string{"hi", "bye"}},
		{"trailing blank line kept", "hi\r\n\r\n", []string{"hi", ""}},
		{"single blank line", "\n", []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitLines(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitLines(%q) = %#v, want %#v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDriver_PendingWithoutCommands(t *testing.T) {
	// A block that never sends anything must still account for its
	// pending lines: only holes can match the empty output.
	handle := fakerepl.NewHandle().AddOutput("$ ", "echo hi\r\nhi\r\n$ ")
	d := NewDriver(fakerepl.NewSpawner(handle), time.Second)

	results, err := d.Run(shSession(
		shBlock(PromptFlexible, "$ echo hi", "hi"),
		shBlock(PromptFlexible, "$ ", "..."),
	))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if results[1].Updated {
		t.Errorf("hole-only trailing block updated: %q", results[1].Text)
	}
}
