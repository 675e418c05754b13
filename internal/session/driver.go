package session

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/acolita/replcheck/internal/pattern"
	"github.com/acolita/replcheck/internal/ports"
)

// DefaultTimeout bounds every prompt wait.
const DefaultTimeout = 10 * time.Second

// State represents the driver state.
type State string

const (
	StateSpawned     State = "spawned"
	StateAwaitPrompt State = "await_prompt"
	StateSendCommand State = "send_command"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// BlockResult is the outcome for one block: Updated with the full
// replacement body text, or verified unchanged.
type BlockResult struct {
	DocIndex int
	Text     string
	Updated  bool
}

// MatchFailure reports a transcript divergence with enough context for
// the operator to diff the expected and actual output.
type MatchFailure struct {
	Session  string
	DocIndex int
	Expected []string
	Actual   []string
	Err      error
}

func (f *MatchFailure) Error() string {
	return fmt.Sprintf("session %s: %v\nexpected:\n%s\nactual:\n%s",
		f.Session, f.Err,
		indentLines(f.Expected), indentLines(f.Actual))
}

func (f *MatchFailure) Unwrap() error { return f.Err }

func indentLines(lines []string) string {
	if len(lines) == 0 {
		return "  (none)"
	}
	return "  " + strings.Join(lines, "\n  ")
}

// Driver runs one session against a spawned process. It owns the process
// handle and each block's accumulating buffer for exactly the session's
// lifetime; execution within a session is strictly sequential.
type Driver struct {
	Spawner ports.Spawner
	Timeout time.Duration

	state State

	// carried is a prompt consumed by the previous block's trailing
	// read, to be reused by the next invocation instead of reading again.
	carried    string
	hasCarried bool

	// lastSent is the command echoed back by the terminal on the next read.
	lastSent string
}

// NewDriver creates a driver with the given transport.
func NewDriver(spawner ports.Spawner, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Driver{Spawner: spawner, Timeout: timeout}
}

// State returns the current driver state.
func (d *Driver) State() State {
	if d.state == "" {
		return StateSpawned
	}
	return d.state
}

// Run spawns the session's command and verifies every block in order,
// returning one result per block. Any error aborts the session; the
// process handle is released on every exit path.
func (d *Driver) Run(sess *Session) ([]BlockResult, error) {
	handle, err := d.Spawner.Spawn(sess.Cmd, d.Timeout)
	if err != nil {
		d.state = StateFailed
		return nil, fmt.Errorf("session %s: spawn %q: %w", sess.Name, sess.Cmd, err)
	}
	defer handle.Close()

	d.state = StateSpawned
	d.carried = ""
	d.hasCarried = false
	d.lastSent = ""

	slog.Debug("session started",
		slog.String("session", sess.Name),
		slog.String("cmd", sess.Cmd),
	)

	results := make([]BlockResult, 0, len(sess.Blocks))
	for i := range sess.Blocks {
		res, err := d.runBlock(sess, &sess.Blocks[i], handle)
		if err != nil {
			d.state = StateFailed
			return nil, err
		}
		results = append(results, res)
	}

	d.state = StateDone
	return results, nil
}

func (d *Driver) runBlock(sess *Session, block *ReplBlock, handle ports.Handle) (BlockResult, error) {
	var buf LineBuffer
	p := block.plan()
	pending := p.initial
	sentSinceRead := false

	for i := range p.invocations {
		inv := &p.invocations[i]

		promptRE, err := d.promptRegexp(block, inv)
		if err != nil {
			return BlockResult{}, fmt.Errorf("session %s: %w", sess.Name, err)
		}

		d.state = StateAwaitPrompt
		var before, promptTxt string
		if d.hasCarried {
			promptTxt = d.carried
			d.hasCarried = false
			if err := checkCarriedPrompt(inv, promptRE, promptTxt); err != nil {
				return BlockResult{}, &MatchFailure{
					Session:  sess.Name,
					DocIndex: block.DocIndex,
					Expected: []string{inv.Line},
					Actual:   []string{promptTxt},
					Err:      err,
				}
			}
		} else {
			before, promptTxt, err = handle.ReadUntil(promptRE)
			if err != nil {
				return BlockResult{}, fmt.Errorf("session %s: wait for prompt %s: %w", sess.Name, promptRE, err)
			}
			sentSinceRead = false
		}

		actual := d.outputLines(before)
		updated, err := pattern.Match(pending, actual)
		if err != nil {
			return BlockResult{}, &MatchFailure{
				Session:  sess.Name,
				DocIndex: block.DocIndex,
				Expected: pending,
				Actual:   actual,
				Err:      err,
			}
		}
		if updated != nil {
			buf.PushOwned(updated)
		} else {
			buf.PushBorrowed(pending)
		}

		if inv.Mode == PromptUpdatable {
			buf.PushOwned([]string{promptTxt + inv.Cmd})
		} else {
			buf.PushBorrowed([]string{inv.Line})
		}

		if cmd := strings.TrimSpace(inv.Cmd); cmd != "" {
			d.state = StateSendCommand
			if err := handle.SendLine(cmd); err != nil {
				return BlockResult{}, fmt.Errorf("session %s: send %q: %w", sess.Name, cmd, err)
			}
			d.lastSent = cmd
			sentSinceRead = true
		}
		pending = inv.Expected
	}

	// Trailing expected output. If a command's output is still pending a
	// read, reconcile it against one final prompt wait and carry the
	// consumed prompt into the next block. Otherwise whatever remains
	// must be satisfiable with no output at all.
	if sentSinceRead {
		d.state = StateAwaitPrompt
		before, promptTxt, err := handle.ReadUntil(block.Prompt)
		if err != nil {
			return BlockResult{}, fmt.Errorf("session %s: wait for prompt %s: %w", sess.Name, block.Prompt, err)
		}
		actual := d.outputLines(before)
		updated, err := pattern.Match(pending, actual)
		if err != nil {
			return BlockResult{}, &MatchFailure{
				Session:  sess.Name,
				DocIndex: block.DocIndex,
				Expected: pending,
				Actual:   actual,
				Err:      err,
			}
		}
		if updated != nil {
			buf.PushOwned(updated)
		} else {
			buf.PushBorrowed(pending)
		}
		d.carried = promptTxt
		d.hasCarried = true
	} else if len(pending) > 0 {
		updated, err := pattern.Match(pending, nil)
		if err != nil {
			return BlockResult{}, &MatchFailure{
				Session:  sess.Name,
				DocIndex: block.DocIndex,
				Expected: pending,
				Actual:   nil,
				Err:      err,
			}
		}
		if updated != nil {
			buf.PushOwned(updated)
		} else {
			buf.PushBorrowed(pending)
		}
	}

	res := BlockResult{DocIndex: block.DocIndex}
	if lines, owned := buf.MaybeOwned(); owned {
		res.Text = strings.Join(lines, "\n")
		res.Updated = true
	}
	return res, nil
}

// promptRegexp returns the regexp a prompt wait should use: the quoted
// documented prompt for fixed mode, the block regexp otherwise.
func (d *Driver) promptRegexp(block *ReplBlock, inv *CmdInvocation) (*regexp.Regexp, error) {
	if inv.Mode == PromptFixed {
		re, err := regexp.Compile(regexp.QuoteMeta(inv.PromptText))
		if err != nil {
			return nil, fmt.Errorf("fixed prompt %q: %w", inv.PromptText, err)
		}
		return re, nil
	}
	return block.Prompt, nil
}

func checkCarriedPrompt(inv *CmdInvocation, re *regexp.Regexp, prompt string) error {
	if inv.Mode == PromptFixed {
		if prompt != inv.PromptText {
			return &pattern.MatchError{Expected: inv.PromptText, Got: prompt}
		}
		return nil
	}
	if !re.MatchString(prompt) {
		return &pattern.MatchError{Expected: re.String(), Got: prompt}
	}
	return nil
}

// outputLines splits the text read before a prompt into lines, dropping
// the terminal's echo of the previously sent command.
func (d *Driver) outputLines(text string) []string {
	lines := splitLines(text)
	if d.lastSent != "" && len(lines) > 0 &&
		strings.TrimRight(lines[0], " \t") == d.lastSent {
		lines = lines[1:]
	}
	d.lastSent = ""
	return lines
}

// splitLines splits raw pre-prompt text into output lines. Only the
// final line terminator is stripped, so a blank line just before the
// prompt stays a line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
