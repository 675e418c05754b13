// Package pty spawns REPL commands on a local pseudo-terminal and
// implements the read-until-prompt transport contract.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty/v2"

	"github.com/acolita/replcheck/internal/ports"
)

// ErrTimeout is returned by ReadUntil when the prompt does not appear
// within the transport timeout.
var ErrTimeout = errors.New("timeout waiting for prompt")

// readSlice bounds each blocking read so the overall deadline is checked
// regularly.
const readSlice = 100 * time.Millisecond

// Options configures PTY allocation.
type Options struct {
	Term string   // Terminal type (default: dumb, keeps output free of escapes)
	Rows uint16   // Terminal rows (default: 24)
	Cols uint16   // Terminal columns (default: 120)
	Dir  string   // Initial working directory
	Env  []string // Additional environment variables

	// Record receives a copy of all raw output read from the process.
	Record io.Writer
}

// DefaultOptions returns defaults that keep REPL output predictable:
// TERM=dumb and NO_COLOR to suppress escape sequences, a plain PS1 for
// shells.
func DefaultOptions() Options {
	return Options{
		Term: "dumb",
		Rows: 24,
		Cols: 120,
		Env: []string{
			"NO_COLOR=1",
			"PS1=$ ",
			"PROMPT_COMMAND=",
		},
	}
}

// Spawner starts commands on local PTYs.
type Spawner struct {
	opts Options
}

// NewSpawner creates a local PTY spawner.
func NewSpawner(opts Options) *Spawner {
	if opts.Term == "" {
		opts.Term = "dumb"
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	return &Spawner{opts: opts}
}

// Spawn runs command via `sh -c` on a fresh PTY. timeout bounds every
// subsequent ReadUntil.
func (s *Spawner) Spawn(command string, timeout time.Duration) (ports.Handle, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	if s.opts.Dir != "" {
		cmd.Dir = s.opts.Dir
	}
	cmd.Env = append(os.Environ(), fmt.Sprintf("TERM=%s", s.opts.Term))
	cmd.Env = append(cmd.Env, s.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: s.opts.Rows,
		Cols: s.opts.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	return &Process{
		cmd:     cmd,
		ptmx:    ptmx,
		timeout: timeout,
		record:  s.opts.Record,
	}, nil
}

// Process is one spawned command on a PTY.
type Process struct {
	cmd     *exec.Cmd
	ptmx    *os.File
	timeout time.Duration
	record  io.Writer

	mu      sync.Mutex
	pending []byte // output read but not yet consumed by a prompt match
	closed  bool
}

// ReadUntil accumulates output until re matches, returning the text
// before the match and the matched text. The match is consumed; output
// after it stays pending for the next call.
func (p *Process) ReadUntil(re *regexp.Regexp) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(p.timeout)
	buf := make([]byte, 4096)

	for {
		if loc := re.FindIndex(p.pending); loc != nil {
			before := string(p.pending[:loc[0]])
			matched := string(p.pending[loc[0]:loc[1]])
			p.pending = append([]byte(nil), p.pending[loc[1]:]...)
			return before, matched, nil
		}

		if time.Now().After(deadline) {
			return "", "", fmt.Errorf("%w: %s after %s (pending output: %q)",
				ErrTimeout, re, p.timeout, string(p.pending))
		}

		if err := p.ptmx.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
			return "", "", fmt.Errorf("set read deadline: %w", err)
		}
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			p.pending = append(p.pending, buf[:n]...)
			if p.record != nil {
				p.record.Write(buf[:n])
			}
			continue
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			// The process exiting closes the slave side; report what we
			// were waiting for.
			return "", "", fmt.Errorf("read output while waiting for %s: %w", re, err)
		}
	}
}

// SendLine writes text plus newline to the process input.
func (p *Process) SendLine(text string) error {
	if _, err := p.ptmx.WriteString(text + "\n"); err != nil {
		return fmt.Errorf("send line: %w", err)
	}
	return nil
}

// Close closes the PTY and terminates the process. Safe to call twice.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.ptmx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty: %w", err))
	}
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && err.Error() != "os: process already finished" {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
		// Reap the child so it does not linger as a zombie.
		_ = p.cmd.Wait()
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
