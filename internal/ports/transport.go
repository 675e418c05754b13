// Package ports defines interfaces for external capabilities so the
// session driver can be tested without real processes.
package ports

import (
	"regexp"
	"time"
)

// Handle is one spawned REPL process. Implementations must be safe to
// Close more than once and on every exit path.
type Handle interface {
	// ReadUntil reads output until re matches, returning the text before
	// the match and the matched text itself. It fails when the transport
	// timeout elapses first.
	ReadUntil(re *regexp.Regexp) (before, matched string, err error)

	// SendLine writes text followed by a newline to the process input.
	SendLine(text string) error

	// Close releases the process and its terminal.
	Close() error
}

// Spawner starts REPL processes. timeout bounds every subsequent
// ReadUntil on the returned handle.
type Spawner interface {
	Spawn(command string, timeout time.Duration) (Handle, error)
}
