// Package session builds REPL sessions from document blocks and drives
// them against a live process, producing per-block replacement text for
// blocks whose transcript diverged.
package session

import (
	"fmt"
	"regexp"

	"github.com/acolita/replcheck/internal/document"
)

// DefaultPromptChar is the prompt_char attribute default.
const DefaultPromptChar = ":"

// PromptMode says how an observed prompt is checked against the document.
type PromptMode int

const (
	// PromptFlexible requires the prompt to match the session's prompt
	// regexp; the document text is kept as-is.
	PromptFlexible PromptMode = iota

	// PromptFixed requires the prompt to equal the documented prompt
	// text exactly.
	PromptFixed

	// PromptUpdatable requires a regexp match and writes the observed
	// prompt text back into the document. Supports prompts that vary
	// run to run, like numbered REPL prompts.
	PromptUpdatable
)

func (m PromptMode) String() string {
	switch m {
	case PromptFixed:
		return "fixed"
	case PromptUpdatable:
		return "update"
	default:
		return "flexible"
	}
}

// ReplBlock is one transcript block of a session.
type ReplBlock struct {
	// Prompt matches the REPL prompt in both expected and actual output.
	Prompt *regexp.Regexp

	// PromptChar is the prompt_char attribute, informational for now.
	PromptChar string

	// Mode applies to every command invocation in the block.
	Mode PromptMode

	// Expected holds the block body lines, prompts included.
	Expected []string

	// DocIndex is the originating document.Block index, used to apply
	// replacement text back onto the file.
	DocIndex int
}

// Session is every block belonging to one spawned-process lifetime.
type Session struct {
	// Name is the session name from the repl-<name> class.
	Name string

	// Cmd is the shell command that starts the REPL.
	Cmd string

	// Server optionally names a configured SSH server to run Cmd on.
	Server string

	// Blocks in document order.
	Blocks []ReplBlock
}

// Build groups document blocks into sessions by name. The first block of
// a session must carry cmd and prompt; later blocks inherit prompt,
// prompt_char, prompt_mode and server, and must not repeat cmd.
// The returned order follows first appearance in the document.
func Build(blocks []document.Block) ([]*Session, error) {
	var order []*Session
	byName := map[string]*Session{}

	for _, b := range blocks {
		cmd, hasCmd := b.Attrs["cmd"]

		var prompt *regexp.Regexp
		if p, ok := b.Attrs["prompt"]; ok {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("in session %s: bad regular expression for prompt %q: %w", b.Session, p, err)
			}
			prompt = re
		}

		mode, hasMode, err := parseMode(b.Attrs)
		if err != nil {
			return nil, fmt.Errorf("in session %s: %w", b.Session, err)
		}

		sess, seen := byName[b.Session]
		if !seen {
			if !hasCmd {
				return nil, fmt.Errorf("no command provided at beginning of session %s", b.Session)
			}
			if prompt == nil {
				return nil, fmt.Errorf("prompt must be specified for the session %s", b.Session)
			}
			promptChar := b.Attrs["prompt_char"]
			if promptChar == "" {
				promptChar = DefaultPromptChar
			}
			sess = &Session{
				Name:   b.Session,
				Cmd:    cmd,
				Server: b.Attrs["server"],
				Blocks: []ReplBlock{{
					Prompt:     prompt,
					PromptChar: promptChar,
					Mode:       mode,
					Expected:   b.Lines,
					DocIndex:   b.Index,
				}},
			}
			byName[b.Session] = sess
			order = append(order, sess)
			continue
		}

		if hasCmd {
			return nil, fmt.Errorf("cmd is specified a second time for session %s as %q", b.Session, cmd)
		}

		last := sess.Blocks[len(sess.Blocks)-1]
		if prompt == nil {
			prompt = last.Prompt
		}
		promptChar := b.Attrs["prompt_char"]
		if promptChar == "" {
			promptChar = last.PromptChar
		}
		if !hasMode {
			mode = last.Mode
		}
		sess.Blocks = append(sess.Blocks, ReplBlock{
			Prompt:     prompt,
			PromptChar: promptChar,
			Mode:       mode,
			Expected:   b.Lines,
			DocIndex:   b.Index,
		})
	}

	return order, nil
}

func parseMode(attrs map[string]string) (PromptMode, bool, error) {
	v, ok := attrs["prompt_mode"]
	if !ok {
		return PromptFlexible, false, nil
	}
	switch v {
	case "flexible":
		return PromptFlexible, true, nil
	case "fixed":
		return PromptFixed, true, nil
	case "update":
		return PromptUpdatable, true, nil
	default:
		return PromptFlexible, false, fmt.Errorf("unknown prompt_mode %q", v)
	}
}
