package session

// CmdInvocation is one command sent to the REPL, derived from a block:
// a line whose start matches the prompt regexp is a prompt+command line,
// and the lines that follow it, up to the next such line, are its
// expected output.
type CmdInvocation struct {
	// Mode is the block's prompt mode.
	Mode PromptMode

	// PromptText is the prompt portion of the line as documented.
	PromptText string

	// Cmd is the command portion of the line, untrimmed.
	Cmd string

	// Line is the entire prompt+command line as it appeared.
	Line string

	// Expected are the output lines following the command.
	Expected []string
}

// blockPlan is the derived shape of one block: expected output before the
// first command, then the command invocations in order.
type blockPlan struct {
	initial     []string
	invocations []CmdInvocation
}

// plan derives the command invocations of a block. An empty prompt match
// never marks a command line, so patterns like `.*` cannot swallow the
// whole transcript.
func (b *ReplBlock) plan() blockPlan {
	var p blockPlan
	cur := -1 // index into p.invocations receiving output lines

	for _, line := range b.Expected {
		loc := b.Prompt.FindStringIndex(line)
		if loc == nil || loc[0] != 0 || loc[1] == 0 {
			if cur < 0 {
				p.initial = append(p.initial, line)
			} else {
				inv := &p.invocations[cur]
				inv.Expected = append(inv.Expected, line)
			}
			continue
		}

		p.invocations = append(p.invocations, CmdInvocation{
			Mode:       b.Mode,
			PromptText: line[:loc[1]],
			Cmd:        line[loc[1]:],
			Line:       line,
		})
		cur = len(p.invocations) - 1
	}
	return p
}
