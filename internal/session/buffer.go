package session

// LineBuffer accumulates the lines of one block while it is being
// verified. It starts out "borrowed", meaning every line so far came
// verbatim from the document; the first owned push promotes it
// permanently, recording that the block text diverged from the document.
//
// Go strings are immutable, so unlike a true copy-on-write buffer there
// is nothing to clone on promotion; the borrowed/owned distinction is
// kept because it is the signal for "this block needs rewriting".
type LineBuffer struct {
	lines []string
	owned bool
}

// PushBorrowed appends lines that match the document text unchanged.
func (b *LineBuffer) PushBorrowed(lines []string) {
	b.lines = append(b.lines, lines...)
}

// PushOwned appends freshly computed lines and promotes the buffer.
// Promotion is one-way: once owned, always owned.
func (b *LineBuffer) PushOwned(lines []string) {
	b.owned = true
	b.lines = append(b.lines, lines...)
}

// Len returns the number of accumulated lines.
func (b *LineBuffer) Len() int {
	return len(b.lines)
}

// MaybeOwned returns the accumulated lines and true if any owned push
// occurred, or (nil, false) if every line still matches the document.
func (b *LineBuffer) MaybeOwned() ([]string, bool) {
	if !b.owned {
		return nil, false
	}
	return b.lines, true
}
