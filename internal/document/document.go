// Package document reads Markdown files and locates REPL transcript
// blocks: fenced code blocks whose attribute list carries a class of the
// form repl-<session-name>, e.g.
//
//	```{.repl-py cmd="python3 -q" prompt=">>> "}
//	>>> 1+1
//	2
//	```
//
// Parsing is lossless: the file bytes are kept and rewriting replaces
// only the body bytes of updated blocks, so an unchanged document
// round-trips byte-for-byte.
package document

import (
	"fmt"
	"os"
	"strings"
)

// classPrefix marks a fenced block as a REPL transcript for a named session.
const classPrefix = "repl-"

// Block is one fenced REPL transcript block.
type Block struct {
	// Session is the session name from the repl-<name> class.
	Session string

	// Classes are all classes from the attribute list, including the
	// repl-<name> one.
	Classes []string

	// Attrs are the key=value attributes (cmd, prompt, prompt_char, ...).
	Attrs map[string]string

	// Lines is the block body split into lines, without the fences.
	Lines []string

	// Index identifies this block within File.Blocks.
	Index int

	// Line is the 1-based line number of the opening fence.
	Line int

	bodyStart int
	bodyEnd   int
}

// File is a parsed document.
type File struct {
	Path   string
	Data   []byte
	Blocks []Block
}

// Load reads and parses the document at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return Parse(path, data)
}

// Parse parses document data. Fenced blocks without a repl-* class are
// left alone; the parser never fails on them.
func Parse(path string, data []byte) (*File, error) {
	f := &File{Path: path, Data: data}

	text := string(data)
	offset := 0
	lineNo := 0

	for offset < len(text) {
		lineEnd, next := lineBounds(text, offset)
		line := text[offset:lineEnd]
		lineNo++

		fence, info := openingFence(line)
		if fence == "" {
			offset = next
			continue
		}

		fenceLine := lineNo
		bodyStart := next
		bodyEnd := -1
		closeNext := len(text)

		// Scan for the closing fence; an unterminated block runs to EOF.
		scan := next
		for scan < len(text) {
			scanEnd, scanNext := lineBounds(text, scan)
			lineNo++
			if isClosingFence(text[scan:scanEnd], fence) {
				bodyEnd = scan
				closeNext = scanNext
				break
			}
			scan = scanNext
		}
		if bodyEnd < 0 {
			bodyEnd = len(text)
		}
		offset = closeNext

		classes, attrs := parseAttributes(info)
		session := ""
		for _, c := range classes {
			if strings.HasPrefix(c, classPrefix) {
				session = c[len(classPrefix):]
				break
			}
		}
		if session == "" {
			continue
		}

		f.Blocks = append(f.Blocks, Block{
			Session:   session,
			Classes:   classes,
			Attrs:     attrs,
			Lines:     bodyLines(text[bodyStart:bodyEnd]),
			Index:     len(f.Blocks),
			Line:      fenceLine,
			bodyStart: bodyStart,
			bodyEnd:   bodyEnd,
		})
	}

	return f, nil
}

// Apply returns the document bytes with the bodies of the given blocks
// replaced. Keys are Block.Index values, values the new body text without
// a trailing newline. Blocks not in updates keep their original bytes.
func (f *File) Apply(updates map[int]string) []byte {
	if len(updates) == 0 {
		out := make([]byte, len(f.Data))
		copy(out, f.Data)
		return out
	}

	var sb strings.Builder
	prev := 0
	for _, b := range f.Blocks {
		text, ok := updates[b.Index]
		if !ok {
			continue
		}
		sb.Write(f.Data[prev:b.bodyStart])
		if text != "" {
			sb.WriteString(text)
			sb.WriteByte('\n')
		}
		prev = b.bodyEnd
	}
	sb.Write(f.Data[prev:])
	return []byte(sb.String())
}

// lineBounds returns the end of the line starting at offset (excluding
// the terminator) and the start of the next line.
func lineBounds(text string, offset int) (end, next int) {
	i := strings.IndexByte(text[offset:], '\n')
	if i < 0 {
		return len(text), len(text)
	}
	end = offset + i
	next = end + 1
	if end > offset && text[end-1] == '\r' {
		end--
	}
	return end, next
}

// openingFence reports the fence marker ("```", "~~~~", ...) and the info
// string if the line opens a fenced code block. Up to three leading
// spaces are allowed, per CommonMark.
func openingFence(line string) (fence, info string) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return "", ""
	}
	for _, ch := range []byte{'`', '~'} {
		n := 0
		for n < len(trimmed) && trimmed[n] == ch {
			n++
		}
		if n >= 3 {
			return trimmed[:n], strings.TrimSpace(trimmed[n:])
		}
	}
	return "", ""
}

// isClosingFence reports whether the line closes a block opened by fence:
// the same character, at least as long, nothing else but whitespace.
func isClosingFence(line, fence string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < len(fence) {
		return false
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != fence[0] {
			return false
		}
	}
	return true
}

// parseAttributes parses a pandoc-style attribute list:
//
//	{.class #id key="quoted value" bare=value}
//
// A bare info string ("python") is treated as a single class. Quoted
// values may escape the quote character with a backslash; all other
// bytes are kept verbatim so regex escapes survive.
func parseAttributes(info string) (classes []string, attrs map[string]string) {
	attrs = map[string]string{}

	braced := strings.HasPrefix(info, "{") && strings.HasSuffix(info, "}")
	if braced {
		info = info[1 : len(info)-1]
	}

	for _, tok := range splitTokens(info) {
		switch {
		case strings.HasPrefix(tok, "."):
			classes = append(classes, tok[1:])
		case strings.HasPrefix(tok, "#"):
			// Identifier; nothing here uses it.
		case strings.Contains(tok, "="):
			kv := strings.SplitN(tok, "=", 2)
			attrs[kv[0]] = unquote(kv[1])
		case !braced && tok != "":
			classes = append(classes, tok)
		}
	}
	return classes, attrs
}

// splitTokens splits on whitespace outside double quotes.
func splitTokens(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case inQuote && c == '\\' && i+1 < len(s) && s[i+1] == '"':
			cur.WriteByte(c)
			escaped = true
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case !inQuote && (c == ' ' || c == '\t'):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// unquote strips surrounding double quotes and unescapes \" sequences.
func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
		v = strings.ReplaceAll(v, `\"`, `"`)
	}
	return v
}

// bodyLines splits a block body into lines. The body's trailing newline
// separates it from the closing fence and does not produce an empty line.
func bodyLines(body string) []string {
	if body == "" {
		return nil
	}
	body = strings.TrimSuffix(body, "\n")
	lines := strings.Split(body, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
