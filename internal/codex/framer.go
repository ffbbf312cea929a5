package codex

import (
	"bytes"
	"strings"
)

// maxLineBytes bounds how much buffered partial-line data the framer holds
// before giving up waiting for a newline and emitting what it has.
const maxLineBytes = 2 * 1024 * 1024

// LineFramer reassembles newline-delimited frames from arbitrary stream
// chunks. Chunks may contain zero, one, or several newlines; a line split
// across chunks is buffered until its terminator arrives. Completed lines
// are returned without the trailing newline, with any carriage return
// stripped and surrounding whitespace trimmed. Blank lines are dropped.
type LineFramer struct {
	buf []byte
}

// Feed consumes the next chunk and returns all lines it completed.
func (f *LineFramer) Feed(chunk []byte) []string {
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(f.buf[:idx]))
		f.buf = f.buf[idx+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}

	// A line that grew past the cap with no newline in sight is emitted
	// as-is; the caller's JSON parse will fail and it degrades to a log
	// line instead of stalling the stream.
	if len(f.buf) > maxLineBytes {
		line := strings.TrimSpace(string(f.buf))
		f.buf = nil
		if line != "" {
			lines = append(lines, line)
		}
	}

	return lines
}

// Flush returns whatever partial line remains, used when the stream ends
// without a final newline.
func (f *LineFramer) Flush() string {
	line := strings.TrimSpace(string(f.buf))
	f.buf = nil
	return line
}
