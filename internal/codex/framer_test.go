package codex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLineFramer_SingleChunk(t *testing.T) {
	var f LineFramer
	lines := f.Feed([]byte("{\"a\":1}\n"))
	require.Equal(t, []string{`{"a":1}`}, lines)
}

func TestLineFramer_MultipleLinesInOneChunk(t *testing.T) {
	var f LineFramer
	lines := f.Feed([]byte("one\ntwo\nthree\n"))
	require.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestLineFramer_LineSplitAcrossChunks(t *testing.T) {
	var f LineFramer
	require.Empty(t, f.Feed([]byte(`{"method":"item/agent`)))
	require.Empty(t, f.Feed([]byte(`Message/delta"`)))
	lines := f.Feed([]byte("}\n"))
	require.Equal(t, []string{`{"method":"item/agentMessage/delta"}`}, lines)
}

func TestLineFramer_ChunkWithTrailingPartial(t *testing.T) {
	var f LineFramer
	lines := f.Feed([]byte("complete\npart"))
	require.Equal(t, []string{"complete"}, lines)

	lines = f.Feed([]byte("ial\n"))
	require.Equal(t, []string{"partial"}, lines)
}

func TestLineFramer_StripsCarriageReturns(t *testing.T) {
	var f LineFramer
	lines := f.Feed([]byte("windows\r\nunix\n"))
	require.Equal(t, []string{"windows", "unix"}, lines)
}

func TestLineFramer_DropsBlankLines(t *testing.T) {
	var f LineFramer
	lines := f.Feed([]byte("\n\n  \nreal\n\n"))
	require.Equal(t, []string{"real"}, lines)
}

func TestLineFramer_FlushReturnsRemainder(t *testing.T) {
	var f LineFramer
	require.Empty(t, f.Feed([]byte("no newline")))
	require.Equal(t, "no newline", f.Flush())
	require.Empty(t, f.Flush())
}

func TestLineFramer_OversizeLineIsEmitted(t *testing.T) {
	var f LineFramer
	huge := strings.Repeat("x", maxLineBytes+1)
	lines := f.Feed([]byte(huge))
	require.Len(t, lines, 1)
	require.Equal(t, huge, lines[0])
}

// TestLineFramer_ChunkingInvariant feeds the same stream under random
// chunk boundaries and requires the framed lines to be identical to a
// whole-stream split.
func TestLineFramer_ChunkingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lineGen := rapid.StringMatching(`[ -~]{0,40}`)
		rawLines := rapid.SliceOfN(lineGen, 0, 20).Draw(t, "lines")

		stream := ""
		var want []string
		for _, line := range rawLines {
			stream += line + "\n"
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				want = append(want, trimmed)
			}
		}

		var f LineFramer
		var got []string
		rest := []byte(stream)
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			got = append(got, f.Feed(rest[:n])...)
			rest = rest[n:]
		}
		if tail := f.Flush(); tail != "" {
			got = append(got, tail)
		}

		require.Equal(t, want, got)
	})
}
