package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests use the heuristic counter so token counts are stable regardless of
// whether the tiktoken encoding can be loaded in the test environment.
func testChunker(target int, overlap, tolerance float64) *Chunker {
	return New(Params{
		TargetTokens: target,
		OverlapRatio: overlap,
		Tolerance:    tolerance,
		Counter:      "heuristic",
	}, HeuristicCounter{})
}

func TestChunkEmpty(t *testing.T) {
	c := testChunker(100, 0.15, 0.2)
	assert.Nil(t, c.Chunk(""))
	assert.Nil(t, c.Chunk("   \n\t\n"))
}

func TestChunkSmallDocument(t *testing.T) {
	c := testChunker(100, 0.15, 0.2)
	text := "# Notes\n\nA short note that fits in one chunk.\n"

	chunks := c.Chunk(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Seq)
	assert.Equal(t, 0, chunks[0].StartByte)
	assert.Equal(t, len(text), chunks[0].EndByte)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, HashText(text), chunks[0].Hash)
	assert.Equal(t, "Notes", chunks[0].Heading)
}

func TestChunkSplitsAtHeading(t *testing.T) {
	text := "# First Section\n" +
		strings.Repeat("alpha beta ", 25) +
		"\n## Second Section\n" +
		strings.Repeat("gamma delta ", 25) + "\n"

	c := testChunker(50, 0, 0.4)
	chunks := c.Chunk(text)
	require.Len(t, chunks, 2)

	headingAt := strings.Index(text, "## Second Section")
	assert.Equal(t, headingAt, chunks[0].EndByte, "cut lands on the heading")
	assert.Equal(t, headingAt, chunks[1].StartByte)
	assert.Equal(t, "First Section", chunks[0].Heading)
	assert.Equal(t, "Second Section", chunks[1].Heading)
}

func TestChunkNeverCutsInsideFence(t *testing.T) {
	code := strings.Repeat("x0 x1 x2 x3 x4 x5 x6 x7 x8 x9\n", 20)
	text := "intro\n\n```\n" + code + "```\ntail one two\n"

	c := testChunker(30, 0, 0.2)
	chunks := c.Chunk(text)
	require.Len(t, chunks, 3)

	fences := FenceRanges(text)
	require.Len(t, fences, 1)
	for _, ch := range chunks {
		assert.False(t, fences[0].Contains(ch.StartByte),
			"chunk start %d inside fence", ch.StartByte)
		assert.False(t, fences[0].Contains(ch.EndByte),
			"chunk end %d inside fence", ch.EndByte)
	}

	// The intro splits off at the fence start; the fence itself is bigger
	// than the whole budget, so the middle chunk absorbs it and is allowed
	// to exceed the token ceiling.
	maxTokens := 30 + int(float64(30)*0.2)
	assert.Equal(t, fences[0].Start, chunks[1].StartByte)
	assert.Equal(t, fences[0].End, chunks[1].EndByte)
	assert.Greater(t, chunks[1].Tokens, maxTokens)
}

func TestChunkOverlapAndBudget(t *testing.T) {
	para := "The quick brown fox jumps over it. It runs far today and rests.\n\n"
	text := strings.Repeat(para, 40)

	c := testChunker(60, 0.25, 0.3)
	chunks := c.Chunk(text)
	require.Greater(t, len(chunks), 2)

	maxTokens := 60 + int(float64(60)*0.3)
	assert.Equal(t, 0, chunks[0].StartByte)
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndByte)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Seq)
		assert.LessOrEqual(t, ch.Tokens, maxTokens, "chunk %d over budget", i)
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		assert.Greater(t, ch.StartByte, prev.StartByte, "chunk %d must advance", i)
		assert.Less(t, ch.StartByte, prev.EndByte, "chunk %d should overlap its predecessor", i)
	}
}

func TestChunkDeterminism(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Journal\n\n")
	for i := 0; i < 30; i++ {
		b.WriteString("Some daily prose with enough words to matter. More words follow here.\n\n")
		if i%7 == 3 {
			b.WriteString("```\nfenced := true\n```\n\n")
		}
		if i%5 == 0 {
			b.WriteString("## Entry\n\n- one item\n- two item\n\n")
		}
	}
	text := b.String()

	c := testChunker(80, 0.15, 0.2)
	first := c.Chunk(text)
	second := c.Chunk(text)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)

	// Identity hashes come from normalized text only.
	for _, ch := range first {
		assert.Equal(t, HashText(ch.Text), ch.Hash)
		assert.NotEmpty(t, ch.Hash)
	}
}

func TestParamsFingerprint(t *testing.T) {
	a := Params{TargetTokens: 900, OverlapRatio: 0.15, Tolerance: 0.2, Counter: "heuristic"}
	b := a
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.TargetTokens = 512
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	b = a
	b.Counter = "cl100k_base"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestNormalizeAndHash(t *testing.T) {
	assert.Equal(t, HashText("hello world\n"), HashText("hello world\r\n"))
	assert.Equal(t, HashText("  hello  "), HashText("hello"))
	assert.NotEqual(t, HashText("hello"), HashText("goodbye"))
}
