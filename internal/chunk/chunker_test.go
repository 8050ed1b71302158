package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoracle/memoracle/internal/extract"
)

func TestSplitEmptyContent(t *testing.T) {
	c := New(Options{})
	assert.Nil(t, c.Split("", nil))
	assert.Nil(t, c.Split("   \n\n  ", nil))
}

func TestSplitShortContentSingleChunk(t *testing.T) {
	c := New(Options{})
	content := "Intro\n\nA short page that fits in one chunk."
	chunks := c.Split(content, []extract.Heading{{Level: 1, Text: "Intro"}})

	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0].Content)
	assert.Equal(t, "Intro", chunks[0].Heading)
	assert.Zero(t, chunks[0].StartOffset)
	assert.Equal(t, len(content), chunks[0].EndOffset)
	assert.Zero(t, chunks[0].Index)
}

func TestSplitSectionsByHeading(t *testing.T) {
	c := New(Options{MaxChunkSize: 200, MinChunkSize: 20, Overlap: 0})

	alpha := "Alpha\n\n" + strings.Repeat("alpha text. ", 10)
	beta := "Beta\n\n" + strings.Repeat("beta text. ", 10)
	content := strings.TrimSpace(alpha + "\n\n" + beta)
	headings := []extract.Heading{
		{Level: 1, Text: "Alpha", Offset: 0},
		{Level: 2, Text: "Beta", Offset: len(alpha) + 2},
	}

	chunks := c.Split(content, headings)
	require.GreaterOrEqual(t, len(chunks), 2)

	headingsSeen := map[string]bool{}
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index, "indexes are dense 0..N-1")
		headingsSeen[ch.Heading] = true
	}
	assert.True(t, headingsSeen["Alpha"])
	assert.True(t, headingsSeen["Beta"])
	for _, ch := range chunks {
		if ch.Heading == "Beta" {
			assert.NotContains(t, ch.Content, "alpha text")
		}
	}
}

func TestSplitPreambleBeforeFirstHeading(t *testing.T) {
	c := New(Options{MaxChunkSize: 120, MinChunkSize: 10, Overlap: 0})
	content := "Loose preamble paragraph before any heading.\n\nTitle\n\n" +
		strings.Repeat("section body. ", 20)
	chunks := c.Split(content, []extract.Heading{{Level: 1, Text: "Title", Offset: 46}})

	require.NotEmpty(t, chunks)
	assert.Empty(t, chunks[0].Heading, "preamble has no heading")
	assert.Contains(t, chunks[0].Content, "Loose preamble")
}

func TestSplitOversizeParagraphAccumulation(t *testing.T) {
	c := New(Options{MaxChunkSize: 100, MinChunkSize: 10, Overlap: 0})
	paras := []string{
		strings.Repeat("aa ", 15), // 45 chars
		strings.Repeat("bb ", 15),
		strings.Repeat("cc ", 15),
	}
	content := strings.TrimSpace(strings.Join(paras, "\n\n"))
	chunks := c.Split(content, nil)

	require.GreaterOrEqual(t, len(chunks), 2)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 100)
	}
	// Greedy accumulation keeps the first two paragraphs together.
	assert.Contains(t, chunks[0].Content, "aa")
	assert.Contains(t, chunks[0].Content, "bb")
}

func TestSplitFlushesSmallBufferAtCeiling(t *testing.T) {
	c := New(Options{MaxChunkSize: 100, MinChunkSize: 50, Overlap: 0})
	// A buffer below the minimum still flushes when the next paragraph
	// would push it past the ceiling.
	content := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 70)
	chunks := c.Split(content, nil)

	require.Len(t, chunks, 2)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 100)
	}
	assert.Equal(t, strings.Repeat("a", 40), chunks[0].Content)
	assert.Equal(t, strings.Repeat("b", 70), chunks[1].Content)
}

func TestSplitOverlapCarriesTail(t *testing.T) {
	c := New(Options{MaxChunkSize: 100, MinChunkSize: 10, Overlap: 20})
	content := strings.TrimSpace(
		strings.Repeat("first part words ", 5) + "\n\n" + strings.Repeat("second part words ", 5))
	chunks := c.Split(content, nil)

	require.GreaterOrEqual(t, len(chunks), 2)
	prevTail := chunks[0].Content[len(chunks[0].Content)-20:]
	assert.True(t, strings.HasPrefix(chunks[1].Content, prevTail),
		"second chunk starts with the previous chunk's tail")
}

func TestSplitSentenceFallback(t *testing.T) {
	c := New(Options{MaxChunkSize: 80, MinChunkSize: 10, Overlap: 0})
	// One paragraph, no blank lines, well over the ceiling.
	content := strings.TrimSpace(strings.Repeat("This is a sentence. ", 20))
	chunks := c.Split(content, nil)

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 80)
		assert.True(t, strings.HasSuffix(strings.TrimSpace(ch.Content), "."),
			"pieces break on sentence boundaries: %q", ch.Content)
	}
}

func TestSplitWordFallback(t *testing.T) {
	c := New(Options{MaxChunkSize: 50, MinChunkSize: 5, Overlap: 0})
	// No sentence delimiters at all.
	content := strings.TrimSpace(strings.Repeat("word ", 60))
	chunks := c.Split(content, nil)

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 50)
	}
}

func TestSplitHardCutsGiantToken(t *testing.T) {
	c := New(Options{MaxChunkSize: 40, MinChunkSize: 5, Overlap: 0})
	content := strings.Repeat("x", 150)
	chunks := c.Split(content, nil)

	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 40)
	}
}

func TestMergeTrailingSmallChunk(t *testing.T) {
	c := New(Options{MaxChunkSize: 1000, MinChunkSize: 100, Overlap: 0})
	merged := c.mergeTrailing([]Chunk{
		{Content: strings.Repeat("a", 300), EndOffset: 300},
		{Content: "tiny tail", StartOffset: 300, EndOffset: 309},
	})
	require.Len(t, merged, 1)
	assert.Contains(t, merged[0].Content, "tiny tail")
	assert.Equal(t, 309, merged[0].EndOffset)

	// No merge when the combination would exceed the ceiling.
	big := strings.Repeat("b", 995)
	kept := c.mergeTrailing([]Chunk{
		{Content: big},
		{Content: "tail"},
	})
	assert.Len(t, kept, 2)

	// No merge when the tail is already big enough.
	kept = c.mergeTrailing([]Chunk{
		{Content: strings.Repeat("a", 300)},
		{Content: strings.Repeat("c", 150)},
	})
	assert.Len(t, kept, 2)
}

func TestSplitDeterministic(t *testing.T) {
	c := New(Options{MaxChunkSize: 150, MinChunkSize: 20, Overlap: 30})
	content := strings.TrimSpace(strings.Repeat("Deterministic sentence output. ", 30))
	headings := []extract.Heading{{Level: 1, Text: "Deterministic", Offset: 0}}

	first := c.Split(content, headings)
	second := c.Split(content, headings)
	assert.Equal(t, first, second)
}

func TestNewFillsDefaults(t *testing.T) {
	c := New(Options{})
	assert.Equal(t, DefaultMaxChunkSize, c.opts.MaxChunkSize)
	assert.Equal(t, DefaultMinChunkSize, c.opts.MinChunkSize)
	assert.Equal(t, 0, c.opts.Overlap, "zero overlap is a valid choice and is kept")

	c = New(Options{Overlap: -1})
	assert.Equal(t, DefaultOverlap, c.opts.Overlap)
}
