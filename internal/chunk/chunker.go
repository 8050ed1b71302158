// Package chunk splits extracted page text into retrieval-sized pieces.
// The splitter is deterministic and heading-aware: identical input always
// yields identical chunks, which keeps chunk identity stable across
// re-indexing runs.
package chunk

import (
	"regexp"
	"strings"

	"github.com/memoracle/memoracle/internal/extract"
)

// Defaults for the splitter.
const (
	DefaultMaxChunkSize = 1500
	DefaultMinChunkSize = 100
	DefaultOverlap      = 100
)

// Options configures the splitter. Zero values take the defaults.
type Options struct {
	MaxChunkSize int // hard ceiling on chunk length, characters
	MinChunkSize int // below this a chunk is merged with a neighbour
	Overlap      int // trailing characters of the previous chunk carried forward
}

// Chunk is one piece of a page. Offsets are positions in the extracted
// plain text; StartOffset is the chunk's section start plus the length
// accumulated within the section before this chunk, so offsets are
// approximate once overlap or fallback splitting kicks in. They are kept
// for diagnostics only.
type Chunk struct {
	Content     string
	Heading     string
	StartOffset int
	EndOffset   int
	Index       int
}

// Chunker splits documents. Safe for concurrent use.
type Chunker struct {
	opts Options
}

var (
	paragraphRe = regexp.MustCompile(`\n\n+`)
	sentenceRe  = regexp.MustCompile(`[.!?]\s+`)
)

// New creates a chunker, filling in defaults for unset options.
func New(opts Options) *Chunker {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = DefaultMinChunkSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = DefaultOverlap
	}
	return &Chunker{opts: opts}
}

// Split chunks the plain text of a document. Headings partition the text
// into sections; sections that fit the size ceiling become single chunks,
// oversize sections are split on paragraph boundaries with sentence and
// word fallbacks. Returned chunks are indexed 0..N-1.
func (c *Chunker) Split(content string, headings []extract.Heading) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if len(content) <= c.opts.MaxChunkSize {
		heading := ""
		if len(headings) > 0 {
			heading = headings[0].Text
		}
		return []Chunk{{
			Content:     content,
			Heading:     heading,
			StartOffset: 0,
			EndOffset:   len(content),
			Index:       0,
		}}
	}

	var chunks []Chunk
	for _, sec := range splitSections(content, headings) {
		if len(sec.text) <= c.opts.MaxChunkSize {
			chunks = append(chunks, Chunk{
				Content:     sec.text,
				Heading:     sec.heading,
				StartOffset: sec.start,
				EndOffset:   sec.start + len(sec.text),
			})
			continue
		}
		chunks = append(chunks, c.splitOversize(sec)...)
	}

	chunks = c.mergeTrailing(chunks)

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// section is a run of text belonging to one heading. start is its position
// in the full plain text.
type section struct {
	heading string
	text    string
	start   int
}

// splitSections partitions the text at the positions where each heading's
// literal text occurs, scanning forward so repeated heading texts resolve
// in order. Text before the first heading becomes a headingless preamble
// section.
func splitSections(content string, headings []extract.Heading) []section {
	type breakpoint struct {
		heading string
		at      int
	}

	var breaks []breakpoint
	pos := 0
	for _, h := range headings {
		if h.Text == "" {
			continue
		}
		idx := strings.Index(content[pos:], h.Text)
		if idx < 0 {
			continue
		}
		at := pos + idx
		breaks = append(breaks, breakpoint{heading: h.Text, at: at})
		pos = at + len(h.Text)
	}

	if len(breaks) == 0 {
		return []section{{text: content, start: 0}}
	}

	var sections []section
	if breaks[0].at > 0 {
		if pre := strings.TrimSpace(content[:breaks[0].at]); pre != "" {
			sections = append(sections, section{text: pre, start: 0})
		}
	}
	for i, b := range breaks {
		end := len(content)
		if i+1 < len(breaks) {
			end = breaks[i+1].at
		}
		text := strings.TrimSpace(content[b.at:end])
		if text == "" {
			continue
		}
		sections = append(sections, section{heading: b.heading, text: text, start: b.at})
	}
	return sections
}

// splitOversize breaks one section into chunks on paragraph boundaries,
// accumulating greedily up to the size ceiling. Oversize paragraphs fall
// back to sentence and then word splitting. Every chunk after the first
// carries the trailing overlap of its predecessor.
func (c *Chunker) splitOversize(sec section) []Chunk {
	var (
		chunks []Chunk
		cur    strings.Builder
		acc    int // emitted length within the section, drives offsets
	)

	emit := func(body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		content := body
		if c.opts.Overlap > 0 && len(chunks) > 0 {
			prev := chunks[len(chunks)-1].Content
			tail := prev
			if len(tail) > c.opts.Overlap {
				tail = tail[len(tail)-c.opts.Overlap:]
			}
			content = tail + "\n" + body
		}
		chunks = append(chunks, Chunk{
			Content:     content,
			Heading:     sec.heading,
			StartOffset: sec.start + acc,
			EndOffset:   sec.start + acc + len(body),
		})
		acc += len(body)
	}

	flush := func() {
		emit(cur.String())
		cur.Reset()
	}

	for _, para := range paragraphRe.Split(sec.text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > c.opts.MaxChunkSize {
			flush()
			for _, piece := range c.splitFlat(para) {
				emit(piece)
			}
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(para) > c.opts.MaxChunkSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()

	return chunks
}

// splitFlat splits a single oversize paragraph into pieces below the size
// ceiling, on sentence boundaries where possible and word boundaries
// otherwise.
func (c *Chunker) splitFlat(para string) []string {
	sentences := splitAfter(para, sentenceRe)

	var pieces []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			pieces = append(pieces, s)
		}
		cur.Reset()
	}

	for _, sent := range sentences {
		if len(sent) > c.opts.MaxChunkSize {
			flush()
			pieces = append(pieces, c.splitWords(sent)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(sent) > c.opts.MaxChunkSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(strings.TrimSpace(sent))
	}
	flush()
	return pieces
}

// splitWords is the last-resort splitter for sentence-less runs.
func (c *Chunker) splitWords(text string) []string {
	var pieces []string
	var cur strings.Builder
	flush := func() {
		if s := cur.String(); s != "" {
			pieces = append(pieces, s)
		}
		cur.Reset()
	}

	for _, word := range strings.Fields(text) {
		// A single token above the ceiling gets hard-cut.
		for len(word) > c.opts.MaxChunkSize {
			flush()
			pieces = append(pieces, word[:c.opts.MaxChunkSize])
			word = word[c.opts.MaxChunkSize:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(word) > c.opts.MaxChunkSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	flush()
	return pieces
}

// splitAfter splits text after each delimiter match, keeping the delimiter
// with the preceding piece.
func splitAfter(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var parts []string
	prev := 0
	for _, loc := range locs {
		parts = append(parts, text[prev:loc[1]])
		prev = loc[1]
	}
	if prev < len(text) {
		parts = append(parts, text[prev:])
	}
	return parts
}

// mergeTrailing folds a too-small final chunk into its predecessor when the
// combined length still fits the ceiling.
func (c *Chunker) mergeTrailing(chunks []Chunk) []Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	last := chunks[len(chunks)-1]
	prev := chunks[len(chunks)-2]
	if len(last.Content) >= c.opts.MinChunkSize {
		return chunks
	}
	if len(prev.Content)+2+len(last.Content) > c.opts.MaxChunkSize {
		return chunks
	}
	prev.Content = prev.Content + "\n\n" + last.Content
	prev.EndOffset = last.EndOffset
	chunks[len(chunks)-2] = prev
	return chunks[:len(chunks)-1]
}
