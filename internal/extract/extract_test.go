package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func parseBody(src string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	return findElement(doc, "body"), nil
}

func TestExtractDispatchesOnContentType(t *testing.T) {
	md, err := Extract("https://docs.example.com/a", "# Title\n\nbody", "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "Title", md.Title)

	htm, err := Extract("https://docs.example.com/a",
		"<html><head><title>Page</title></head><body><p>body</p></body></html>", "text/html")
	require.NoError(t, err)
	assert.Equal(t, "Page", htm.Title)
}

func TestFilterLinks(t *testing.T) {
	links := filterLinks("https://docs.example.com/guides/intro", []string{
		"../api/reference",            // relative, same host
		"/guides/setup",               // absolute path
		"https://docs.example.com/faq#section", // fragment stripped
		"https://docs.example.com/faq",         // duplicate after stripping
		"https://other.example.com/x",          // cross-host dropped
		"mailto:team@example.com",              // non-http dropped
		"#anchor",                              // pure fragment dropped
		"  ",                                   // blank dropped
	})
	assert.Equal(t, []string{
		"https://docs.example.com/api/reference",
		"https://docs.example.com/guides/setup",
		"https://docs.example.com/faq",
	}, links)
}

func TestNormalizeWhitespace(t *testing.T) {
	in := "First  line\t with  tabs\r\n\r\n\r\n\r\nSecond   line   \n"
	want := "First line with tabs\n\nSecond line"
	assert.Equal(t, want, normalizeWhitespace(in))
}

func TestMarkdownExtraction(t *testing.T) {
	src := `---
title: Ignored Frontmatter
---
<!-- build note -->
# Getting Started

Install with [the CLI](/guides/cli) or read the
[reference](https://docs.example.com/api/reference "docs").

## Configuration

External [link](https://other.example.com/x).
`
	doc, err := Markdown("https://docs.example.com/guides/start", src)
	require.NoError(t, err)

	assert.Equal(t, "Getting Started", doc.Title)
	assert.NotContains(t, doc.Content, "Frontmatter")
	assert.NotContains(t, doc.Content, "build note")

	require.Len(t, doc.Headings, 2)
	assert.Equal(t, Heading{Level: 1, Text: "Getting Started", Offset: 0}, doc.Headings[0])
	assert.Equal(t, 2, doc.Headings[1].Level)
	assert.Equal(t, "Configuration", doc.Headings[1].Text)
	// Offsets address the normalized content.
	assert.Equal(t, "## Configuration",
		doc.Content[doc.Headings[1].Offset:doc.Headings[1].Offset+len("## Configuration")])

	assert.Equal(t, []string{
		"https://docs.example.com/guides/cli",
		"https://docs.example.com/api/reference",
	}, doc.Links, "cross-host links are dropped")
}

func TestMarkdownTitleFallbacks(t *testing.T) {
	// No h1: the first heading of any level wins.
	doc, err := Markdown("https://docs.example.com/a", "## Section Two\n\nbody")
	require.NoError(t, err)
	assert.Equal(t, "Section Two", doc.Title)

	// No headings at all: derive from the URL.
	doc, err = Markdown("https://docs.example.com/guides/setup", "plain body")
	require.NoError(t, err)
	assert.Equal(t, "docs.example.com/guides/setup", doc.Title)
}

func TestStripFrontmatter(t *testing.T) {
	assert.Equal(t, "# Title\n", stripFrontmatter("---\na: 1\nb: 2\n---\n# Title\n"))
	assert.Equal(t, "no fence here", stripFrontmatter("no fence here"))
	// An unclosed fence is left alone.
	assert.Equal(t, "---\na: 1\n", stripFrontmatter("---\na: 1\n"))
	// A UTF-8 BOM before the fence does not hide it.
	assert.Equal(t, "# Title\n", stripFrontmatter("\uFEFF---\na: 1\n---\n# Title\n"))
}

func TestHTMLExtraction(t *testing.T) {
	src := `<!DOCTYPE html>
<html>
<head><title>Install Guide</title></head>
<body>
<nav><a href="/nav-only">Navigation</a></nav>
<main>
<h1>Installation</h1>
<p>Download the binary and put it on your <code>PATH</code>.</p>
<script>console.log("never extracted")</script>
<h2>Verify</h2>
<p>Run the version command. See <a href="/guides/verify">verification</a>.</p>
</main>
<footer>Footer boilerplate</footer>
</body>
</html>`

	doc, err := HTML("https://docs.example.com/guides/install", src)
	require.NoError(t, err)

	assert.Equal(t, "Install Guide", doc.Title)
	assert.Contains(t, doc.Content, "Download the binary")
	assert.Contains(t, doc.Content, "PATH")
	assert.NotContains(t, doc.Content, "console.log")

	// Links come from the full document, navigation included.
	assert.Contains(t, doc.Links, "https://docs.example.com/nav-only")
	assert.Contains(t, doc.Links, "https://docs.example.com/guides/verify")
}

func TestHTMLTitleFallsBackToH1(t *testing.T) {
	doc, err := HTML("https://docs.example.com/a",
		"<html><body><h1>Only Heading</h1><p>text</p></body></html>")
	require.NoError(t, err)
	assert.Equal(t, "Only Heading", doc.Title)
}

func TestTextEmitterBlocksAndHeadings(t *testing.T) {
	src := `<body>
<h1>Alpha</h1>
<p>First paragraph.</p>
<h2>Beta</h2>
<p>Second<br>paragraph.</p>
<aside>sidebar junk</aside>
</body>`
	root, err := parseBody(src)
	require.NoError(t, err)

	em := &textEmitter{}
	em.walk(root)
	em.flush()
	text := em.out.String()

	assert.Equal(t, "Alpha\n\nFirst paragraph.\n\nBeta\n\nSecond\n\nparagraph.", text)
	assert.NotContains(t, text, "sidebar")

	require.Len(t, em.headings, 2)
	assert.Equal(t, Heading{Level: 1, Text: "Alpha", Offset: 0}, em.headings[0])
	assert.Equal(t, Heading{Level: 2, Text: "Beta", Offset: len("Alpha\n\nFirst paragraph.\n\n")}, em.headings[1])
	// Offsets address the emitted text exactly.
	assert.Equal(t, "Beta", text[em.headings[1].Offset:em.headings[1].Offset+4])
}

func TestHeadingLevel(t *testing.T) {
	assert.Equal(t, 1, headingLevel("h1"))
	assert.Equal(t, 6, headingLevel("h6"))
	assert.Zero(t, headingLevel("h7"))
	assert.Zero(t, headingLevel("header"))
	assert.Zero(t, headingLevel("p"))
}

func TestFallbackTitle(t *testing.T) {
	assert.Equal(t, "docs.example.com/guides/setup", fallbackTitle("https://docs.example.com/guides/setup/"))
	assert.Equal(t, "docs.example.com", fallbackTitle("https://docs.example.com/"))
}

func TestTitleCaseSegment(t *testing.T) {
	assert.Equal(t, "Getting Started", TitleCaseSegment("getting-started"))
	assert.Equal(t, "Api Reference", TitleCaseSegment("api_reference"))
	assert.Equal(t, "Plain", TitleCaseSegment("plain"))
	assert.Equal(t, "", TitleCaseSegment(""))
}
