package engine

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/memoracle/memoracle/internal/extract"
)

// Snippet is a result formatted for direct injection into a model prompt.
type Snippet struct {
	Formatted  string `json:"formatted"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Breadcrumb string `json:"breadcrumb"`
	Content    string `json:"content"`
	CharCount  int    `json:"charCount"`
}

// formatSnippet renders a result with the content truncated to maxChars.
func (e *Engine) formatSnippet(r *SearchResult, maxChars int) *Snippet {
	title := r.Title
	if title == "" {
		title = "Untitled"
	}
	breadcrumb := Breadcrumb(r.Heading, r.URL)
	content := TruncateAtBoundary(r.Content, maxChars)

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", title)
	fmt.Fprintf(&b, "Source: %s\n", r.URL)
	if breadcrumb != "" {
		fmt.Fprintf(&b, "[Section: %s]\n", breadcrumb)
	}
	b.WriteByte('\n')
	b.WriteString(content)

	formatted := b.String()
	return &Snippet{
		Formatted:  formatted,
		Title:      title,
		URL:        r.URL,
		Breadcrumb: breadcrumb,
		Content:    content,
		CharCount:  len(formatted),
	}
}

// formatSnippetBudget renders a snippet whose whole formatted body fits in
// budget characters, shrinking the content to make room for the header.
func (e *Engine) formatSnippetBudget(r *SearchResult, budget int) *Snippet {
	full := e.formatSnippet(r, len(r.Content))
	overhead := full.CharCount - len(full.Content)

	contentBudget := budget - overhead
	if contentBudget < 0 {
		contentBudget = 0
	}
	return e.formatSnippet(r, contentBudget)
}

// Breadcrumb derives a location label from the chunk heading and the URL
// path: up to the last two path segments (skipping "docs" and "api"),
// title-cased and joined with " > ". When the heading already names the
// last segment, the heading alone wins.
func Breadcrumb(heading, rawURL string) string {
	var segments []string
	if u, err := url.Parse(rawURL); err == nil {
		for _, seg := range strings.Split(strings.Trim(u.Path, "/"), "/") {
			if seg == "" || seg == "docs" || seg == "api" {
				continue
			}
			segments = append(segments, seg)
		}
	}
	if len(segments) > 2 {
		segments = segments[len(segments)-2:]
	}

	if len(segments) == 0 {
		return heading
	}

	// "getting-started" should match a heading of "Getting Started".
	last := segments[len(segments)-1]
	if heading != "" {
		lower := strings.ToLower(heading)
		if strings.Contains(lower, strings.ToLower(last)) ||
			strings.Contains(lower, strings.ToLower(extract.TitleCaseSegment(last))) {
			return heading
		}
	}

	parts := make([]string, 0, len(segments)+1)
	for _, seg := range segments {
		parts = append(parts, extract.TitleCaseSegment(seg))
	}
	if heading != "" {
		parts = append(parts, heading)
	}
	return strings.Join(parts, " > ")
}

// TruncateAtBoundary cuts text to at most maxChars, preferring a paragraph
// break in the last half of the budget, then a sentence break in the last
// half, then a word break in the last 30%, then a hard cut. A cut always
// gets an ellipsis.
func TruncateAtBoundary(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}

	window := text[:maxChars]

	if idx := strings.LastIndex(window, "\n\n"); idx >= maxChars/2 {
		return strings.TrimSpace(window[:idx]) + "…"
	}

	sentenceCut := -1
	for _, delim := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, delim); idx+1 > sentenceCut {
			sentenceCut = idx + 1
		}
	}
	if sentenceCut >= maxChars/2 {
		return strings.TrimSpace(window[:sentenceCut]) + "…"
	}

	if idx := strings.LastIndexByte(window, ' '); idx >= maxChars*7/10 {
		return strings.TrimSpace(window[:idx]) + "…"
	}

	return strings.TrimSpace(window) + "…"
}
