// Package extract turns fetched HTML or Markdown into plain text plus the
// structure the pipeline needs: title, same-host links, and headings with
// cumulative text offsets.
package extract

import (
	"net/url"
	"strings"
)

// Heading is a document heading located in the extracted plain text.
// Offset is a cumulative character position and is approximate: it exists
// for section splitting and diagnostics, not byte-exact addressing.
type Heading struct {
	Level  int    `json:"level"`
	Text   string `json:"text"`
	Offset int    `json:"offset"`
}

// Document is the extractor's output for one page.
type Document struct {
	URL      string
	Title    string
	Content  string
	Links    []string
	Headings []Heading
}

// Extract dispatches on content type: Markdown for text/markdown, HTML
// otherwise.
func Extract(pageURL, content, contentType string) (*Document, error) {
	if strings.Contains(contentType, "markdown") {
		return Markdown(pageURL, content)
	}
	return HTML(pageURL, content)
}

// filterLinks resolves candidates against the page URL, keeps same-host
// http(s) links, strips fragments, and dedupes preserving order.
func filterLinks(pageURL string, candidates []string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		u, err := base.Parse(raw)
		if err != nil {
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		if u.Host != base.Host {
			continue
		}
		u.Fragment = ""
		link := u.String()
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}

// normalizeWhitespace produces the canonical plain-text form: no tabs, no
// trailing space, lines trimmed, at most one blank line between blocks.
func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\t", " ")

	lines := strings.Split(text, "\n")
	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(collapseSpaces(line))
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
			b.WriteByte('\n')
			continue
		}
		blank = 0
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func collapseSpaces(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if r == ' ' || r == ' ' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
