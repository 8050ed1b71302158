package extract

import (
	"regexp"
	"strings"
)

var (
	htmlCommentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
	markdownLinkRe  = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)[^)]*\)`)
	markdownHeadRe  = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	headingMarkerRe = regexp.MustCompile(`\s*#+\s*$`)
)

// Markdown extracts a document from a Markdown page. HTML comments and YAML
// frontmatter are stripped; headings and links are read from the Markdown
// source itself.
func Markdown(pageURL, content string) (*Document, error) {
	content = htmlCommentRe.ReplaceAllString(content, "")
	content = stripFrontmatter(content)
	content = normalizeWhitespace(content)

	var candidates []string
	for _, m := range markdownLinkRe.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, m[1])
	}

	var headings []Heading
	title := ""
	offset := 0
	for _, line := range strings.Split(content, "\n") {
		if m := markdownHeadRe.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			text := strings.TrimSpace(headingMarkerRe.ReplaceAllString(m[2], ""))
			if text != "" {
				headings = append(headings, Heading{Level: level, Text: text, Offset: offset})
				if title == "" && level == 1 {
					title = text
				}
			}
		}
		offset += len(line) + 1
	}

	if title == "" && len(headings) > 0 {
		title = headings[0].Text
	}
	if title == "" {
		title = fallbackTitle(pageURL)
	}

	return &Document{
		URL:      pageURL,
		Title:    title,
		Content:  content,
		Links:    filterLinks(pageURL, candidates),
		Headings: headings,
	}, nil
}

// stripFrontmatter removes a leading YAML frontmatter fence.
func stripFrontmatter(content string) string {
	trimmed := strings.TrimLeft(content, "\uFEFF\n\r")
	if !strings.HasPrefix(trimmed, "---") {
		return content
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return content
	}
	after := rest[idx+4:]
	// The closing fence must sit on its own line.
	if nl := strings.IndexByte(after, '\n'); nl >= 0 {
		if strings.TrimSpace(after[:nl]) != "" && !strings.HasPrefix(after, "-") {
			return content
		}
		return after[nl+1:]
	}
	return ""
}

// TitleCaseSegment turns a path segment like "getting-started" into
// "Getting Started".
func TitleCaseSegment(seg string) string {
	words := strings.FieldsFunc(seg, func(r rune) bool {
		return r == '-' || r == '_'
	})
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
