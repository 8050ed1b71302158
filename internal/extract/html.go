package extract

import (
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Elements whose text never belongs in extracted content.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"iframe": true, "svg": true, "object": true, "embed": true,
}

// Elements that start a new text block.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"blockquote": true, "pre": true, "ul": true, "ol": true, "li": true,
	"table": true, "tr": true, "td": true, "th": true, "dl": true,
	"dt": true, "dd": true, "figure": true, "figcaption": true, "hr": true,
	"form": true, "fieldset": true, "address": true, "details": true,
	"summary": true,
}

// Elements readability would drop anyway; skipped in the fallback walk so
// that both paths produce comparable text.
var chromeElements = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
}

// HTML extracts a document from an HTML page. Readability isolates the main
// content; if it produces nothing usable the whole <body> is walked instead.
// Links and the title always come from the full document, since readability
// strips navigation.
func HTML(pageURL, content string) (*Document, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := documentTitle(doc)
	if title == "" {
		title = fallbackTitle(pageURL)
	}
	links := filterLinks(pageURL, collectHrefs(doc))

	text, headings := readableText(pageURL, content)
	if text == "" {
		em := &textEmitter{}
		em.walk(findElement(doc, "body"))
		em.flush()
		text, headings = em.out.String(), em.headings
	}

	return &Document{
		URL:      pageURL,
		Title:    title,
		Content:  text,
		Links:    links,
		Headings: headings,
	}, nil
}

// readableText runs readability over the page and walks the article HTML it
// selects. Returns empty text when readability fails or finds nothing.
func readableText(pageURL, content string) (string, []Heading) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", nil
	}
	article, err := readability.FromReader(strings.NewReader(content), u)
	if err != nil {
		return "", nil
	}
	articleDoc, err := html.Parse(strings.NewReader(article.Content))
	if err != nil {
		return "", nil
	}

	em := &textEmitter{}
	em.walk(articleDoc)
	em.flush()
	return em.out.String(), em.headings
}

// textEmitter walks a DOM and accumulates normalized plain text, one block
// per line group, recording headings with their offsets as it goes.
type textEmitter struct {
	out      strings.Builder
	line     strings.Builder
	headings []Heading
}

func (e *textEmitter) walk(n *html.Node) {
	if n == nil {
		return
	}
	switch n.Type {
	case html.TextNode:
		e.line.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipElements[n.Data] || chromeElements[n.Data] {
			return
		}
		if n.Data == "br" {
			e.flush()
			return
		}
		if level := headingLevel(n.Data); level > 0 {
			e.flush()
			text := strings.TrimSpace(collapseSpaces(nodeText(n)))
			if text != "" {
				e.headings = append(e.headings, Heading{
					Level:  level,
					Text:   text,
					Offset: e.nextOffset(),
				})
				e.appendBlock(text)
			}
			return
		}
		if blockElements[n.Data] {
			e.flush()
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				e.walk(c)
			}
			e.flush()
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c)
	}
}

// flush ends the current inline run and emits it as a block.
func (e *textEmitter) flush() {
	text := strings.TrimSpace(collapseSpaces(strings.ReplaceAll(e.line.String(), "\n", " ")))
	e.line.Reset()
	e.appendBlock(text)
}

func (e *textEmitter) appendBlock(text string) {
	if text == "" {
		return
	}
	if e.out.Len() > 0 {
		e.out.WriteString("\n\n")
	}
	e.out.WriteString(text)
}

// nextOffset is where the next block will start in the output.
func (e *textEmitter) nextOffset() int {
	if e.out.Len() == 0 {
		return 0
	}
	return e.out.Len() + 2
}

func headingLevel(tag string) int {
	if len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6' {
		return int(tag[1] - '0')
	}
	return 0
}

// nodeText concatenates all text beneath a node, skipping script-like
// elements.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// documentTitle prefers <title>, falling back to the first <h1>.
func documentTitle(doc *html.Node) string {
	if n := findElement(doc, "title"); n != nil {
		if title := strings.TrimSpace(collapseSpaces(nodeText(n))); title != "" {
			return title
		}
	}
	if n := findElement(doc, "h1"); n != nil {
		return strings.TrimSpace(collapseSpaces(nodeText(n)))
	}
	return ""
}

// fallbackTitle derives a title from the URL when the page has none.
func fallbackTitle(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		return u.Host + "/" + p
	}
	return u.Host
}

// findElement returns the first element with the given tag, depth-first.
func findElement(n *html.Node, tag string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// collectHrefs gathers anchor hrefs in document order.
func collectHrefs(doc *html.Node) []string {
	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					hrefs = append(hrefs, attr.Val)
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hrefs
}
