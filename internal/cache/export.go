package cache

import (
	"fmt"
	"io"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Export renders cached entries to w as a Markdown document for offline
// reading. HTML bodies are converted; Markdown and plain-text bodies pass
// through. urlPrefix limits the export to matching URLs; empty exports
// everything.
func (c *Cache) Export(w io.Writer, urlPrefix string) (int, error) {
	exported := 0
	var walkErr error

	err := c.Walk(func(entry *Entry) bool {
		if urlPrefix != "" && !strings.HasPrefix(entry.URL, urlPrefix) {
			return true
		}

		body := entry.Content
		if strings.Contains(entry.ContentType, "html") {
			md, err := htmltomarkdown.ConvertString(entry.Content)
			if err == nil {
				body = md
			}
			// On conversion failure the raw HTML is still better than
			// nothing.
		}

		if _, err := fmt.Fprintf(w, "<!-- %s (fetched %s) -->\n\n%s\n\n---\n\n",
			entry.URL, entry.FetchedAt.Format("2006-01-02"), strings.TrimSpace(body)); err != nil {
			walkErr = err
			return false
		}
		exported++
		return true
	})
	if err != nil {
		return exported, err
	}
	return exported, walkErr
}
