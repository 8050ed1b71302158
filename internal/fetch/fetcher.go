// Package fetch issues HTTP GETs for the crawler, with conditional
// requests backed by the content cache and graceful degradation to cached
// bodies on transport failure.
package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memoracle/memoracle/internal/cache"
	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// Result is the outcome of a fetch.
type Result struct {
	Content      string
	ContentType  string
	ETag         string
	LastModified string
	Status       int  // HTTP status; 0 means a cache fallback after a transport error
	FromCache    bool // body served from the cache (304 or transport fallback)
}

// Options override the conditional headers; when empty, the cache's stored
// validators are used.
type Options struct {
	ETag         string
	LastModified string
}

// Fetcher is the HTTP client for page fetches.
type Fetcher struct {
	client    *http.Client
	cache     *cache.Cache
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a fetcher. The cache may be nil, disabling conditional
// requests and fallbacks (used in tests).
func New(c *cache.Cache, userAgent string, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = "memoracle"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		// Redirects are followed by the default client policy (10 hops).
		client:    &http.Client{},
		cache:     c,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    logger,
	}
}

// Fetch GETs a URL. Behaviour by outcome:
//
//   - 304 with a cached body: the cached content, FromCache=true.
//   - 304 without a cached body: validators are dropped and the URL is
//     refetched unconditionally.
//   - 2xx: decoded body, written through to the cache.
//   - 4xx/5xx: an HTTPStatus error; the caller classifies.
//   - transport error with a cached body: the cached content, Status=0.
//   - transport error without cache: a Transport error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var cached *cache.Entry
	if f.cache != nil {
		cached, _ = f.cache.Get(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, oerrors.New(oerrors.ErrCodeInvalidInput, "build request for "+rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html, text/markdown, text/plain, */*")

	etag, lastModified := opts.ETag, opts.LastModified
	if etag == "" && lastModified == "" && cached != nil {
		etag, lastModified = cached.ETag, cached.LastModified
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if cached != nil {
			f.logger.Warn("fetch_fallback_cache",
				slog.String("url", rawURL), slog.String("error", err.Error()))
			return &Result{
				Content:      cached.Content,
				ContentType:  cached.ContentType,
				ETag:         cached.ETag,
				LastModified: cached.LastModified,
				Status:       0,
				FromCache:    true,
			}, nil
		}
		return nil, oerrors.Transport("fetch "+rawURL, err)
	}

	if resp.StatusCode == http.StatusNotModified && cached == nil {
		// A 304 we cannot back with a body: the cache entry is gone but
		// the page record still carries validators. Drop them and refetch
		// unconditionally.
		_ = resp.Body.Close()
		f.logger.Warn("not_modified_without_cache", slog.String("url", rawURL))
		req.Header.Del("If-None-Match")
		req.Header.Del("If-Modified-Since")
		if resp, err = f.client.Do(req); err != nil {
			return nil, oerrors.Transport("fetch "+rawURL, err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		if cached == nil {
			// The server 304'd an unconditional request.
			return nil, oerrors.HTTPStatus(http.StatusNotModified, rawURL)
		}
		return &Result{
			Content:      cached.Content,
			ContentType:  cached.ContentType,
			ETag:         cached.ETag,
			LastModified: cached.LastModified,
			Status:       http.StatusNotModified,
			FromCache:    true,
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, oerrors.HTTPStatus(resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oerrors.Transport("read body of "+rawURL, err)
	}

	content := string(body)
	contentType := SniffContentType(rawURL, content, resp.Header.Get("Content-Type"))
	result := &Result{
		Content:      content,
		ContentType:  contentType,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Status:       resp.StatusCode,
		FromCache:    false,
	}

	if f.cache != nil {
		if err := f.cache.Put(&cache.Entry{
			URL:          rawURL,
			Content:      content,
			ContentType:  contentType,
			FetchedAt:    time.Now().UTC(),
			ETag:         result.ETag,
			LastModified: result.LastModified,
		}); err != nil {
			f.logger.Warn("cache_write_failed",
				slog.String("url", rawURL), slog.String("error", err.Error()))
		}
	}

	return result, nil
}

// SniffContentType classifies a body as Markdown or HTML by content, not
// by the server's header: documentation servers routinely mislabel .md
// files as text/plain or text/html.
func SniffContentType(rawURL, body, headerType string) string {
	lower := strings.ToLower(rawURL)
	if idx := strings.IndexAny(lower, "?#"); idx >= 0 {
		lower = lower[:idx]
	}
	if strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".mdx") {
		return "text/markdown"
	}

	trimmed := strings.TrimLeft(body, "\uFEFF \t\r\n")
	if strings.HasPrefix(trimmed, "# ") || strings.HasPrefix(trimmed, "## ") {
		return "text/markdown"
	}
	if strings.HasPrefix(trimmed, "---") {
		// YAML frontmatter: an opening fence with a closing fence below.
		rest := trimmed[3:]
		if idx := strings.Index(rest, "\n---"); idx >= 0 {
			return "text/markdown"
		}
	}

	if headerType != "" {
		if mediaType, _, found := strings.Cut(headerType, ";"); found || mediaType != "" {
			return strings.TrimSpace(mediaType)
		}
	}
	return "text/html"
}
