// Package cache is the disk-backed content cache: fetched page bodies keyed
// by URL, with the ETag and Last-Modified values needed for conditional
// requests. The fetcher owns freshness; the cache has no invalidation
// policy of its own.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// Entry is a cached page body.
type Entry struct {
	URL          string    `json:"url"`
	Content      string    `json:"content"`
	ContentType  string    `json:"contentType"`
	FetchedAt    time.Time `json:"fetchedAt"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
}

// Cache stores entries as cache/<hostname>/<16-hex>.json under the root
// directory, where the key is the first 16 hex chars of SHA-256(url).
type Cache struct {
	root string
}

// New creates a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{root: dir}, nil
}

// Key returns the 16-hex-character cache key for a URL.
func Key(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}

// path returns the file path for a URL, namespaced by hostname.
func (c *Cache) path(rawURL string) string {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return filepath.Join(c.root, host, Key(rawURL)+".json")
}

// Get returns the cached entry for a URL, or (nil, nil) on a miss. A
// corrupt entry is treated as a miss and removed.
func (c *Cache) Get(rawURL string) (*Entry, error) {
	data, err := os.ReadFile(c.path(rawURL))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = os.Remove(c.path(rawURL))
		return nil, nil
	}
	return &entry, nil
}

// Put writes an entry atomically (tmp + rename); writes are idempotent.
func (c *Cache) Put(entry *Entry) error {
	if entry.URL == "" {
		return oerrors.New(oerrors.ErrCodeInvalidInput, "cache entry requires a URL", nil)
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = time.Now().UTC()
	}

	path := c.path(entry.URL)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create host directory: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "write cache entry", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "rename cache entry", err)
	}
	return nil
}

// Has reports whether a URL is cached.
func (c *Cache) Has(rawURL string) bool {
	_, err := os.Stat(c.path(rawURL))
	return err == nil
}

// Delete removes a URL's entry. Missing entries are not an error.
func (c *Cache) Delete(rawURL string) error {
	err := os.Remove(c.path(rawURL))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteHost removes every cached entry for a hostname. Used when a docset
// is deleted.
func (c *Cache) DeleteHost(host string) error {
	err := os.RemoveAll(filepath.Join(c.root, host))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete host cache: %w", err)
	}
	return nil
}

// Clear removes every cached entry.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("list cache root: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	return nil
}

// Walk visits every cached entry under the root, in hostname then key
// order. The visit function can stop the walk by returning false.
func (c *Cache) Walk(visit func(*Entry) bool) error {
	hosts, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("list cache root: %w", err)
	}
	for _, host := range hosts {
		if !host.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.root, host.Name()))
		if err != nil {
			return fmt.Errorf("list host cache: %w", err)
		}
		for _, f := range files {
			if !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(c.root, host.Name(), f.Name()))
			if err != nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			if !visit(&entry) {
				return nil
			}
		}
	}
	return nil
}
