package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the in-memory embedding cache. At 384 float32
// dims a full cache is under 32 MB.
const DefaultCacheSize = 20000

// Cached wraps a provider with an LRU keyed by SHA-256 of the text.
// Re-indexing unchanged pages then skips the provider entirely, which
// matters most for paid remote APIs.
type Cached struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

var _ Provider = (*Cached)(nil)

// NewCached wraps inner with a cache of the given size (DefaultCacheSize
// when size <= 0).
func NewCached(inner Provider, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Name() string    { return c.inner.Name() }
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Embed serves hits from the cache and embeds only the misses, in one
// provider call, then reassembles the results in input order.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if vec, ok := c.cache.Get(cacheKey(text)); ok {
			vectors[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		embedded, err := c.inner.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range embedded {
			vectors[missIdx[j]] = vec
			c.cache.Add(cacheKey(missTexts[j]), vec)
		}
	}
	return vectors, nil
}

func (c *Cached) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(cacheKey(text)); ok {
		return vec, nil
	}
	vec, err := c.inner.EmbedSingle(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(cacheKey(text), vec)
	return vec, nil
}

// Len reports the number of cached embeddings.
func (c *Cached) Len() int { return c.cache.Len() }

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
