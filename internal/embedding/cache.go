package embedding

import (
	"context"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of query vectors kept by CachedEmbedder.
const DefaultCacheSize = 512

// CachedEmbedder memoizes text query embeddings. Images and documents pass
// through uncached.
type CachedEmbedder struct {
	Embedder
	cache *lru.Cache[string, []float32]
	onHit func()
}

// NewCached wraps e with an LRU cache of the given size.
func NewCached(e Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{Embedder: e, cache: cache}, nil
}

// OnHit registers a callback run on every cache hit.
func (c *CachedEmbedder) OnHit(fn func()) {
	c.onHit = fn
}

// Embed returns the cached vector for text or computes and stores it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.Model() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		if c.onHit != nil {
			c.onHit()
		}
		return slices.Clone(v), nil
	}
	v, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, slices.Clone(v))
	return v, nil
}

// EmbedDocument delegates to the wrapped provider.
func (c *CachedEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return EmbedDocument(ctx, c.Embedder, text)
}

// ImageModel delegates to the wrapped provider.
func (c *CachedEmbedder) ImageModel() string {
	return ImageModelOf(c.Embedder)
}

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}
