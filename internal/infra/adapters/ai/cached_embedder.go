package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/infra/metrics"
)

var _ adapter.EmbeddingAdapter = (*CachedEmbedder)(nil)

// CachedEmbedder memoizes embeddings in an in-process ristretto cache keyed
// by a hash of the text. Failed embeddings are never cached.
type CachedEmbedder struct {
	inner adapter.EmbeddingAdapter
	cache *ristretto.Cache[string, []float32]
	ttl   time.Duration
}

// NewCachedEmbedder wraps inner; maxEntries bounds the cache size.
func NewCachedEmbedder(inner adapter.EmbeddingAdapter, maxEntries int64, ttl time.Duration) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: c, ttl: ttl}, nil
}

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])
	if v, ok := c.cache.Get(key); ok {
		metrics.IncCacheRequest("embedding", "hit")
		return v, nil
	}
	metrics.IncCacheRequest("embedding", "miss")
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, vec, 1, c.ttl)
	} else {
		c.cache.Set(key, vec, 1)
	}
	return vec, nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

func (c *CachedEmbedder) Close() { c.cache.Close() }
