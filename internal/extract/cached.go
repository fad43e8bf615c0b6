package extract

import (
	"context"
	"time"

	"github.com/ppiankov/statute/internal/cache"
	"github.com/ppiankov/statute/internal/metrics"
)

// CachedModel memoizes model output by model name and evidence content hash,
// so replays and re-runs do not call the model again
type CachedModel struct {
	inner   Model
	cache   cache.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewCachedModel wraps inner
func NewCachedModel(inner Model, c cache.Cache, ttl time.Duration, m *metrics.Metrics) *CachedModel {
	return &CachedModel{inner: inner, cache: c, ttl: ttl, metrics: m}
}

func (c *CachedModel) Name() string { return c.inner.Name() }

// Extract implements Model
func (c *CachedModel) Extract(ctx context.Context, in Input) ([]byte, error) {
	if in.ContentHash == "" {
		return c.inner.Extract(ctx, in)
	}
	key := cache.Key("extract", c.inner.Name(), in.ContentHash)
	if data, ok := c.cache.Get(key); ok {
		c.metrics.ModelCache(true)
		return data, nil
	}
	c.metrics.ModelCache(false)

	data, err := c.inner.Extract(ctx, in)
	if err != nil {
		return nil, err
	}
	// Only well-formed output is worth keeping.
	if _, perr := ParseOutput(data); perr == nil {
		_ = c.cache.Set(key, data, c.ttl)
	}
	return data, nil
}
