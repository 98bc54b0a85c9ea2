// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sawfly

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/sawfly/lib/dataset"
)

// FeatureCacheTTL is the default TTL for cached feature vectors.
const FeatureCacheTTL = 2 * time.Minute

// CachedExtractor wraps a FeatureExtractor with a TTL cache and singleflight
// deduplication. Extraction is by far the most expensive part of dataset
// preparation, and retries and re-runs frequently repeat the same inputs.
type CachedExtractor struct {
	extractor dataset.FeatureExtractor
	model     string
	cache     *ttlcache.Cache[string, [][]float32]
	sfGroup   *singleflight.Group
	logger    *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

var _ dataset.FeatureExtractor = (*CachedExtractor)(nil)

// NewCachedExtractor wraps an extractor. The model name distinguishes cache
// entries when several extractors share a process. A zero ttl uses
// FeatureCacheTTL.
func NewCachedExtractor(extractor dataset.FeatureExtractor, model string, ttl time.Duration, logger *zap.Logger) *CachedExtractor {
	if ttl <= 0 {
		ttl = FeatureCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New[string, [][]float32](
		ttlcache.WithTTL[string, [][]float32](ttl),
	)
	go cache.Start()

	return &CachedExtractor{
		extractor: extractor,
		model:     model,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
	}
}

// Extract returns features with caching and request deduplication.
func (c *CachedExtractor) Extract(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	key := c.cacheKey(inputs)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("features")
		c.logger.Debug("Feature cache hit",
			zap.String("model", c.model),
			zap.Int("inputs", len(inputs)))
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("features")

		start := time.Now()
		vecs, err := c.extractor.Extract(ctx, inputs)
		if err != nil {
			return nil, err
		}
		RecordExtraction(c.model, time.Since(start).Seconds())

		c.cache.Set(key, vecs, ttlcache.DefaultTTL)
		c.logger.Debug("Features extracted and cached",
			zap.String("model", c.model),
			zap.Int("inputs", len(inputs)),
			zap.Duration("duration", time.Since(start)))
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for extraction request", zap.String("model", c.model))
	}
	return result.([][]float32), nil
}

func (c *CachedExtractor) cacheKey(inputs []string) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|")
	for _, in := range inputs {
		_, _ = h.WriteString(in)
		_, _ = h.WriteString("|")
	}
	return string(h.Sum(nil))
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Hits             uint64
	Misses           uint64
	SingleflightHits uint64
}

// Stats returns the current counters.
func (c *CachedExtractor) Stats() CacheStats {
	return CacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// Stop shuts down the cache's expiration loop.
func (c *CachedExtractor) Stop() {
	c.cache.Stop()
}
