// Package gateway is the synchronous entry point for model invocations:
// check the result cache, enqueue on miss, block for batch completion, and
// write successful results back into the cache.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	cachepkg "github.com/coalesce-ai/coalesce/pkg/cache/sqlite"
	"github.com/coalesce-ai/coalesce/pkg/config"
	"github.com/coalesce-ai/coalesce/pkg/dispatch"
	"github.com/coalesce-ai/coalesce/pkg/models"
)

// ErrCacheDisabled is returned by cache management calls when no cache is
// configured.
var ErrCacheDisabled = errors.New("result cache disabled")

// Gateway coordinates the cache and the dispatcher. The cache may be nil
// when caching is disabled; invocations then always go upstream.
type Gateway struct {
	cfg   *config.Config
	cache *cachepkg.Cache
	disp  *dispatch.Dispatcher
}

// New creates a Gateway. cache may be nil.
func New(cfg *config.Config, cache *cachepkg.Cache, disp *dispatch.Dispatcher) *Gateway {
	return &Gateway{cfg: cfg, cache: cache, disp: disp}
}

// cacheable reports whether this call participates in caching.
func (g *Gateway) cacheable(ttl time.Duration) bool {
	return g.cache != nil && g.cfg.Cache.Enabled && ttl > 0
}

// cacheKey derives the argument fingerprint for a call: the override args
// with the input merged under the fixed key, hashed.
func cacheKey(input string, args map[string]any) string {
	merged := make(map[string]any, len(args)+1)
	for k, v := range args {
		merged[k] = v
	}
	merged["input"] = input
	return cachepkg.HashArgs(merged)
}

// Invoke submits a single model invocation. The returned bool reports
// whether the result came from the cache. A store failure never fails the
// call; it only skips caching for that request.
func (g *Gateway) Invoke(ctx context.Context, model, input string, args map[string]any, ttl time.Duration) ([]byte, bool, error) {
	useCache := g.cacheable(ttl)
	var argsHash string

	if useCache {
		argsHash = cacheKey(input, args)
		entry, ok, err := g.cache.Lookup(ctx, model, argsHash)
		if err != nil {
			log.Printf("cache lookup error, bypassing cache: %v", err)
			useCache = false
		} else if ok {
			if err := g.cache.RecordRequest(ctx, true); err != nil {
				log.Printf("cache stats error: %v", err)
			}
			return entry.Result, true, nil
		} else {
			if err := g.cache.RecordRequest(ctx, false); err != nil {
				log.Printf("cache stats error: %v", err)
			}
		}
	}

	ticket, err := g.disp.Submit(ctx, dispatch.NewRequest(model, input, args))
	if err != nil {
		return nil, false, err
	}

	result, err := ticket.Wait(ctx, g.cfg.Gateway.WaitTimeout)
	if err != nil {
		return nil, false, err
	}

	if useCache {
		contentHash := cachepkg.HashContent(result)
		if err := g.cache.Store(ctx, model, argsHash, contentHash, result, ttl); err != nil {
			log.Printf("cache store error, result not cached: %v", err)
		}
	}
	return result, false, nil
}

// Result is one positional outcome of a batch invocation.
type Result struct {
	Payload []byte
	Cached  bool
	Err     error
}

// BatchInvoke applies the same cache-then-dispatch logic to each input
// independently. Results are positional; a failed item carries its error in
// place and never aborts its siblings. Cache counters are recorded once for
// the whole call.
func (g *Gateway) BatchInvoke(ctx context.Context, model string, inputs []string, args map[string]any, ttl time.Duration) []Result {
	results := make([]Result, len(inputs))
	useCache := g.cacheable(ttl)

	hashes := make([]string, len(inputs))
	tickets := make([]*dispatch.Ticket, len(inputs))
	hits, misses := 0, 0

	for i, input := range inputs {
		if useCache {
			hashes[i] = cacheKey(input, args)
			entry, ok, err := g.cache.Lookup(ctx, model, hashes[i])
			if err != nil {
				log.Printf("cache lookup error, bypassing cache for item %d: %v", i, err)
			} else if ok {
				results[i] = Result{Payload: entry.Result, Cached: true}
				hits++
				continue
			}
		}
		misses++

		ticket, err := g.disp.Submit(ctx, dispatch.NewRequest(model, input, args))
		if err != nil {
			results[i] = Result{Err: err}
			continue
		}
		tickets[i] = ticket
	}

	for i, ticket := range tickets {
		if ticket == nil {
			continue
		}
		result, err := ticket.Wait(ctx, g.cfg.Gateway.WaitTimeout)
		if err != nil {
			results[i] = Result{Err: err}
			continue
		}
		results[i] = Result{Payload: result}

		if useCache {
			contentHash := cachepkg.HashContent(result)
			if err := g.cache.Store(ctx, model, hashes[i], contentHash, result, ttl); err != nil {
				log.Printf("cache store error, item %d not cached: %v", i, err)
			}
		}
	}

	if useCache {
		if err := g.cache.RecordBatch(ctx, hits, misses, len(inputs)); err != nil {
			log.Printf("cache stats error: %v", err)
		}
	}
	return results
}

// CacheStats returns a stats snapshot, including configuration that the
// cache itself does not know.
func (g *Gateway) CacheStats(ctx context.Context) (models.CacheStats, error) {
	if g.cache == nil {
		return models.CacheStats{MaxEntries: g.cfg.Cache.MaxEntries}, nil
	}
	stats, err := g.cache.Stats(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	stats.Enabled = g.cfg.Cache.Enabled
	return stats, nil
}

// ClearCache removes cache entries and returns how many were deleted.
func (g *Gateway) ClearCache(ctx context.Context, all bool) (int64, error) {
	if g.cache == nil {
		return 0, ErrCacheDisabled
	}
	return g.cache.Clear(ctx, all)
}
