package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	cachepkg "github.com/coalesce-ai/coalesce/pkg/cache/sqlite"
	"github.com/coalesce-ai/coalesce/pkg/config"
	"github.com/coalesce-ai/coalesce/pkg/dispatch"
	"github.com/coalesce-ai/coalesce/pkg/models"
)

type staticResolver struct {
	endpoint string
}

func (s *staticResolver) Resolve(_ context.Context, name string) (models.ModelConfig, error) {
	if name == "ghost" {
		return models.ModelConfig{}, fmt.Errorf("model not found: %s", name)
	}
	return models.ModelConfig{
		Name:        name,
		Endpoint:    s.endpoint,
		Method:      http.MethodPost,
		ContentType: "application/json",
	}, nil
}

type testEnv struct {
	gw    *Gateway
	cache *cachepkg.Cache
	calls *atomic.Int64
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["input"] == "bad" {
			http.Error(w, `{"error":"boom"}`, http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"echo":%q}`, body["input"])
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Batch.FlushTimeout = 100 * time.Millisecond
	cfg.Gateway.WaitTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	cache, err := cachepkg.New(filepath.Join(t.TempDir(), "gw_test.db"), cfg.Cache.MaxEntries)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	d := dispatch.New(dispatch.Config{
		BatchSize:      cfg.Batch.Size,
		FlushTimeout:   cfg.Batch.FlushTimeout,
		MaxConcurrent:  cfg.Batch.MaxConcurrent,
		QueueSize:      cfg.Batch.QueueSize,
		RequestTimeout: cfg.Batch.RequestTimeout,
	}, &staticResolver{endpoint: srv.URL})
	d.Start()
	t.Cleanup(d.Stop)

	return &testEnv{gw: New(cfg, cache, d), cache: cache, calls: &calls}
}

func TestInvokeMissThenHit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	result, cached, err := env.gw.Invoke(ctx, "gen", "hello", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("first call should be a miss")
	}
	if string(result) != `{"echo":"hello"}` {
		t.Errorf("unexpected result: %s", result)
	}

	result, cached, err = env.gw.Invoke(ctx, "gen", "hello", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Error("second call should be served from cache")
	}
	if string(result) != `{"echo":"hello"}` {
		t.Errorf("unexpected cached result: %s", result)
	}
	if env.calls.Load() != 1 {
		t.Errorf("expected a single upstream call, got %d", env.calls.Load())
	}

	stats, err := env.gw.CacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Hits != 1 || stats.Misses != 1 || stats.TotalRequests != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestInvokeZeroTTLBypassesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, cached, err := env.gw.Invoke(ctx, "gen", "hello", nil, 0)
		if err != nil {
			t.Fatal(err)
		}
		if cached {
			t.Error("ttl=0 must never hit the cache")
		}
	}
	if env.calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls with caching off, got %d", env.calls.Load())
	}

	stats, err := env.gw.CacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 0 {
		t.Errorf("ttl=0 calls must not touch the counters: %+v", stats)
	}
}

func TestInvokeDistinctArgsDistinctEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, _, err := env.gw.Invoke(ctx, "gen", "hello", map[string]any{"temperature": 0.1}, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.gw.Invoke(ctx, "gen", "hello", map[string]any{"temperature": 0.9}, time.Hour); err != nil {
		t.Fatal(err)
	}
	if env.calls.Load() != 2 {
		t.Errorf("different args must not share a cache entry: %d calls", env.calls.Load())
	}
}

func TestInvokeStoreErrorDegradesToPassThrough(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Break the store: lookups and stores now fail, the request must not.
	if err := env.cache.Close(); err != nil {
		t.Fatal(err)
	}

	result, cached, err := env.gw.Invoke(ctx, "gen", "hello", nil, time.Hour)
	if err != nil {
		t.Fatalf("store failure must degrade to pass-through, got %v", err)
	}
	if cached {
		t.Error("broken cache cannot produce a hit")
	}
	if string(result) != `{"echo":"hello"}` {
		t.Errorf("unexpected result: %s", result)
	}
}

func TestInvokeUnknownModel(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.gw.Invoke(context.Background(), "ghost", "hello", nil, 0)
	if err == nil {
		t.Fatal("expected resolution error")
	}
}

func TestBatchInvokePositionalResults(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	inputs := []string{"a", "b", "bad", "d", "e"}
	results := env.gw.BatchInvoke(ctx, "gen", inputs, nil, time.Hour)
	if len(results) != len(inputs) {
		t.Fatalf("expected %d results, got %d", len(inputs), len(results))
	}

	for i, res := range results {
		if i == 2 {
			var upErr *dispatch.UpstreamError
			if !errors.As(res.Err, &upErr) {
				t.Errorf("item 2: expected upstream error in place, got %v", res.Err)
			}
			continue
		}
		if res.Err != nil {
			t.Errorf("item %d: unexpected error %v", i, res.Err)
			continue
		}
		want := fmt.Sprintf(`{"echo":%q}`, inputs[i])
		if string(res.Payload) != want {
			t.Errorf("item %d: got %s, want %s", i, res.Payload, want)
		}
	}
}

func TestBatchInvokeUsesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Warm one entry through the single path.
	if _, _, err := env.gw.Invoke(ctx, "gen", "a", nil, time.Hour); err != nil {
		t.Fatal(err)
	}
	callsBefore := env.calls.Load()

	results := env.gw.BatchInvoke(ctx, "gen", []string{"a", "b"}, nil, time.Hour)
	if results[0].Err != nil || results[1].Err != nil {
		t.Fatalf("unexpected errors: %v, %v", results[0].Err, results[1].Err)
	}
	if !results[0].Cached {
		t.Error("warmed item should be a batch cache hit")
	}
	if results[1].Cached {
		t.Error("cold item should not be cached")
	}
	if env.calls.Load()-callsBefore != 1 {
		t.Errorf("expected 1 upstream call for the cold item, got %d", env.calls.Load()-callsBefore)
	}

	stats, err := env.gw.CacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.BatchRequests != 1 {
		t.Errorf("expected 1 batch request recorded, got %d", stats.BatchRequests)
	}
	// 1 single miss + batch (1 hit, 1 miss).
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("unexpected counters: %+v", stats)
	}
}

func TestClearCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, _, err := env.gw.Invoke(ctx, "gen", "a", nil, time.Hour); err != nil {
		t.Fatal(err)
	}
	deleted, err := env.gw.ClearCache(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted entry, got %d", deleted)
	}

	stats, err := env.gw.CacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 0 || stats.CurrentEntries != 0 {
		t.Errorf("clear all should reset stats: %+v", stats)
	}
}

func TestClearCacheDisabled(t *testing.T) {
	cfg := config.Default()
	gw := New(cfg, nil, nil)

	if _, err := gw.ClearCache(context.Background(), true); !errors.Is(err, ErrCacheDisabled) {
		t.Errorf("expected ErrCacheDisabled, got %v", err)
	}
}
