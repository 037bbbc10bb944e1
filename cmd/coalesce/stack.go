package main

import (
	"fmt"
	"log"

	cachepkg "github.com/coalesce-ai/coalesce/pkg/cache/sqlite"
	"github.com/coalesce-ai/coalesce/pkg/config"
	"github.com/coalesce-ai/coalesce/pkg/dispatch"
	"github.com/coalesce-ai/coalesce/pkg/gateway"
	"github.com/coalesce-ai/coalesce/pkg/registry"
)

// stack wires the full invocation path: registry, cache, dispatcher, gateway.
type stack struct {
	cfg        *config.Config
	registry   *registry.SQLiteRegistry
	cache      *cachepkg.Cache
	dispatcher *dispatch.Dispatcher
	gateway    *gateway.Gateway
}

func newStack(configPath string) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	reg, err := registry.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}

	var cache *cachepkg.Cache
	if cfg.Cache.Enabled {
		cache, err = cachepkg.New(cfg.DBPath, cfg.Cache.MaxEntries)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("init cache: %w", err)
		}
	}

	// Disabling batching degrades to a batch size of one: every submission
	// flushes immediately and nothing waits on the timer.
	batchSize := cfg.Batch.Size
	if !cfg.Batch.Enabled {
		batchSize = 1
	}

	d := dispatch.New(dispatch.Config{
		BatchSize:      batchSize,
		FlushTimeout:   cfg.Batch.FlushTimeout,
		MaxConcurrent:  cfg.Batch.MaxConcurrent,
		QueueSize:      cfg.Batch.QueueSize,
		RequestTimeout: cfg.Batch.RequestTimeout,
	}, reg)
	d.Start()

	return &stack{
		cfg:        cfg,
		registry:   reg,
		cache:      cache,
		dispatcher: d,
		gateway:    gateway.New(cfg, cache, d),
	}, nil
}

// close stops the dispatcher first so in-flight batches drain before the
// stores go away.
func (s *stack) close() {
	s.dispatcher.Stop()
	stats := s.dispatcher.Stats()
	log.Printf("dispatcher drained: %d submitted, %d flushes, %d completed, %d failed",
		stats.Submitted, stats.Flushes, stats.Completed, stats.Failed)
	if s.cache != nil {
		_ = s.cache.Close()
	}
	_ = s.registry.Close()
}
