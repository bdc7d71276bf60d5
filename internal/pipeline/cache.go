package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sdtile/upscaler/internal/metrics"
)

// Cache holds at most one initialized backend, keyed by its Config.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	backend Backend
}

func NewCache() *Cache {
	return &Cache{}
}

// Resolve returns the cached backend when cfg matches the cached key and
// onDemand is false. Otherwise it builds a new backend with factory, releases
// the previous one and caches the new one under cfg.
//
// In the cached mode the new backend is built first, so when factory fails
// nothing is committed and the previous backend stays in place. On-demand
// resolution releases the previous backend before building, so two backends
// are never alive at once; a failed on-demand build leaves the cache empty.
func (c *Cache) Resolve(ctx context.Context, cfg Config, onDemand bool, factory Factory) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !onDemand && c.backend != nil && c.cfg == cfg {
		log.Debug().Str("fingerprint", cfg.Fingerprint()).Msg("reusing cached backend")
		return c.backend, nil
	}

	log.Info().
		Str("task", cfg.Task).
		Str("model", cfg.Model()).
		Str("device", cfg.Device).
		Str("fingerprint", cfg.Fingerprint()).
		Bool("on_demand", onDemand).
		Msg("building backend")

	if onDemand {
		_ = c.releaseLocked()
	}

	backend, err := factory(ctx, cfg)
	if err != nil {
		metrics.BackendBuilds.WithLabelValues(cfg.Task, "error").Inc()
		return nil, fmt.Errorf("failed to build %s backend for %s: %w", cfg.Task, cfg.Model(), err)
	}
	if backend == nil {
		metrics.BackendBuilds.WithLabelValues(cfg.Task, "error").Inc()
		return nil, fmt.Errorf("factory returned no backend for %s", cfg.Model())
	}
	metrics.BackendBuilds.WithLabelValues(cfg.Task, "ok").Inc()

	c.releaseLocked()
	c.cfg = cfg
	c.backend = backend
	return backend, nil
}

// Current reports the cached config, if a backend is cached.
func (c *Cache) Current() (Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.backend != nil
}

// Close releases the cached backend.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked()
}

func (c *Cache) releaseLocked() error {
	if c.backend == nil {
		return nil
	}
	old := c.cfg
	err := c.backend.Close()
	c.backend = nil
	c.cfg = Config{}
	metrics.BackendReleases.Inc()
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", old.Fingerprint()).Msg("backend release failed")
		return fmt.Errorf("failed to release backend: %w", err)
	}
	log.Debug().Str("fingerprint", old.Fingerprint()).Msg("backend released")
	return nil
}
