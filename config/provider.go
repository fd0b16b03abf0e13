package config

import (
	"context"
	"sync"

	"github.com/chihaya/privtracker/pkg/log"
)

// Provider hands out the TrackerConfig in effect for a request.
//
// Callers load a snapshot once per announce and pass it down explicitly; a
// snapshot must be treated as read-only.
type Provider interface {
	Current(ctx context.Context) (*TrackerConfig, error)
}

// Static is a Provider that always returns the same snapshot.
type Static struct {
	cfg *TrackerConfig
}

var _ Provider = &Static{}

// NewStatic validates cfg and returns a Provider serving it.
func NewStatic(cfg TrackerConfig) *Static {
	valid := cfg.Validate()
	return &Static{cfg: &valid}
}

// Current implements Provider.
func (s *Static) Current(context.Context) (*TrackerConfig, error) {
	return s.cfg, nil
}

// Loader fetches a fresh TrackerConfig from its source of truth.
type Loader func(ctx context.Context) (TrackerConfig, error)

// Cache is a Provider that memoizes the result of a Loader until it is
// reloaded.
type Cache struct {
	load Loader

	mu  sync.RWMutex
	cur *TrackerConfig
}

var _ Provider = &Cache{}

// NewCache returns an empty Cache backed by load.
func NewCache(load Loader) *Cache {
	return &Cache{load: load}
}

// Current implements Provider.
func (c *Cache) Current(ctx context.Context) (*TrackerConfig, error) {
	c.mu.RLock()
	cur := c.cur
	c.mu.RUnlock()
	if cur != nil {
		return cur, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return c.cur, nil
	}

	loaded, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	valid := loaded.Validate()
	c.cur = &valid

	log.Info("loaded tracker configuration", valid)
	return c.cur, nil
}

// Reload loads a fresh snapshot and swaps it in only when loading succeeds.
// On error the previous snapshot stays in effect. Snapshots already handed
// out stay valid.
func (c *Cache) Reload(ctx context.Context) (*TrackerConfig, error) {
	loaded, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	valid := loaded.Validate()

	c.mu.Lock()
	c.cur = &valid
	c.mu.Unlock()

	log.Info("reloaded tracker configuration", valid)
	return &valid, nil
}
