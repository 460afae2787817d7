package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/metrics"
	"github.com/ashureev/studybot/internal/store"
)

// Cache memoizes a Provider for a TTL. Concurrent misses share one load.
type Cache struct {
	source Provider
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu       sync.RWMutex
	modules  []domain.Module
	loadedAt time.Time
}

// NewCache wraps source. A ttl <= 0 caches until Invalidate is called.
func NewCache(source Provider, ttl time.Duration) *Cache {
	return &Cache{source: source, ttl: ttl, now: time.Now}
}

// Modules returns the cached modules, loading them when missing or stale.
func (c *Cache) Modules(ctx context.Context) ([]domain.Module, error) {
	if modules, ok := c.cached(); ok {
		return modules, nil
	}

	v, err, _ := c.group.Do("modules", func() (any, error) {
		if modules, ok := c.cached(); ok {
			return modules, nil
		}
		modules, err := c.source.Modules(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.modules = modules
		c.loadedAt = c.now()
		c.mu.Unlock()
		return modules, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]domain.Module)), nil
}

// Invalidate drops the cached modules.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.modules = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) cached() ([]domain.Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.modules == nil {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(c.loadedAt) >= c.ttl {
		return nil, false
	}
	return clone(c.modules), true
}

func clone(modules []domain.Module) []domain.Module {
	out := make([]domain.Module, len(modules))
	copy(out, modules)
	return out
}

// Fallback serves Primary and switches to Secondary when Primary fails or
// returns nothing. Secondary modules are marked provisional.
type Fallback struct {
	Primary   Provider
	Secondary Provider
	Logger    *slog.Logger
}

// Modules implements Provider.
func (f *Fallback) Modules(ctx context.Context) ([]domain.Module, error) {
	modules, err := f.Primary.Modules(ctx)
	if err == nil && len(modules) > 0 {
		return modules, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("content source unavailable, using fallback catalog", "error", err)

	modules, ferr := f.Secondary.Modules(ctx)
	metrics.ObserveContentFetch("fallback", ferr)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	modules = clone(modules)
	for i := range modules {
		modules[i].Provisional = true
	}
	return modules, nil
}

// Sync loads modules from provider, drops any that fail validation, and
// stores the rest so they get stable ids. Provisional modules are stored
// only when no curriculum is stored yet; otherwise the stored curriculum is
// kept as is.
func Sync(ctx context.Context, provider Provider, modules store.ModuleStore, logger *slog.Logger) ([]domain.Module, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loaded, err := provider.Modules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}

	valid := make([]domain.Module, 0, len(loaded))
	for _, m := range loaded {
		if err := m.Validate(); err != nil {
			logger.Warn("dropping invalid module", "title", m.Title, "github_path", m.GithubPath, "error", err)
			continue
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return nil, ErrNoModules
	}

	if lo.SomeBy(valid, func(m domain.Module) bool { return m.Provisional }) {
		current, err := modules.ListModules(ctx)
		if err != nil {
			return nil, fmt.Errorf("list stored modules: %w", err)
		}
		if len(current) > 0 {
			logger.Warn("keeping stored curriculum while content source is unavailable", "modules", len(current))
			return current, nil
		}
	}

	stored, err := modules.StoreModules(ctx, valid)
	if err != nil {
		return nil, fmt.Errorf("store modules: %w", err)
	}
	logger.Info("curriculum synced", "modules", len(stored))
	return stored, nil
}
