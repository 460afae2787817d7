package content

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/studybot/internal/store"
)

// Options selects and tunes the curriculum sources.
type Options struct {
	GitHub GitHubConfig
	// CatalogPath replaces the built-in fallback catalog when set.
	CatalogPath string
	// Offline serves only the catalog.
	Offline bool
	// TTL bounds how long loaded modules are reused.
	TTL time.Duration
}

// NewProvider builds the curriculum provider: the lesson repository,
// falling back to the catalog, behind a cache.
func NewProvider(opts Options, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	catalog := BuiltinCatalog()
	if opts.CatalogPath != "" {
		var err error
		if catalog, err = LoadCatalog(opts.CatalogPath); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}
	if opts.Offline {
		return NewCache(catalog, opts.TTL), nil
	}

	return NewCache(&Fallback{
		Primary:   NewGitHubSource(opts.GitHub, logger),
		Secondary: catalog,
		Logger:    logger,
	}, opts.TTL), nil
}

// StartRefresher re-syncs the curriculum every interval until ctx is done.
func StartRefresher(ctx context.Context, cache *Cache, modules store.ModuleStore, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("curriculum refresher started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				cache.Invalidate()
				if _, err := Sync(ctx, cache, modules, logger); err != nil {
					logger.Error("curriculum refresh failed", "error", err)
				}
			case <-ctx.Done():
				logger.Info("curriculum refresher shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
