package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/memoracle/memoracle/internal/cache"
	"github.com/memoracle/memoracle/internal/config"
	"github.com/memoracle/memoracle/internal/embed"
	"github.com/memoracle/memoracle/internal/engine"
	"github.com/memoracle/memoracle/internal/fetch"
	"github.com/memoracle/memoracle/internal/logging"
	"github.com/memoracle/memoracle/internal/store"
)

// app is the composed application: configuration, logging, stores, and the
// engine. Every command that touches the data directory goes through here
// so the wiring exists in exactly one place.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *engine.Engine

	logCleanup func()
}

// newApp loads config, sets up logging per logCfg (nil for stderr-only),
// opens the stores, and builds the engine.
func newApp(logCfg *logging.Config) (*app, error) {
	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	lc := logging.Config{Level: "info"}
	if logCfg != nil {
		lc = *logCfg
	}
	logger, logCleanup, err := logging.Setup(lc)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	meta, err := store.NewSQLiteStore(cfg.DBPath(), logger)
	if err != nil {
		logCleanup()
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	vectors, err := store.NewVectorStore(cfg, logger)
	if err != nil {
		_ = meta.Close()
		logCleanup()
		return nil, err
	}

	keyword, err := store.NewKeywordIndex(cfg, meta)
	if err != nil {
		_ = vectors.Close()
		_ = meta.Close()
		logCleanup()
		return nil, err
	}

	contentCache, err := cache.New(cfg.CacheDir())
	if err != nil {
		_ = keyword.Close()
		_ = vectors.Close()
		_ = meta.Close()
		logCleanup()
		return nil, err
	}

	fetcher := fetch.New(contentCache, cfg.Crawler.UserAgent,
		time.Duration(cfg.Crawler.TimeoutMs)*time.Millisecond, logger)

	provider, err := embed.NewProvider(cfg)
	if err == nil {
		provider, err = embed.NewCached(provider, 0)
	}
	if err != nil {
		_ = keyword.Close()
		_ = vectors.Close()
		_ = meta.Close()
		logCleanup()
		return nil, err
	}

	eng, err := engine.New(meta, vectors, keyword, contentCache, fetcher, provider, cfg, logger)
	if err != nil {
		_ = keyword.Close()
		_ = vectors.Close()
		_ = meta.Close()
		logCleanup()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		engine:     eng,
		logCleanup: logCleanup,
	}, nil
}

// Close tears the application down in reverse order.
func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("shutdown_error", slog.String("error", err.Error()))
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}
