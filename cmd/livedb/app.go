package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmined/livedb/internal/config"
	"github.com/openmined/livedb/internal/engine"
	"github.com/openmined/livedb/internal/hostcache"
)

const shutdownTimeout = 5 * time.Second

// app is a running engine plus the redirect store behind it.
type app struct {
	engine *engine.Engine
	cancel context.CancelFunc
	done   chan error
	close  func() error
}

func startApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		DatabaseURL: cfg.DatabaseURL,
		Store:       store,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &app{
		engine: eng,
		cancel: cancel,
		done:   make(chan error, 1),
		close:  closeStore,
	}
	go func() {
		a.done <- eng.Run(runCtx)
	}()

	if cfg.AuthToken != "" {
		f, err := eng.Authenticate(ctx, cfg.AuthToken)
		if err != nil {
			a.Close()
			return nil, err
		}
		go func() {
			if _, err := f.Wait(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("auth refused", "error", err)
			}
		}()
	}

	return a, nil
}

// Close stops the engine and closes the store.
func (a *app) Close() error {
	a.cancel()
	select {
	case <-a.done:
	case <-time.After(shutdownTimeout):
		slog.Warn("engine did not stop in time")
	}
	return a.close()
}

// openStore picks the redirect store: Redis, then a sqlite file, then memory. Persistent stores
// get an LRU in front.
func openStore(ctx context.Context, cfg *config.Config) (hostcache.Store, func() error, error) {
	var backend interface {
		hostcache.Store
		Close() error
	}

	switch {
	case cfg.RedisURL != "":
		rs, err := hostcache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		backend = rs
	case cfg.CachePath != "":
		db, err := hostcache.NewSqliteStore(hostcache.WithPath(cfg.CachePath))
		if err != nil {
			return nil, nil, err
		}
		backend = db
	default:
		return hostcache.NewMemoryStore(), func() error { return nil }, nil
	}

	cached, err := hostcache.NewCachedStore(backend, 0)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return cached, backend.Close, nil
}
