package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/yairfalse/kredo/attribution"
	"github.com/yairfalse/kredo/directory"
	"github.com/yairfalse/kredo/internal/config"
	"github.com/yairfalse/kredo/policy"
	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/storage/postgres"
	"github.com/yairfalse/kredo/wal"
)

// app holds the wired components shared by the subcommands
type app struct {
	store   storage.Store
	dir     attribution.Directory
	audit   *wal.WAL
	service *attribution.Service
	closers []func() error
}

// openApp wires storage, directory, advisory and audit into a Service
func openApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg.Storage); err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.store.Close)

	if a.dir, err = a.openDirectory(cfg.Directory); err != nil {
		return a, err
	}

	opts := attribution.Options{
		HistoryTimeout: cfg.Storage.HistoryTimeout,
		DefaultPolicy:  cfg.Attribution.DefaultPolicy,
		Policies:       cfg.Attribution.Policies,
	}

	if cfg.Policy.Enabled {
		engine, err := policy.New(ctx, cfg.Policy.Path)
		if err != nil {
			return a, fmt.Errorf("failed to load release policies: %w", err)
		}
		opts.Advisor = engine
	}

	if cfg.Audit.Enabled {
		if a.audit, err = wal.OpenWithConfig(cfg.Audit.Dir, walConfig(cfg.Audit)); err != nil {
			return a, fmt.Errorf("failed to open audit log: %w", err)
		}
		a.closers = append(a.closers, a.audit.Close)
		opts.Auditor = a.audit
	}

	a.service = attribution.NewService(a.store, a.dir, opts)
	return a, nil
}

// openStore selects the event and decision store by driver
func openStore(ctx context.Context, sc config.StorageConfig) (storage.Store, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(), nil
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewBoltStore(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return store, nil
	}
}

// openDirectory builds the campaign directory: a static file, optionally
// persisted into bbolt, optionally behind a Redis cache
func (a *app) openDirectory(dc config.DirectoryConfig) (attribution.Directory, error) {
	seed := &directory.File{}
	if dc.File != "" {
		f, err := directory.LoadFile(dc.File)
		if err != nil {
			return nil, err
		}
		seed = f
	}

	var source directory.Source = directory.NewStatic(seed)
	if dc.BoltPath != "" {
		b, err := directory.OpenBolt(filepath.Clean(dc.BoltPath))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		if err := b.Seed(seed); err != nil {
			return nil, fmt.Errorf("failed to seed directory: %w", err)
		}
		source = b
	}

	if dc.RedisURL == "" {
		return source, nil
	}
	client, err := directory.Connect(dc.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return directory.NewCache(source, client, dc.CacheTTL), nil
}

func walConfig(ac config.AuditConfig) wal.Config {
	c := wal.DefaultConfig()
	c.RetentionDays = ac.RetentionDays
	c.MaxFileSize = ac.MaxFileSizeMB * 1024 * 1024
	return c
}

// Close releases everything in reverse open order
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
