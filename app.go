package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/duynguyendang/ssdtprof/internal/manager"
	"github.com/duynguyendang/ssdtprof/internal/provenance"
	"github.com/duynguyendang/ssdtprof/internal/store"
	"github.com/duynguyendang/ssdtprof/pkg/config"
	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/engine"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
	"github.com/duynguyendang/ssdtprof/pkg/service"
	"github.com/duynguyendang/ssdtprof/pkg/ssdt"
)

// app is the wiring shared by every command.
type app struct {
	cfg      config.Config
	bundle   *ssdt.Bundle
	store    *store.Store
	manager  *manager.ProfileManager
	profiles *service.ProfileService
	registry *prometheus.Registry
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func setupLogging(cfg config.Config) {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(h))
}

func loadOverlays(paths []string) ([]*ssdt.Overlay, error) {
	var out []*ssdt.Overlay
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open overlay: %w", err)
		}
		o, err := ssdt.LoadOverlay(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// newApp builds the bundle, opens the database and merges its modules over
// the built-in ones.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	overlays, err := loadOverlays(cfg.OverlayFiles)
	if err != nil {
		return nil, err
	}
	bundle, err := ssdt.Build(overlays...)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a := &app{cfg: cfg, bundle: bundle, registry: reg}
	if cfg.DBPath != "" {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		a.store, err = store.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		stored, err := a.store.Snapshot(ctx)
		if err != nil {
			a.store.Close()
			return nil, err
		}
		if len(stored) > 0 {
			slog.Debug("using imported modules", "count", len(stored))
			a.bundle = bundle.WithModules(bundle.Modules.Merge(stored))
		}
	}

	opts := []manager.Option{manager.WithCacheSize(cfg.CacheSize), manager.WithRegisterer(reg)}
	if cfg.LogOverrides && a.store != nil {
		db := a.store.DB()
		opts = append(opts, manager.WithOnResolve(func(p *profile.Profile) {
			if err := provenance.LogProfile(context.Background(), db, p); err != nil {
				slog.Warn("failed to log overrides", "profile", p.ID(), "error", err)
			}
		}))
	}
	resolver := a.bundle.NewResolver(diag.SlogSink{}, engine.WithLogger(slog.Default()))
	a.manager, err = manager.NewProfileManager(resolver, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.profiles = service.NewProfileService(a.manager, a.bundle, a.db())
	return a, nil
}

func (a *app) db() *sql.DB {
	if a.store == nil {
		return nil
	}
	return a.store.DB()
}

func (a *app) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
