package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coin_dash/internal/chart"
	"coin_dash/internal/domain"
	"coin_dash/internal/engine"
	"coin_dash/internal/event"
	"coin_dash/internal/infra"
	"coin_dash/internal/infra/storage"
	"coin_dash/internal/poll"
	"coin_dash/internal/present"
	"coin_dash/internal/reconcile"
	"coin_dash/internal/service"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config     *infra.Config
	Metrics    *infra.Metrics
	Registry   *prometheus.Registry
	Catalog    *storage.Catalog
	Client     *infra.CoinGeckoClient
	Downloader *infra.IconDownloader

	Loop      *engine.Loop
	Bus       *event.Bus
	Polls     *poll.Factory
	Board     *present.Board
	Commands  *present.Commands
	List      *reconcile.List
	Feed      *chart.Feed
	Dashboard *service.Dashboard

	subs    []event.Unsubscribe
	syncWG  sync.WaitGroup
	started bool
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads configuration and builds every component. mode, when not
// empty, overrides ui.mode from the configuration.
func (b *Bootstrap) Initialize(mode string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if errors.Is(err, domain.ErrConfigNotFound) {
		cfg, err = infra.FromEnv()
	}
	if err != nil {
		return err // Let main handle the error
	}
	if mode != "" {
		cfg.UI.Mode = mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	b.Config = cfg

	// 2. Setup Logger (the terminal UI owns stdout)
	logger := infra.NewLogger(cfg, cfg.UI.Mode == "web")
	slog.SetDefault(logger)
	slog.Info("🚀 Bootstrapping CoinDash...",
		slog.String("version", cfg.App.Version),
		slog.String("mode", cfg.UI.Mode))

	// 3. Initialize Catalog (in-memory DB)
	catalog, err := storage.NewCatalog(cfg.CatalogTTL())
	if err != nil {
		return err
	}
	b.Catalog = catalog
	slog.Info("✅ Catalog initialized")

	// 4. Metrics & API client
	b.Metrics = infra.GlobalMetrics
	b.Registry = infra.NewRegistry(b.Metrics)
	b.Client = infra.NewCoinGeckoClient(cfg, catalog, b.Metrics)
	if cfg.API.CoinGecko.APIKey == "" {
		slog.Warn("No CoinGecko API key configured; public rate limits apply")
	}

	// 5. Initialize Icon Downloader (optional)
	downloader, err := infra.NewIconDownloader(cfg.Icons.Dir, cfg.Icons.Size)
	if err != nil {
		slog.Warn("Icon downloader disabled", slog.Any("error", err))
	} else {
		b.Downloader = downloader
		slog.Info("✅ Icon downloader ready", slog.String("dir", downloader.Dir()))
	}

	// 6. Core: loop, bus, presentation surfaces, reconciler, coordinator
	b.Loop = engine.NewLoop()
	b.Bus = event.NewBus(logger)
	b.Board = present.NewBoard(time.Duration(cfg.UI.PulseMS) * time.Millisecond)
	b.Commands = present.NewCommands(b.Loop, b.Bus, b.Board)
	b.Polls = poll.NewFactory(b.Loop, b.Metrics)

	list, err := reconcile.NewList(b.Loop, b.Bus, b.Board, time.Duration(cfg.Dashboard.RemoveDelayMS)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("table: %w", err)
	}
	b.List = list

	feed, err := chart.NewFeed(b.Bus, b.Board)
	if err != nil {
		return fmt.Errorf("chart: %w", err)
	}
	b.Feed = feed

	b.Dashboard = service.NewDashboard(b.Loop, b.Bus, b.Client, list, b.Polls, b.dashboardOptions())
	slog.Info("✅ Dashboard wired")
	return nil
}

func (b *Bootstrap) dashboardOptions() service.Options {
	cfg := b.Config
	load := cfg.Dashboard.LoadRetry.Policy()
	load.OnRetry = func(int, time.Duration, error) { b.Metrics.RecordRetry() }
	search := cfg.Dashboard.SearchRetry.Policy()
	search.OnRetry = func(int, time.Duration, error) { b.Metrics.RecordRetry() }

	return service.Options{
		TopLimit:            cfg.Dashboard.TopLimit,
		MinQueryLength:      cfg.Dashboard.MinQueryLength,
		TableInterval:       cfg.TableInterval(),
		ChartInterval:       cfg.ChartInterval(),
		AutoSelectDelay:     time.Duration(cfg.Dashboard.AutoSelectDelayMS) * time.Millisecond,
		SearchFallbackDelay: time.Duration(cfg.Dashboard.SearchFallbackSec) * time.Second,
		LoadRetry:           load,
		SearchRetry:         search,
	}
}

// Start runs the event loop and queues the initial load. Everything stops
// when ctx is cancelled.
func (b *Bootstrap) Start(ctx context.Context) error {
	go b.Loop.Run(ctx)
	b.started = true

	b.subs = append(b.subs,
		b.Bus.Selected.Subscribe(func(ev event.Selected) { b.Board.MarkSelected(ev.ID) }),
		b.Bus.ListRendered.Subscribe(func(ev event.ListRendered) {
			b.syncWG.Add(1)
			go func() {
				defer b.syncWG.Done()
				b.SyncAssets(ctx, ev.Snapshots)
			}()
		}),
	)

	if err := b.Dashboard.Start(ctx); err != nil {
		return err
	}
	slog.Info("✅ Event loop started")
	return nil
}

// SyncAssets downloads missing icons for list in the background and points
// the board at them.
func (b *Bootstrap) SyncAssets(ctx context.Context, list []domain.Snapshot) {
	if b.Downloader == nil || len(list) == 0 {
		return
	}

	limit := b.Config.Icons.Concurrency
	if limit <= 0 {
		limit = 5
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, limit) // Limit concurrent downloads

	for _, s := range list {
		if _, ok := b.Downloader.IconPath(s.ID); ok {
			b.Board.SetIcon(s.ID, b.Downloader.IconURL(s.ID))
			continue
		}

		wg.Add(1)
		go func(s domain.Snapshot) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			if _, err := b.Downloader.DownloadIcon(ctx, s.ID, s.Image); err != nil {
				slog.Debug("Failed to download icon", slog.String("id", s.ID), slog.Any("error", err))
				return
			}
			b.Board.SetIcon(s.ID, b.Downloader.IconURL(s.ID))
		}(s)
	}

	wg.Wait()
	slog.Debug("Icon synchronization completed", slog.Int("coins", len(list)))
}

// Shutdown releases components in reverse order. The loop must already be
// stopping (ctx cancelled) or stopped.
func (b *Bootstrap) Shutdown() {
	if b.started {
		<-b.Loop.Stopped()
	}
	for _, unsub := range b.subs {
		unsub()
	}
	if b.Dashboard != nil {
		b.Dashboard.Close()
	}
	if b.Feed != nil {
		b.Feed.Close()
	}
	if b.List != nil {
		b.List.Close()
	}
	if b.Polls != nil {
		b.Polls.StopAll()
	}
	if b.Bus != nil {
		b.Bus.Clear()
	}
	b.syncWG.Wait()
	if b.Catalog != nil {
		if err := b.Catalog.Close(); err != nil {
			slog.Warn("Failed to close catalog", slog.Any("error", err))
		}
	}
	slog.Info("👋 Shutdown complete")
}
