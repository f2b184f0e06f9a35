package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"coin_dash/internal/app"
	"coin_dash/internal/present"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	mode := flag.String("mode", "", "presenter: tui, web or both (overrides ui.mode)")
	pprofAddr := flag.String("pprof", "", "serve pprof on this address, e.g. localhost:6060")
	flag.Parse()

	// 1. Secrets from .env (optional)
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to read .env", slog.Any("error", err))
	}

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(*mode); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 3. Pprof Server (for performance profiling)
	if *pprofAddr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Event loop, coordinator and initial load
	if err := bootstrap.Start(ctx); err != nil {
		slog.Error("❌ Start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Shutdown()
	defer stop()

	// 6. Presenters
	webDone := make(chan error, 1)
	webStarted := cfg.UI.Mode == "web" || cfg.UI.Mode == "both"
	if webStarted {
		iconDir := ""
		if bootstrap.Downloader != nil {
			iconDir = bootstrap.Downloader.Dir()
		}
		web := present.NewWebServer(present.WebOptions{
			Addr:    cfg.Web.Addr,
			IconDir: iconDir,
			Debug:   cfg.Logging.Level == "debug",
		}, bootstrap.Board, bootstrap.Commands, bootstrap.Metrics, bootstrap.Registry)

		go func() { webDone <- web.Run(ctx) }()
		slog.InfoContext(ctx, "✅ Web feed started", slog.String("addr", cfg.Web.Addr))
	}

	if cfg.UI.Mode == "tui" || cfg.UI.Mode == "both" {
		if err := present.RunTUI(ctx, bootstrap.Board, bootstrap.Commands); err != nil {
			slog.Error("Terminal UI failed", slog.Any("error", err))
		}
		stop()
	} else {
		slog.InfoContext(ctx, "✨ CoinDash fully operational. Press Ctrl+C to exit.")
	}

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		if webStarted {
			<-webDone
		}
	case err := <-webDone:
		if err != nil {
			slog.Error("Web feed failed", slog.Any("error", err))
		}
		stop()
	}

	slog.Info("👋 Shutting down gracefully...")
}
