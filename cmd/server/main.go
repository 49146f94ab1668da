package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clk-66/concord/internal/api"
	"github.com/clk-66/concord/internal/config"
	"github.com/clk-66/concord/internal/db"
	"github.com/clk-66/concord/internal/permissions"
	"github.com/clk-66/concord/internal/seed"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := permissions.CheckCatalog(); err != nil {
		slog.Error("permission catalog", "err", err)
		os.Exit(1)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := api.New(ctx, database, cfg)
	go app.Hub.Run(ctx)

	if cfg.SeedDemo {
		if err := seed.Demo(ctx, seed.Deps{
			DB:       database,
			Auth:     app.Auth,
			Servers:  app.Servers,
			Members:  app.Members,
			Channels: app.Channels,
			Resolver: app.Resolver,
		}); err != nil {
			slog.Error("seed demo data", "err", err)
			os.Exit(1)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "err", err)
		}
	}()

	slog.Info("server listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
