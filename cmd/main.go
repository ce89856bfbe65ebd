package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/yt-subtitle-downloader/internal/config"
	"github.com/MimeLyc/yt-subtitle-downloader/internal/fetcher"
	"github.com/MimeLyc/yt-subtitle-downloader/internal/httpapi"
	"github.com/MimeLyc/yt-subtitle-downloader/internal/jobs"
	"github.com/MimeLyc/yt-subtitle-downloader/internal/persistence"
	"github.com/MimeLyc/yt-subtitle-downloader/pkg/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal("%v", err)
	}
}

func run() error {
	// Load .env if present; plain environment variables work as well.
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found: %v", err)
	}

	cfg, err := config.New()
	if err != nil {
		return err
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	var store jobs.Store
	if cfg.Storage.DBPath != "" {
		sqlStore, serr := persistence.NewSQLiteStore(cfg.Storage.DBPath)
		if serr != nil {
			return serr
		}
		defer sqlStore.Close()
		store = sqlStore
		log.Info("Job archive opened at %s", cfg.Storage.DBPath)
	}

	ytdlp := fetcher.New(
		cfg.Fetch.Binary,
		fetcher.WithCookies(cfg.Fetch.Cookies),
		fetcher.WithKeepTemp(cfg.Fetch.KeepTemp),
	)

	registry := jobs.NewRegistry(ytdlp, store, jobs.Options{
		Timeout:        cfg.Jobs.Timeout,
		Retention:      cfg.Jobs.Retention,
		RetrievedGrace: cfg.Jobs.RetrievedGrace,
		MaxConcurrent:  int64(cfg.Jobs.MaxConcurrent),
	})
	defer registry.Stop()

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Jobs.SweepIntervalStr, func() {
		registry.SweepExpired(time.Now())
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := httpapi.NewServer(
		registry,
		httpapi.WithUI(cfg.Server.StaticDir, cfg.Server.ServeFrontend),
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening on %s", cfg.Server.ListenAddr)
		if serr := srv.ListenAndServe(cfg.Server.ListenAddr); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
