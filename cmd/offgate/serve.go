package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/galeria/offgate"
	"github.com/spf13/cobra"
)

var (
	serveListen   string
	serveUpstream string
	serveVersion  string
	serveDBPath   string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default :8090)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "upstream origin URL")
	serveCmd.Flags().StringVar(&serveVersion, "cache-version", "", "cache generation name")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "SQLite database path")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  "Run the offline gateway. Flags override values from ~/.offgate/config.toml.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if serveListen != "" {
			cfg.Server.Listen = serveListen
		}
		if serveUpstream != "" {
			cfg.Server.Upstream = serveUpstream
		}
		if serveVersion != "" {
			cfg.Cache.Version = serveVersion
		}
		if serveDBPath != "" {
			cfg.Cache.DBPath = serveDBPath
		}
		if cfg.Server.Listen == "" {
			cfg.Server.Listen = ":8090"
		}
		if cfg.Server.Upstream == "" {
			return fmt.Errorf("no upstream configured (set server.upstream or pass --upstream)")
		}
		return runServe(cfg)
	},
}

func runServe(cfg *Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	worker, err := offgate.New(offgate.Options{
		Upstream:      cfg.Server.Upstream,
		DBPath:        cfg.Cache.DBPath,
		CacheVersion:  cfg.Cache.Version,
		ShellManifest: cfg.Cache.Shell,
		MaxRetries:    cfg.Queue.MaxRetries,
		TaskTTL:       time.Duration(cfg.Queue.TTLHours) * time.Hour,
		ProbeFloor:    time.Duration(cfg.Probe.FloorSeconds) * time.Second,
		ProbeCeiling:  time.Duration(cfg.Probe.CeilingSeconds) * time.Second,
		PushSecret:    cfg.Push.Secret,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	defer worker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Install(ctx); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if err := worker.Activate(ctx); err != nil {
		return fmt.Errorf("activate failed: %w", err)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: worker.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.Server.Listen, "upstream", cfg.Server.Upstream)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
