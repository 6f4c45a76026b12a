// Package main is the entry point for the SpoolBuddy printer backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/spoolbuddy/backend/internal/api"
	"github.com/spoolbuddy/backend/internal/config"
	"github.com/spoolbuddy/backend/internal/fleet"
	"github.com/spoolbuddy/backend/internal/logger"
	"github.com/spoolbuddy/backend/internal/printer"
	"github.com/spoolbuddy/backend/internal/storage"
	"github.com/spoolbuddy/backend/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to YAML config file")
	addr := pflag.String("addr", "", "HTTP server address (overrides config)")
	dbPath := pflag.String("db", "", "SQLite database path (overrides config)")
	staticDir := pflag.String("static", "", "Directory for static frontend files (overrides config)")
	logLevel := pflag.String("log-level", "", "Log level: debug, info, warn, error")
	healthCheck := pflag.Bool("health-check", false, "Run health check and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *staticDir != "" {
		cfg.Server.StaticDir = *staticDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(cfg.Server.Addr); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("server")

	// Allow overriding version via environment (e.g., injected by container build/runtime)
	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	log.Info().Str("version", version).Msg("Starting SpoolBuddy backend")

	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open database")
	}
	defer db.Close()

	if err := storage.RunMigrations(db, logger.WithComponent("storage")); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := websocket.NewHub(logger.GetLogger())
	go hub.Run(hubCtx)

	manager := printer.NewManager(cfg.PrinterConfig(), logger.GetLogger())
	service := fleet.NewService(
		manager,
		storage.NewPrinterRepository(db),
		storage.NewSlotAssignmentRepository(db),
		websocket.NewEventBroadcaster(hub, logger.GetLogger()),
		logger.GetLogger(),
	)
	service.Start()

	if err := service.SeedPrinters(ctx, cfg.Printers); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed printers from config")
	}

	go func() {
		n, err := service.AutoConnect(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Auto-connect failed")
			return
		}
		log.Info().Int("connected", n).Msg("Auto-connect complete")
	}()

	scheduler := fleet.NewScheduler(service, cfg.Scheduler, logger.GetLogger())
	if err := scheduler.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start scheduler")
	}

	router := api.NewRouter(api.Deps{
		Version:   version,
		DB:        db,
		Hub:       hub,
		Fleet:     service,
		Scheduler: scheduler,
		StaticDir: cfg.Server.StaticDir,
		Logger:    logger.GetLogger(),
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTPWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if err := manager.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Printer shutdown error")
	}
	stopHub()

	log.Info().Msg("Server stopped")
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + addr + "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
