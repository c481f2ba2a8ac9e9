// Command missioncontrold is Mission Control's process entrypoint: load
// config, build the wiring root, serve the HTTP API, and shut down
// cleanly on SIGINT/SIGTERM. Follows the teacher's cmd/kandev/main.go
// sequence (config -> logger -> context -> wiring -> HTTP server ->
// graceful shutdown).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/missioncontrol/missioncontrol/internal/api"
	"github.com/missioncontrol/missioncontrol/internal/app"
	"github.com/missioncontrol/missioncontrol/internal/config"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	tracing.Enable()
	log.Info("starting missioncontrold")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mcApp, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("failed to build application", zap.Error(err))
	}
	if err := mcApp.Start(ctx); err != nil {
		log.Fatal("failed to start application", zap.Error(err))
	}

	router := api.NewRouter(mcApp)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down missioncontrold")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := mcApp.Stop(shutdownCtx); err != nil {
		log.Error("application shutdown error", zap.Error(err))
	}

	log.Info("missioncontrold stopped")
}
