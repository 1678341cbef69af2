package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	configLoader "github.com/andiksetyawan/config"

	"db-sync-service/internal/app"
	"db-sync-service/internal/config"
	"db-sync-service/internal/logger"
)

func main() {
	cfg := &config.AppConfig{}
	loader := configLoader.New(
		configLoader.WithEnvPath(".env"),
	)
	if err := loader.Load(cfg); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()
	sugar := zl.Sugar()
	sugar.Infof("Configuration loaded (Server Port: %s)", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(cfg, zl)
	if err != nil {
		sugar.Fatalf("Failed to initialize application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		sugar.Fatalf("Failed to start application: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           application.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		sugar.Infof("Started webserver at port: %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnf("HTTP shutdown: %v", err)
	}
	application.Close(shutdownCtx)
	sugar.Info("Cleanup complete")
}
