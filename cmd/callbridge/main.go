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

	"github.com/antoniostano/callbridge/internal/app"
	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/logging"
	"github.com/antoniostano/callbridge/internal/policy"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("env file error", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("loaded API key", "openai_api_key", policy.MaskSecret(cfg.OpenAIAPIKey))

	tlsConfig, err := app.LoadServerTLS(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCABundleFile)
	if err != nil {
		logger.Error("tls setup failed", "error", err)
		os.Exit(1)
	}

	built := app.Build(cfg, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Calls.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server is listening", "addr", cfg.BindAddr, "model", cfg.RealtimeModel)
		// Certificates are already in TLSConfig.
		if err := httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	built.API.CloseCalls()

	logger.Info("shutdown complete")
}
