// Package main runs the payment dashboard core: resilient API client,
// entity state store, realtime ingestion, workflow orchestration, and the
// local REST API serving UI projections.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/ChainPay-Network/dashboard_core/internal/app"
	"github.com/ChainPay-Network/dashboard_core/internal/app/httpapi"
	"github.com/ChainPay-Network/dashboard_core/internal/config"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (overrides environment)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.NewDefault("dashboard").WithError(err).Error("configuration failed")
		os.Exit(1)
	}

	log := logger.New("dashboard", os.Stderr, cfg.LogLevel)

	application, err := app.New(cfg, log)
	if err != nil {
		log.WithError(err).Error("could not build application")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("could not start services")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewHandler(application),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("dashboard API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown incomplete")
	}
	log.Info("stopped")
}
