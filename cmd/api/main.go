// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/switchboardhq/switchboard/internal/bus"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/gateway"
	"github.com/switchboardhq/switchboard/internal/ledger"
	"github.com/switchboardhq/switchboard/internal/logging"
	"github.com/switchboardhq/switchboard/internal/notify"
	"github.com/switchboardhq/switchboard/internal/transcript"
	httptransport "github.com/switchboardhq/switchboard/internal/transport/http"
)

const sweepInterval = 10 * time.Minute

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	led, err := ledger.Open(cfg.DatabasePath, logger)
	if err != nil {
		log.Fatalf("ledger open failed: %v", err)
	}
	defer func() {
		if err := led.Close(); err != nil {
			logger.Error("ledger close failed", "error", err)
		}
	}()

	// Snapshot the previous ledger before taking traffic.
	logger.Info("ledger opened", "path", led.Path(), "backup", led.Backup(""))

	store, err := transcript.NewStore(
		cfg.LogDir,
		int64(cfg.MaxLogSizeMB)*1024*1024,
		time.Duration(cfg.LogCompressDays)*24*time.Hour,
		logger,
	)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}

	eventBus := bus.New()

	gw := gateway.New(gateway.Deps{
		Config:      config.NewLoader(cfg.Path),
		Ledger:      led,
		Transcripts: store,
		Bus:         eventBus,
		Logger:      logger,
	})

	handler := httptransport.NewRouter(httptransport.Deps{
		Gateway:         gw,
		Runs:            led,
		Denied:          led,
		Backups:         led,
		Transcripts:     store,
		Events:          eventBus,
		AdminToken:      cfg.AdminToken,
		AdminRatePerMin: cfg.AdminRatePerMin,
		Version:         Version,
		Logger:          logger,
	})

	// Aged transcripts get compressed even when no request triggers a sweep.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.Sweep()
			}
		}
	}()

	if cfg.WebhookURL != "" {
		forwarder := notify.NewForwarder(cfg.WebhookURL, cfg.WebhookSecret, nil, logger)
		go forwarder.Run(ctx, eventBus.Subscribe())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.ProxyPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("gateway listening",
			"addr", addr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
