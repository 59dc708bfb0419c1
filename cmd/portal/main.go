package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/evmwendwa/hotspot-portal/internal/config"
	"github.com/evmwendwa/hotspot-portal/internal/mikrotik"
	"github.com/evmwendwa/hotspot-portal/internal/mpesa"
	"github.com/evmwendwa/hotspot-portal/internal/notifier"
	"github.com/evmwendwa/hotspot-portal/internal/payments"
	"github.com/evmwendwa/hotspot-portal/internal/server"
	"github.com/evmwendwa/hotspot-portal/internal/storage"
)

func main() {
	// Setup logger
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	// Load config
	cfg := config.Load()

	if cfg.MpesaConsumerKey == "" || cfg.MpesaConsumerSecret == "" {
		log.Error("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required")
		os.Exit(1)
	}

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	// Initialize M-Pesa client
	gateway := mpesa.New(
		cfg.MpesaBaseURL,
		cfg.MpesaConsumerKey,
		cfg.MpesaConsumerSecret,
		cfg.MpesaShortcode,
		cfg.MpesaPasskey,
		cfg.MpesaCallbackURL,
	)
	log.Info("mpesa client initialized", "base_url", cfg.MpesaBaseURL)

	// Initialize MikroTik client
	device := mikrotik.New(cfg.MikrotikAddr, cfg.MikrotikUser, cfg.MikrotikPassword, cfg.MikrotikTimeout)
	log.Info("mikrotik client initialized", "addr", cfg.MikrotikAddr)

	// Initialize operator notifier
	alerts, err := notifier.New(cfg.OperatorBotToken, cfg.OperatorChatID, log)
	if err != nil {
		log.Error("init notifier", "error", err)
		os.Exit(1)
	}

	// Initialize payment service
	service := payments.NewService(store, gateway, device, alerts, log)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start expiry sweeper
	go service.SweepLoop(ctx, cfg.SweepInterval)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	// Start API server
	api := server.New(service, store, log)
	if err := api.Start(ctx, cfg.Port); err != nil && err != http.ErrServerClosed {
		log.Error("api server", "error", err)
		os.Exit(1)
	}
}
