// Copy-trading event broker — classifies KOL wallet swaps from inbound
// webhook batches, gates them against per-user purchase quotas, and fans
// them out to downstream copy-trade execution, client notification, and
// trade-history streams.
//
// Architecture:
//
//	main.go                      — entry point: loads config, wires every component, waits for SIGINT/SIGTERM
//	internal/classifier          — pure function: balance-delta payload → canonical Trade
//	internal/registry            — subscriptions, KOL watch-list, fan-out indexes; syncs external provider
//	internal/quota               — atomic per-(user, token) purchase counter with rollback
//	internal/dispatcher          — orchestrates the webhook pipeline and fans out to the bus
//	internal/bus                 — exchange/queue topology over Redis Streams, consumer loop, retry/DLQ
//	internal/rpcsurface          — request/reply method dispatch over the RPC queue
//	internal/kv                 — Redis-backed KV store (GET/SET/TTL, sets, sorted sets, MULTI/INCR)
//	internal/provider            — blockchain-index provider REST client
//	internal/scorer              — ML scoring service REST client
//	internal/webhook             — inbound HTTP receiver (POST /helius-webhook)
//	internal/opsstream           — optional operator-facing /ws event stream
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

	"copytrade-broker/internal/bus"
	"copytrade-broker/internal/config"
	"copytrade-broker/internal/dispatcher"
	"copytrade-broker/internal/kv"
	"copytrade-broker/internal/opsstream"
	"copytrade-broker/internal/provider"
	"copytrade-broker/internal/quota"
	"copytrade-broker/internal/registry"
	"copytrade-broker/internal/rpcsurface"
	"copytrade-broker/internal/scorer"
	"copytrade-broker/internal/webhook"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BROKER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	kvClient, err := kv.Open(cfg.KV.Addr, cfg.KV.Password, cfg.KV.DB, cfg.KV.Namespace)
	if err != nil {
		logger.Error("failed to connect to kv store", "error", err)
		os.Exit(1)
	}
	defer kvClient.Close()

	// The bus shares the KV client's Redis connection — the spec only
	// requires "one channel per process", and a second pool buys nothing.
	busClient := bus.New(kvClient.Raw(), bus.Config{
		Environment:       cfg.Environment,
		Prefetch:          cfg.Bus.Prefetch,
		RetryAttempts:     cfg.Bus.RetryAttempts,
		RetryBaseDelay:    cfg.Bus.RetryBaseDelay,
		ProcessingTimeout: cfg.Bus.ProcessingTimeout,
	}, logger)

	providerClient := provider.NewClient(provider.Config{
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		WebhookID: cfg.Provider.WebhookID,
		DryRun:    cfg.Provider.DryRun,
		Timeout:   cfg.Provider.Timeout,
	}, logger)

	scorerClient := scorer.NewClient(scorer.Config{
		BaseURL: cfg.Scorer.BaseURL,
		Timeout: cfg.Scorer.Timeout,
	}, logger)

	reg := registry.New(kvClient, providerClient, logger)
	quotaGate := quota.New(kvClient, logger)

	// ops stays a true nil interface when the stream is disabled, so the
	// dispatcher's nil check on it is never fooled by a typed-nil *Hub.
	var ops interface {
		TradeDetected(data any)
		QuotaDenied(data any)
	}

	var opsServer *http.Server
	if cfg.Ops.Enabled {
		hub := opsstream.NewHub(logger)
		go hub.Run()
		ops = hub

		busClient.OnDeadLetter(func(msg bus.Message) {
			hub.DeadLetter(map[string]any{
				"exchange":   msg.Exchange,
				"routingKey": msg.RoutingKey,
				"retryCount": msg.RetryCount,
			})
		})

		opsServer = newOpsServer(cfg.Ops.Port, hub, logger)
		go func() {
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ops stream server failed", "error", err)
			}
		}()
	}

	disp := dispatcher.New(reg, quotaGate, busClient, kvClient, scorerClient, ops, dispatcher.Config{
		PredictableKOLWallets: cfg.Scorer.PredictableKOLWallets,
		ScorerTimeout:         cfg.Scorer.Timeout,
		TradeHistoryTTL:       cfg.History.TradeHistoryTTL,
		CounterTTL:            cfg.History.CounterTTL,
	}, logger)

	rpc := rpcsurface.New(reg, providerClient, kvClient, busClient, logger)
	busClient.RegisterHandler(bus.QueueRPC, rpc)

	webhookServer := webhook.New(webhook.Config{Port: cfg.Webhook.Port}, disp, reg, logger)

	rootCtx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := busClient.Run(rootCtx, []string{
			bus.QueueSubscriptionCommands,
			bus.QueueKOLManagement,
			bus.QueueServiceCommands,
			bus.QueueRPC,
		}); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bus consumer stopped, exiting", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		if err := webhookServer.Start(); err != nil {
			logger.Error("webhook server failed", "error", err)
		}
	}()

	logger.Info("copy-trading broker started",
		"webhookPort", cfg.Webhook.Port,
		"environment", cfg.Environment,
		"providerDryRun", cfg.Provider.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if err := webhookServer.Stop(); err != nil {
		logger.Error("failed to stop webhook server", "error", err)
	}
	if opsServer != nil {
		if err := opsServer.Shutdown(context.Background()); err != nil {
			logger.Error("failed to stop ops stream server", "error", err)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newOpsServer(port int, hub *opsstream.Hub, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", opsstream.NewHandler(hub, logger))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
