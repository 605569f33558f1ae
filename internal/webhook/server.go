// Package webhook is the inbound HTTP receiver for the blockchain index
// provider's transaction batches. The caller is acknowledged with 200
// before the batch is handed to the Dispatcher — processing is
// asynchronous from the transport layer's perspective.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"copytrade-broker/pkg/types"
)

// batchProcessor is the subset of the Dispatcher the webhook server
// needs. Processing is dispatched to a new goroutine per batch so the
// HTTP handler can return immediately.
type batchProcessor interface {
	ProcessBatch(ctx context.Context, txs []types.Transaction, activeKOLs map[string]bool)
}

// kolLister supplies the active KOL set used to decide, per
// transaction, whether any participant is a watched wallet.
type kolLister interface {
	GetWatchedKOLWallets(ctx context.Context) []string
}

// Config configures the webhook HTTP server.
type Config struct {
	Port int
}

// Server is the HTTP receiver for POST /helius-webhook plus liveness
// endpoints.
type Server struct {
	cfg        Config
	dispatcher batchProcessor
	registry   kolLister
	server     *http.Server
	logger     *slog.Logger
}

// New constructs a webhook Server.
func New(cfg Config, dispatcher batchProcessor, registry kolLister, logger *slog.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 3001
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     logger.With("component", "webhook-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /helius-webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("webhook server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var txs []types.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txs); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"success":   false,
			"message":   "invalid payload",
			"timestamp": time.Now().UTC(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"message":   "received",
		"timestamp": time.Now().UTC(),
	})

	go s.processAsync(txs)
}

func (s *Server) processAsync(txs []types.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	active := make(map[string]bool)
	for _, w := range s.registry.GetWatchedKOLWallets(ctx) {
		active[w] = true
	}
	s.dispatcher.ProcessBatch(ctx, txs, active)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "copytrade-broker"})
}
