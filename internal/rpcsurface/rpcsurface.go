// Package rpcsurface implements the synchronous request/reply layer
// over the dedicated RPC queue (§4.6): subscription mutations and
// read-only views of the registry and trade history.
package rpcsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"copytrade-broker/internal/bus"
	"copytrade-broker/pkg/types"
)

// registryOps is the subset of the Registry the RPC surface needs.
type registryOps interface {
	GetUserSubscriptions(ctx context.Context, userID string) []types.Subscription
	AddSubscription(ctx context.Context, sub types.Subscription) ([]types.Subscription, error)
	RemoveSubscription(ctx context.Context, userID, kolWallet string) ([]types.Subscription, error)
	GetSubscriptionsForKOL(ctx context.Context, kolWallet string) []types.Subscription
	GetWatchedKOLWallets(ctx context.Context) []string
}

// provider registers/deregisters KOL wallets with the external provider,
// for the addKolWalletToWebhook/removeKolWalletFromWebhook methods that
// operate on the webhook registration directly rather than through a
// subscription mutation.
type provider interface {
	AppendAddresses(ctx context.Context, addresses []string) error
	RemoveAddresses(ctx context.Context, addresses []string) error
}

// tradeReader serves the trade-history read methods and the operational
// metrics snapshot.
type tradeReader interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	ZRevRange(ctx context.Context, key string, count int64) ([]string, error)
	ScanInts(ctx context.Context, prefix string) (map[string]int64, error)
}

// publisher is the subset of the Bus used to post replies.
type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
}

const (
	defaultHistoryLimit  = 50
	metricsCounterPrefix = "metrics:counter:"
)

// Surface dispatches RPC requests to registry/trade-history operations
// and posts structured replies.
type Surface struct {
	registry registryOps
	provider provider
	trades   tradeReader
	bus      publisher
	logger   *slog.Logger

	methods map[string]func(ctx context.Context, args map[string]any) types.RPCResponse
}

// New constructs an RPC Surface and wires its method dispatch table.
func New(registry registryOps, providerClient provider, trades tradeReader, busClient publisher, logger *slog.Logger) *Surface {
	s := &Surface{
		registry: registry,
		provider: providerClient,
		trades:   trades,
		bus:      busClient,
		logger:   logger.With("component", "rpc-surface"),
	}
	s.methods = map[string]func(ctx context.Context, args map[string]any) types.RPCResponse{
		"createUserSubscription":      s.createUserSubscription,
		"removeUserSubscription":      s.removeUserSubscription,
		"addKolWalletToWebhook":       s.addKolWalletToWebhook,
		"removeKolWalletFromWebhook":  s.removeKolWalletFromWebhook,
		"getSubscriptionsForKOL":      s.getSubscriptionsForKOL,
		"getSubscriptionsForUser":     s.getSubscriptionsForUser,
		"getKolWallets":               s.getKolWallets,
		"getRecentKOLTrades":          s.getRecentKOLTrades,
		"getTradeHistory":             s.getTradeHistory,
		"getKOLSwapTransactions":      s.getKOLSwapTransactions,
		"getMetrics":                  s.getMetrics,
	}
	return s
}

// CanHandle satisfies bus.Handler: the surface handles every message on
// the RPC queue, since it is the queue's sole consumer.
func (s *Surface) CanHandle(msg bus.Message) bool {
	return true
}

// Handle satisfies bus.Handler: decode the request, dispatch to the
// matching method, and post the reply to replyTo/correlationId.
func (s *Surface) Handle(ctx context.Context, msg bus.Message) error {
	var req types.RPCRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("decode rpc request: %w", err)
	}

	resp := s.Dispatch(ctx, req.Method, req.Args)

	reply := struct {
		types.RPCResponse
		CorrelationID string `json:"correlationId"`
	}{RPCResponse: resp, CorrelationID: req.CorrelationID}

	if req.ReplyTo == "" {
		return nil
	}
	if err := s.bus.Publish(ctx, bus.ExchangeNotifications, req.ReplyTo, reply); err != nil {
		return fmt.Errorf("publish rpc reply: %w", err)
	}
	return nil
}

// Dispatch resolves method against the dispatch table and invokes it.
// Unknown methods return the spec's structured "Invalid method" reply.
func (s *Surface) Dispatch(ctx context.Context, method string, args map[string]any) types.RPCResponse {
	fn, ok := s.methods[method]
	if !ok {
		return types.RPCResponse{Success: false, Message: "Invalid method", Data: nil}
	}
	return fn(ctx, args)
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func (s *Surface) createUserSubscription(ctx context.Context, args map[string]any) types.RPCResponse {
	raw, err := json.Marshal(args["subscription"])
	if err != nil {
		return types.RPCResponse{Success: false, Message: "invalid subscription payload"}
	}
	var sub types.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return types.RPCResponse{Success: false, Message: "invalid subscription payload"}
	}

	subs, err := s.registry.AddSubscription(ctx, sub)
	if err != nil {
		s.logger.Warn("createUserSubscription failed", "userId", sub.UserID, "error", err)
		return types.RPCResponse{Success: false, Message: "subscription creation failed"}
	}
	return types.RPCResponse{Success: true, Message: "ok", Data: subs}
}

func (s *Surface) removeUserSubscription(ctx context.Context, args map[string]any) types.RPCResponse {
	userID := argString(args, "userId")
	kolWallet := argString(args, "kolWallet")
	subs, err := s.registry.RemoveSubscription(ctx, userID, kolWallet)
	if err != nil {
		s.logger.Warn("removeUserSubscription failed", "userId", userID, "kolWallet", kolWallet, "error", err)
		return types.RPCResponse{Success: false, Message: "subscription removal failed"}
	}
	return types.RPCResponse{Success: true, Message: "ok", Data: subs}
}

func (s *Surface) addKolWalletToWebhook(ctx context.Context, args map[string]any) types.RPCResponse {
	wallet := argString(args, "kolWallet")
	if err := s.provider.AppendAddresses(ctx, []string{wallet}); err != nil {
		s.logger.Warn("addKolWalletToWebhook failed", "kolWallet", wallet, "error", err)
		return types.RPCResponse{Success: false, Message: "provider registration failed"}
	}
	return types.RPCResponse{Success: true, Message: "ok"}
}

func (s *Surface) removeKolWalletFromWebhook(ctx context.Context, args map[string]any) types.RPCResponse {
	wallet := argString(args, "kolWallet")
	if err := s.provider.RemoveAddresses(ctx, []string{wallet}); err != nil {
		s.logger.Warn("removeKolWalletFromWebhook failed", "kolWallet", wallet, "error", err)
		return types.RPCResponse{Success: false, Message: "provider deregistration failed"}
	}
	return types.RPCResponse{Success: true, Message: "ok"}
}

func (s *Surface) getSubscriptionsForKOL(ctx context.Context, args map[string]any) types.RPCResponse {
	subs := s.registry.GetSubscriptionsForKOL(ctx, argString(args, "kolWallet"))
	return types.RPCResponse{Success: true, Message: "ok", Data: subs}
}

func (s *Surface) getSubscriptionsForUser(ctx context.Context, args map[string]any) types.RPCResponse {
	subs := s.registry.GetUserSubscriptions(ctx, argString(args, "userId"))
	return types.RPCResponse{Success: true, Message: "ok", Data: subs}
}

func (s *Surface) getKolWallets(ctx context.Context, args map[string]any) types.RPCResponse {
	wallets := s.registry.GetWatchedKOLWallets(ctx)
	return types.RPCResponse{Success: true, Message: "ok", Data: wallets}
}

// getRecentKOLTrades reads the per-KOL capped sorted set (member =
// tradeId) and resolves each id against its trade detail record.
func (s *Surface) getRecentKOLTrades(ctx context.Context, args map[string]any) types.RPCResponse {
	kolWallet := argString(args, "kolWallet")
	limit := int64(argInt(args, "limit", defaultHistoryLimit))

	ids, err := s.trades.ZRevRange(ctx, "trade:recent:"+kolWallet, limit)
	if err != nil {
		s.logger.Warn("getRecentKOLTrades failed", "kolWallet", kolWallet, "error", err)
		return types.RPCResponse{Success: true, Message: "ok", Data: []types.Trade{}}
	}

	trades := make([]types.Trade, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := s.trades.GetString(ctx, fmt.Sprintf("trade:kol:%s:%s", kolWallet, id))
		if err != nil || !ok {
			continue
		}
		var t types.Trade
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return types.RPCResponse{Success: true, Message: "ok", Data: trades}
}

// getTradeHistory reads the global capped sorted set, whose members are
// already full JSON trades.
func (s *Surface) getTradeHistory(ctx context.Context, args map[string]any) types.RPCResponse {
	limit := int64(argInt(args, "limit", defaultHistoryLimit))
	raws, err := s.trades.ZRevRange(ctx, "trade:recent", limit)
	if err != nil {
		s.logger.Warn("getTradeHistory failed", "error", err)
		return types.RPCResponse{Success: true, Message: "ok", Data: []types.Trade{}}
	}

	trades := make([]types.Trade, 0, len(raws))
	for _, raw := range raws {
		var t types.Trade
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return types.RPCResponse{Success: true, Message: "ok", Data: trades}
}

// getKOLSwapTransactions is an alias view over the same per-KOL history
// as getRecentKOLTrades; the spec names them as distinct methods without
// distinguishing their payloads, so both resolve through the trade
// detail records.
func (s *Surface) getKOLSwapTransactions(ctx context.Context, args map[string]any) types.RPCResponse {
	return s.getRecentKOLTrades(ctx, args)
}

// getMetrics assembles a point-in-time snapshot of every
// metrics:counter:{name} key into a ServiceMetrics payload.
func (s *Surface) getMetrics(ctx context.Context, args map[string]any) types.RPCResponse {
	counters, err := s.trades.ScanInts(ctx, metricsCounterPrefix)
	if err != nil {
		s.logger.Warn("getMetrics failed", "error", err)
		return types.RPCResponse{Success: false, Message: "metrics unavailable"}
	}
	snapshot := types.ServiceMetrics{Timestamp: time.Now().UTC(), Counters: counters}
	return types.RPCResponse{Success: true, Message: "ok", Data: snapshot}
}
