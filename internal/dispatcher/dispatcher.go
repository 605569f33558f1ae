// Package dispatcher is the control plane: it consumes inbound webhook
// batches, classifies, gates, fans out, and emits the three outbound
// event streams described in the bus topology.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copytrade-broker/internal/bus"
	"copytrade-broker/internal/classifier"
	"copytrade-broker/internal/quota"
	"copytrade-broker/pkg/types"
)

// registryReader is the subset of the Registry the dispatcher needs.
type registryReader interface {
	GetSubscriptionsForKOL(ctx context.Context, kolWallet string) []types.Subscription
}

// quotaGate is the subset of the Purchase-Quota Gate the dispatcher needs.
type quotaGate interface {
	IncrementAndValidate(ctx context.Context, userID, tokenMint string, maxCount int, subscriptionID string) quota.IncrementResult
}

// publisher is the subset of the Bus the dispatcher needs.
type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
}

// scorerClient is the subset of the ML scorer client the dispatcher needs.
type scorerClient interface {
	Score(ctx context.Context, tokenMint string, eventTime time.Time) float64
}

// tradeStore persists classified trades and increments operational
// counters. Implemented by internal/kv.Client.
type tradeStore interface {
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	ZAddCapped(ctx context.Context, key string, score float64, member string, cap int64, ttl time.Duration) error
	IncrWithRollback(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// opsBroadcaster publishes operator-facing events to the optional ops
// stream. Implemented by *opsstream.Hub; kept as a narrow local
// interface so the dispatcher doesn't need to import that package's
// wire format, matching the rest of this file's collaborator seams.
type opsBroadcaster interface {
	TradeDetected(data any)
	QuotaDenied(data any)
}

const (
	perKOLHistoryCap  = 100
	globalHistoryCap  = 1000
	defaultHistoryTTL = 7 * 24 * time.Hour
	defaultCounterTTL = 24 * time.Hour
)

// Config controls dispatcher behavior not implied by its collaborators.
type Config struct {
	PredictableKOLWallets []string // ML-scorer is called only for these wallets
	ScorerTimeout         time.Duration
	TradeHistoryTTL       time.Duration // 0 means defaultHistoryTTL
	CounterTTL            time.Duration // 0 means defaultCounterTTL
}

// Dispatcher is the event broker's orchestrator.
type Dispatcher struct {
	registry registryReader
	quota    quotaGate
	bus      publisher
	store    tradeStore
	scorer   scorerClient
	ops      opsBroadcaster // nilable: ops stream is optional
	cfg      Config
	logger   *slog.Logger

	predictable map[string]bool

	kolLocksMu sync.Mutex
	kolLocks   map[string]*sync.Mutex
}

// New constructs a Dispatcher. ops may be nil if the operator-facing
// event stream is disabled.
func New(registry registryReader, quotaGate quotaGate, busClient publisher, store tradeStore, scorer scorerClient, ops opsBroadcaster, cfg Config, logger *slog.Logger) *Dispatcher {
	predictable := make(map[string]bool, len(cfg.PredictableKOLWallets))
	for _, w := range cfg.PredictableKOLWallets {
		predictable[w] = true
	}
	return &Dispatcher{
		registry:    registry,
		quota:       quotaGate,
		bus:         busClient,
		store:       store,
		scorer:      scorer,
		ops:         ops,
		cfg:         cfg,
		logger:      logger.With("component", "dispatcher"),
		predictable: predictable,
		kolLocks:    make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) historyTTL() time.Duration {
	if d.cfg.TradeHistoryTTL > 0 {
		return d.cfg.TradeHistoryTTL
	}
	return defaultHistoryTTL
}

func (d *Dispatcher) counterTTL() time.Duration {
	if d.cfg.CounterTTL > 0 {
		return d.cfg.CounterTTL
	}
	return defaultCounterTTL
}

func (d *Dispatcher) kolLock(kolWallet string) *sync.Mutex {
	d.kolLocksMu.Lock()
	defer d.kolLocksMu.Unlock()
	m, ok := d.kolLocks[kolWallet]
	if !ok {
		m = &sync.Mutex{}
		d.kolLocks[kolWallet] = m
	}
	return m
}

// ProcessBatch runs the full pipeline (§4.4) over one inbound webhook
// payload, preserving arrival order within the batch. Each transaction
// is independent; failures classifying or gating one transaction never
// abort the rest of the batch.
func (d *Dispatcher) ProcessBatch(ctx context.Context, txs []types.Transaction, activeKOLs map[string]bool) {
	for _, tx := range txs {
		kolWallet := findKOLWallet(tx, activeKOLs)
		if kolWallet == "" {
			d.incrCounter(ctx, "trades.dropped")
			continue
		}
		d.processOne(ctx, tx, kolWallet)
	}
}

func (d *Dispatcher) processOne(ctx context.Context, tx types.Transaction, kolWallet string) {
	lock := d.kolLock(kolWallet)
	lock.Lock()
	defer lock.Unlock()

	trade, ok := classifier.Classify(tx, kolWallet, kolWallet)
	if !ok {
		d.incrCounter(ctx, "trades.dropped")
		return
	}
	d.incrCounter(ctx, "trades.classified")

	d.persistTrade(ctx, trade)

	subs := d.registry.GetSubscriptionsForKOL(ctx, kolWallet)

	var probability *float64
	if d.predictable[kolWallet] {
		sctx, cancel := context.WithTimeout(ctx, d.scorerTimeout())
		p := d.scorer.Score(sctx, trade.TokenMint, trade.EventTime)
		cancel()
		probability = &p
	}

	eligible := make([]types.Subscription, 0, len(subs))
	var instructions []types.CopyTradeInstruction

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		switch {
		case sub.Type == types.SubWatch:
			// watch-only: notification only, never copied.
		case sub.Type == types.SubTrade && sub.TokenBuyCount > 0 && sub.WatchConfig != nil:
			res := d.quota.IncrementAndValidate(ctx, sub.UserID, trade.TokenMint, sub.TokenBuyCount, sub.ID)
			if !res.Success {
				d.incrCounter(ctx, "quota.denied")
				d.emitNotification(ctx, sub, trade)
				if d.ops != nil {
					d.ops.QuotaDenied(map[string]any{
						"userId":         sub.UserID,
						"subscriptionId": sub.ID,
						"kolWallet":      trade.KOLWallet,
						"tokenMint":      trade.TokenMint,
					})
				}
				continue
			}
			eligible = append(eligible, sub)
			instructions = append(instructions, copyInstructionFor(sub, trade))
		default:
			eligible = append(eligible, sub)
			instructions = append(instructions, copyInstructionFor(sub, trade))
		}

		d.emitNotification(ctx, sub, trade)
	}

	d.emitTradeDetected(ctx, trade, eligible, probability)

	if len(instructions) > 0 {
		d.emitCopyTradeBatch(ctx, instructions)
	}
}

func (d *Dispatcher) scorerTimeout() time.Duration {
	if d.cfg.ScorerTimeout > 0 {
		return d.cfg.ScorerTimeout
	}
	return 2 * time.Second
}

func copyInstructionFor(sub types.Subscription, trade types.Trade) types.CopyTradeInstruction {
	amount := trade.QuoteAmount
	if sub.MinAmount != nil {
		amount = *sub.MinAmount
	}
	return types.CopyTradeInstruction{
		AgentID:     sub.UserID,
		TradeType:   trade.Side,
		Amount:      amount,
		PrivateKey:  sub.OpaqueCredential,
		Mint:        trade.TokenMint,
		Priority:    "high",
		WatchConfig: sub.WatchConfig,
	}
}

func (d *Dispatcher) emitNotification(ctx context.Context, sub types.Subscription, trade types.Trade) {
	estimate := trade.QuoteAmount.Mul(decimal.NewFromFloat(sub.CopyPercentage)).Div(decimal.NewFromInt(100))
	notif := types.ClientNotification{
		UserID:              sub.UserID,
		NotificationType:    "trade_detected",
		Trade:               trade,
		Subscription:        sub,
		EstimatedCopyAmount: estimate,
	}
	if err := d.bus.Publish(ctx, bus.ExchangeNotifications, "client.notification", notif); err != nil {
		d.logger.Warn("publish notification failed", "userId", sub.UserID, "error", err)
		return
	}
	d.incrCounter(ctx, "notifications.sent")
}

func (d *Dispatcher) emitTradeDetected(ctx context.Context, trade types.Trade, matched []types.Subscription, probability *float64) {
	evt := types.TradeDetectedEvent{
		Trade:           trade,
		MatchedSubs:     matched,
		EstimatedCopies: len(matched),
		Probability:     probability,
	}
	if probability != nil {
		d.logger.Info("ml scorer probability", "tradeId", trade.ID, "tokenMint", trade.TokenMint, "probability", *probability)
	}
	if err := d.bus.Publish(ctx, bus.ExchangeTradeEvents, "kol.trade.detected", evt); err != nil {
		d.logger.Warn("publish trade-detected failed", "tradeId", trade.ID, "error", err)
	}
	if d.ops != nil {
		d.ops.TradeDetected(evt)
	}
}

func (d *Dispatcher) emitCopyTradeBatch(ctx context.Context, instructions []types.CopyTradeInstruction) {
	if err := d.bus.Publish(ctx, bus.ExchangeTradeEvents, "copy.trade.request", instructions); err != nil {
		d.logger.Warn("publish copy-trade batch failed", "count", len(instructions), "error", err)
		return
	}
	d.incrCounter(ctx, "copytrade.dispatched")
}

func (d *Dispatcher) persistTrade(ctx context.Context, trade types.Trade) {
	encoded, err := json.Marshal(trade)
	if err != nil {
		d.logger.Warn("encode trade failed", "tradeId", trade.ID, "error", err)
		return
	}

	key := fmt.Sprintf("trade:kol:%s:%s", trade.KOLWallet, trade.ID)
	if err := d.store.SetString(ctx, key, string(encoded), d.historyTTL()); err != nil {
		d.logger.Warn("persist trade detail failed", "tradeId", trade.ID, "error", err)
	}

	score := float64(trade.EventTime.UnixMilli())
	if err := d.store.ZAddCapped(ctx, "trade:recent:"+trade.KOLWallet, score, trade.ID, perKOLHistoryCap, d.historyTTL()); err != nil {
		d.logger.Warn("persist per-kol recent trades failed", "tradeId", trade.ID, "error", err)
	}
	if err := d.store.ZAddCapped(ctx, "trade:recent", score, string(encoded), globalHistoryCap, d.historyTTL()); err != nil {
		d.logger.Warn("persist global recent trades failed", "tradeId", trade.ID, "error", err)
	}
}

func (d *Dispatcher) incrCounter(ctx context.Context, name string) {
	if _, err := d.store.IncrWithRollback(ctx, "metrics:counter:"+name, d.counterTTL()); err != nil {
		d.logger.Warn("increment metric counter failed", "counter", name, "error", err)
	}
}

// findKOLWallet scans accountData, nativeTransfers, tokenTransfers, and
// feePayer for any address in the active KOL set. Addresses are
// normalized before lookup since webhook payloads occasionally carry
// incidental surrounding whitespace.
func findKOLWallet(tx types.Transaction, activeKOLs map[string]bool) string {
	if addr := normalizeAddress(tx.FeePayer); activeKOLs[addr] {
		return addr
	}
	for _, acc := range tx.AccountData {
		if addr := normalizeAddress(acc.Account); activeKOLs[addr] {
			return addr
		}
	}
	for _, nt := range tx.NativeTransfers {
		if addr := normalizeAddress(nt.FromUserAccount); activeKOLs[addr] {
			return addr
		}
		if addr := normalizeAddress(nt.ToUserAccount); activeKOLs[addr] {
			return addr
		}
	}
	for _, tt := range tx.TokenTransfers {
		if addr := normalizeAddress(tt.FromUserAccount); activeKOLs[addr] {
			return addr
		}
		if addr := normalizeAddress(tt.ToUserAccount); activeKOLs[addr] {
			return addr
		}
	}
	return ""
}

// normalizeAddress is applied to every provider-supplied address before
// comparison; Solana addresses are case-sensitive base58 so this only
// trims incidental whitespace today.
func normalizeAddress(addr string) string {
	return strings.TrimSpace(addr)
}
