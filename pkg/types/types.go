// Package types defines the shared vocabulary for the copy-trading broker:
// trades, subscriptions, KOL wallets, quota records, and the wire shapes
// for the webhook, bus, and RPC boundaries. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a classified swap.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// SubscriptionType controls whether a subscription copies trades or only
// watches them for notification purposes.
type SubscriptionType string

const (
	SubTrade SubscriptionType = "trade"
	SubWatch SubscriptionType = "watch"
)

// NativeWrapMint is the canonical wrapped-native mint used as the quote
// side of every classified swap on this chain.
const NativeWrapMint = "So11111111111111111111111111111111111111112"

// NativeDecimals is the exponent for the chain's native unit (lamports).
const NativeDecimals = 9

// ————————————————————————————————————————————————————————————————————————
// Trade
// ————————————————————————————————————————————————————————————————————————

// Trade is the canonical, immutable record produced by the classifier for
// a single detected swap. Exactly one of Side's two values ever applies;
// {TokenMint, QuoteMint} is always a set of size two and QuoteMint is
// always NativeWrapMint.
type Trade struct {
	ID          string          `json:"id"`
	KOLWallet   string          `json:"kolWallet"`
	Signature   string          `json:"signature"`
	EventTime   time.Time       `json:"eventTime"`
	Side        Side            `json:"side"`
	TokenMint   string          `json:"tokenMint"`
	QuoteMint   string          `json:"quoteMint"`
	TokenAmount decimal.Decimal `json:"tokenAmount"`
	QuoteAmount decimal.Decimal `json:"quoteAmount"`
	DEXProgram  string          `json:"dexProgram,omitempty"`
	Slot        *uint64         `json:"slot,omitempty"`
	Fee         *decimal.Decimal `json:"fee,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Subscription & KOL watch-list
// ————————————————————————————————————————————————————————————————————————

// WatchConfig holds the exit-management parameters for a watch-only or
// monitored trade subscription.
type WatchConfig struct {
	TakeProfitPct  float64 `json:"takeProfitPct,omitempty"`
	StopLossPct    float64 `json:"stopLossPct,omitempty"`
	TrailingStopPct float64 `json:"trailingStopPct,omitempty"`
	MaxHoldMinutes int     `json:"maxHoldMinutes,omitempty"`
}

// SafetySettings are optional per-subscription guardrails stored with the
// subscription. The dispatcher does not read them when copying a trade.
type SafetySettings struct {
	MaxSlippageBps int      `json:"maxSlippageBps,omitempty"`
	DEXWhitelist   []string `json:"dexWhitelist,omitempty"`
	TokenBlacklist []string `json:"tokenBlacklist,omitempty"`
	TradingHours   string   `json:"tradingHours,omitempty"` // free-form, e.g. "00:00-23:59 UTC"
}

// Subscription binds a user to a KOL wallet with copy-trading parameters.
// (userId, kolWallet) is unique — adding a duplicate replaces the prior
// record in place, preserving ID and CreatedAt.
type Subscription struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	KOLWallet       string           `json:"kolWallet"`
	WalletAddress   string           `json:"walletAddress"`
	OpaqueCredential string          `json:"opaqueCredential,omitempty"` // never logged, never indexed
	Type            SubscriptionType `json:"type"`
	Active          bool             `json:"active"`
	CopyPercentage  float64          `json:"copyPercentage"`
	MinAmount       *decimal.Decimal `json:"minAmount,omitempty"`
	MaxAmount       *decimal.Decimal `json:"maxAmount,omitempty"`
	TokenBuyCount   int              `json:"tokenBuyCount,omitempty"`
	WatchConfig     *WatchConfig     `json:"watchConfig,omitempty"`
	Safety          *SafetySettings  `json:"safety,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Key returns the (userId, kolWallet) identity tuple that is unique per
// subscription.
func (s Subscription) Key() string {
	return s.UserID + "|" + s.KOLWallet
}

// ————————————————————————————————————————————————————————————————————————
// Purchase quota
// ————————————————————————————————————————————————————————————————————————

// PurchaseCounter is the authoritative per-(user, token) purchase record
// maintained by the quota gate. TTL is applied by the KV layer, not stored
// on the struct itself.
type PurchaseCounter struct {
	UserID             string    `json:"userId"`
	TokenMint          string    `json:"tokenMint"`
	CurrentCount       int       `json:"currentCount"`
	MaxCount           int       `json:"maxCount"`
	LastPurchaseInstant time.Time `json:"lastPurchaseInstant"`
	SubscriptionID     string    `json:"subscriptionId"`
}

// ————————————————————————————————————————————————————————————————————————
// Webhook payload (inbound transaction batch)
// ————————————————————————————————————————————————————————————————————————
// These map 1:1 onto the JSON the blockchain index provider posts to
// POST /helius-webhook. Transaction.Type is not checked: every
// transaction that names an active KOL is passed to the classifier, which
// drops anything that is not a single-token swap against NativeWrapMint.

// RawTokenAmount carries a signed decimal string and its scale.
type RawTokenAmount struct {
	TokenAmount string `json:"tokenAmount"`
	Decimals    int    `json:"decimals"`
}

// TokenBalanceChange is one account's net change in one mint.
type TokenBalanceChange struct {
	UserAccount    string         `json:"userAccount"`
	Mint           string         `json:"mint"`
	RawTokenAmount RawTokenAmount `json:"rawTokenAmount"`
}

// AccountData is one account's native-balance delta plus any token deltas
// attributed to it within a single transaction.
type AccountData struct {
	Account             string               `json:"account"`
	NativeBalanceChange int64                `json:"nativeBalanceChange"`
	TokenBalanceChanges []TokenBalanceChange `json:"tokenBalanceChanges"`
}

// NativeTransfer and TokenTransfer are used only for KOL-address scanning
// (§4.4 step 1a); their balance effects are already folded into
// AccountData by the provider.
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"`
}

type TokenTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Mint            string `json:"mint"`
}

// Transaction is one element of the inbound webhook batch.
type Transaction struct {
	Signature       string           `json:"signature"`
	Type            string           `json:"type"`
	Source          string           `json:"source"`
	Description     string           `json:"description"`
	Fee             int64            `json:"fee"`
	FeePayer        string           `json:"feePayer"`
	Slot            uint64           `json:"slot"`
	Timestamp       int64            `json:"timestamp"`
	AccountData     []AccountData    `json:"accountData"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers"`
}

// ————————————————————————————————————————————————————————————————————————
// Bus payloads
// ————————————————————————————————————————————————————————————————————————

// TradeDetectedEvent is published to copy_trade_events / kol.trade.detected.
type TradeDetectedEvent struct {
	Trade            Trade          `json:"trade"`
	MatchedSubs      []Subscription `json:"matchedSubscriptions"`
	EstimatedCopies  int            `json:"estimatedCopyCount"`
	Probability      *float64       `json:"predictedProbability,omitempty"`
}

// ClientNotification is published to notifications / client.notification.
type ClientNotification struct {
	UserID               string          `json:"userId"`
	NotificationType     string          `json:"notificationType"`
	Trade                Trade           `json:"trade"`
	Subscription         Subscription    `json:"subscription"`
	EstimatedCopyAmount  decimal.Decimal `json:"estimatedCopyAmount"`
}

// CopyTradeInstruction is one element of a batched copy_trade_requests
// RPC call to the execution service.
type CopyTradeInstruction struct {
	AgentID        string          `json:"agentId"`
	TradeType      Side            `json:"tradeType"`
	Amount         decimal.Decimal `json:"amount"`
	PrivateKey     string          `json:"privateKey"` // opaque, passed through
	Mint           string          `json:"mint"`
	Priority       string          `json:"priority"`
	WatchConfig    *WatchConfig    `json:"watchConfig,omitempty"`
}

// ServiceMetrics is a point-in-time snapshot of operational counters,
// assembled from the KV layer's metrics:counter:{name} keys.
type ServiceMetrics struct {
	Timestamp             time.Time      `json:"timestamp"`
	Counters              map[string]int64 `json:"counters"`
}

// ————————————————————————————————————————————————————————————————————————
// RPC query surface
// ————————————————————————————————————————————————————————————————————————

// RPCRequest is one request on the copy_trader_rpc_queue.
type RPCRequest struct {
	Method        string          `json:"method"`
	Args          map[string]any  `json:"args"`
	ReplyTo       string          `json:"replyTo"`
	CorrelationID string          `json:"correlationId"`
}

// RPCResponse is the structured reply posted to ReplyTo/CorrelationID.
type RPCResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}
