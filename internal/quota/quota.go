// Package quota enforces per-(user, tokenMint) purchase limits. The
// increment-and-rollback sequence against the KV store is the sole
// authoritative gate; no in-process counter is ever authoritative.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"copytrade-broker/pkg/types"
)

// recordTTL is the retention window for both the counter and the record
// key, per the spec's 24-hour TTL.
const recordTTL = 24 * time.Hour

// kvStore is the subset of *kv.Client the gate needs.
type kvStore interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	IncrWithRollback(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) error
}

// Gate is the purchase-quota gate.
type Gate struct {
	kv     kvStore
	logger *slog.Logger
}

// New constructs a Gate backed by the given KV client.
func New(kvClient kvStore, logger *slog.Logger) *Gate {
	return &Gate{kv: kvClient, logger: logger.With("component", "quota")}
}

func counterKey(userID, tokenMint string) string {
	return "token_purchases:token_buy_count:" + userID + ":" + tokenMint
}

func recordKey(userID, tokenMint string) string {
	return "token_purchases:token_purchase_record:" + userID + ":" + tokenMint
}

// CanPurchaseResult is the advisory pre-check response.
type CanPurchaseResult struct {
	CanPurchase bool
	Current     int
	Max         int
	Remaining   int
}

// CanPurchase is a single-key read; it never mutates state. On store
// unavailability it fails open (CanPurchase=true, Current=0) — loss of
// availability must never block trading. This check is advisory only;
// IncrementAndValidate is the authoritative gate.
func (g *Gate) CanPurchase(ctx context.Context, userID, tokenMint string, maxCount int) CanPurchaseResult {
	raw, ok, err := g.kv.GetString(ctx, counterKey(userID, tokenMint))
	if err != nil {
		g.logger.Warn("canPurchase read failed, failing open", "userId", userID, "tokenMint", tokenMint, "error", err)
		return CanPurchaseResult{CanPurchase: true, Current: 0, Max: maxCount, Remaining: maxCount}
	}
	current := 0
	if ok {
		current = parseIntOrZero(raw)
	}
	remaining := maxCount - current
	if remaining < 0 {
		remaining = 0
	}
	return CanPurchaseResult{
		CanPurchase: current < maxCount,
		Current:     current,
		Max:         maxCount,
		Remaining:   remaining,
	}
}

// IncrementResult is the outcome of the authoritative increment.
type IncrementResult struct {
	Success    bool
	NewCount   int
	WasAtLimit bool
}

// IncrementAndValidate atomically increments the counter, and rolls the
// increment back if it would exceed maxCount. This is fail-closed: any
// store error returns success=false rather than allowing an
// unaccounted-for purchase through.
func (g *Gate) IncrementAndValidate(ctx context.Context, userID, tokenMint string, maxCount int, subscriptionID string) IncrementResult {
	key := counterKey(userID, tokenMint)

	newCount, err := g.kv.IncrWithRollback(ctx, key, recordTTL)
	if err != nil {
		g.logger.Error("incrementAndValidate failed, fail-closed", "userId", userID, "tokenMint", tokenMint, "error", err)
		return IncrementResult{Success: false}
	}

	if newCount > int64(maxCount) {
		if err := g.kv.Decr(ctx, key); err != nil {
			g.logger.Error("rollback decrement failed", "userId", userID, "tokenMint", tokenMint, "error", err)
		}
		return IncrementResult{Success: false, WasAtLimit: true, NewCount: int(newCount - 1)}
	}

	record := types.PurchaseCounter{
		UserID:              userID,
		TokenMint:           tokenMint,
		CurrentCount:        int(newCount),
		MaxCount:            maxCount,
		LastPurchaseInstant: time.Now().UTC(),
		SubscriptionID:      subscriptionID,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		g.logger.Error("encode purchase record failed", "error", err)
		return IncrementResult{Success: true, NewCount: int(newCount)}
	}
	if err := g.kv.SetString(ctx, recordKey(userID, tokenMint), string(encoded), recordTTL); err != nil {
		g.logger.Warn("persist purchase record failed", "userId", userID, "tokenMint", tokenMint, "error", err)
	}

	return IncrementResult{Success: true, NewCount: int(newCount)}
}

// GetRecord returns the last-written purchase record, or (zero, false)
// if absent.
func (g *Gate) GetRecord(ctx context.Context, userID, tokenMint string) (types.PurchaseCounter, bool) {
	raw, ok, err := g.kv.GetString(ctx, recordKey(userID, tokenMint))
	if err != nil || !ok {
		if err != nil {
			g.logger.Warn("getRecord failed", "userId", userID, "tokenMint", tokenMint, "error", err)
		}
		return types.PurchaseCounter{}, false
	}
	var record types.PurchaseCounter
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		g.logger.Warn("decode purchase record failed", "userId", userID, "tokenMint", tokenMint, "error", err)
		return types.PurchaseCounter{}, false
	}
	return record, true
}

// Reset deletes both the counter and record keys atomically.
func (g *Gate) Reset(ctx context.Context, userID, tokenMint string) bool {
	if err := g.kv.Delete(ctx, counterKey(userID, tokenMint), recordKey(userID, tokenMint)); err != nil {
		g.logger.Error("reset failed", "userId", userID, "tokenMint", tokenMint, "error", err)
		return false
	}
	return true
}

func parseIntOrZero(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}
