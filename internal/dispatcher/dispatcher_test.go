package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"copytrade-broker/internal/quota"
	"copytrade-broker/pkg/types"
)

type fakeRegistry struct {
	subs map[string][]types.Subscription // kolWallet -> subs
}

func (f *fakeRegistry) GetSubscriptionsForKOL(ctx context.Context, kolWallet string) []types.Subscription {
	return f.subs[kolWallet]
}

type fakeQuota struct {
	mu      sync.Mutex
	grants  int
	allowed int
}

func (f *fakeQuota) IncrementAndValidate(ctx context.Context, userID, tokenMint string, maxCount int, subscriptionID string) quota.IncrementResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
	if f.grants > f.allowed {
		return quota.IncrementResult{Success: false, WasAtLimit: true}
	}
	return quota.IncrementResult{Success: true, NewCount: f.grants}
}

type publishedMsg struct {
	exchange, routingKey string
	body                 any
}

type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
}

func (f *fakeBus) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{exchange, routingKey, body})
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	strings  map[string]string
	counters map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{strings: make(map[string]string), counters: make(map[string]int64)}
}

func (f *fakeStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = value
	return nil
}

func (f *fakeStore) ZAddCapped(ctx context.Context, key string, score float64, member string, cap int64, ttl time.Duration) error {
	return nil
}

func (f *fakeStore) IncrWithRollback(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

type fakeScorer struct {
	probability float64
}

func (f *fakeScorer) Score(ctx context.Context, tokenMint string, eventTime time.Time) float64 {
	return f.probability
}

type opsEvent struct {
	kind string
	data any
}

type fakeOps struct {
	mu     sync.Mutex
	events []opsEvent
}

func (f *fakeOps) TradeDetected(data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, opsEvent{"trade_detected", data})
}

func (f *fakeOps) QuotaDenied(data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, opsEvent{"quota_denied", data})
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func buildSwapTx(kolWallet, tokenMint string, buy bool) types.Transaction {
	tokenDelta := "1000"
	nativeDelta := int64(-5_000_000_000)
	if !buy {
		tokenDelta = "-1000"
		nativeDelta = 5_000_000_000
	}
	return types.Transaction{
		Signature: "sig-1",
		FeePayer:  kolWallet,
		Slot:      100,
		Timestamp: 1700000000,
		AccountData: []types.AccountData{
			{
				Account:              kolWallet,
				NativeBalanceChange:  nativeDelta,
				TokenBalanceChanges: []types.TokenBalanceChange{
					{UserAccount: kolWallet, Mint: tokenMint, RawTokenAmount: types.RawTokenAmount{TokenAmount: tokenDelta, Decimals: 6}},
				},
			},
		},
	}
}

func TestProcessBatchUnconditionalTradeSubscriptionCopies(t *testing.T) {
	t.Parallel()

	kol := "KoLWallet111"
	mint := "TokenMint111"
	sub := types.Subscription{ID: "sub-1", UserID: "user-1", KOLWallet: kol, Type: types.SubTrade, Active: true, CopyPercentage: 50}

	reg := &fakeRegistry{subs: map[string][]types.Subscription{kol: {sub}}}
	q := &fakeQuota{allowed: 0}
	b := &fakeBus{}
	store := newFakeStore()
	scorer := &fakeScorer{}

	d := New(reg, q, b, store, scorer, nil, Config{}, testLogger())
	d.ProcessBatch(context.Background(), []types.Transaction{buildSwapTx(kol, mint, true)}, map[string]bool{kol: true})

	var sawCopyBatch, sawNotification, sawTradeDetected bool
	for _, m := range b.published {
		switch m.routingKey {
		case "copy.trade.request":
			sawCopyBatch = true
		case "client.notification":
			sawNotification = true
		case "kol.trade.detected":
			sawTradeDetected = true
		}
	}
	if !sawCopyBatch || !sawNotification || !sawTradeDetected {
		t.Errorf("expected all three outbound events, got copyBatch=%v notification=%v tradeDetected=%v", sawCopyBatch, sawNotification, sawTradeDetected)
	}
}

func TestProcessBatchWatchSubscriptionNeverCopies(t *testing.T) {
	t.Parallel()

	kol := "KoLWallet222"
	mint := "TokenMint222"
	sub := types.Subscription{ID: "sub-2", UserID: "user-2", KOLWallet: kol, Type: types.SubWatch, Active: true}

	reg := &fakeRegistry{subs: map[string][]types.Subscription{kol: {sub}}}
	q := &fakeQuota{allowed: 100}
	b := &fakeBus{}
	store := newFakeStore()

	d := New(reg, q, b, store, &fakeScorer{}, nil, Config{}, testLogger())
	d.ProcessBatch(context.Background(), []types.Transaction{buildSwapTx(kol, mint, true)}, map[string]bool{kol: true})

	for _, m := range b.published {
		if m.routingKey == "copy.trade.request" {
			t.Fatalf("watch-only subscription must never appear in a copy-trade batch")
		}
	}
}

func TestProcessBatchQuotaDeniedSkipsCopyButStillNotifies(t *testing.T) {
	t.Parallel()

	kol := "KoLWallet333"
	mint := "TokenMint333"
	sub := types.Subscription{
		ID: "sub-3", UserID: "user-3", KOLWallet: kol, Type: types.SubTrade, Active: true,
		TokenBuyCount: 1, WatchConfig: &types.WatchConfig{MaxHoldMinutes: 30},
	}

	reg := &fakeRegistry{subs: map[string][]types.Subscription{kol: {sub}}}
	q := &fakeQuota{allowed: 0} // first increment already denied
	b := &fakeBus{}
	store := newFakeStore()

	d := New(reg, q, b, store, &fakeScorer{}, nil, Config{}, testLogger())
	d.ProcessBatch(context.Background(), []types.Transaction{buildSwapTx(kol, mint, true)}, map[string]bool{kol: true})

	var sawCopyBatch, sawNotification bool
	for _, m := range b.published {
		if m.routingKey == "copy.trade.request" {
			sawCopyBatch = true
		}
		if m.routingKey == "client.notification" {
			sawNotification = true
		}
	}
	if sawCopyBatch {
		t.Errorf("quota-denied subscription must not be included in the copy-trade batch")
	}
	if !sawNotification {
		t.Errorf("quota-denied subscription should still receive a notification")
	}
	if store.counters["metrics:counter:quota.denied"] != 1 {
		t.Errorf("expected quota.denied counter to be incremented once, got %d", store.counters["metrics:counter:quota.denied"])
	}
}

func TestProcessBatchUnmatchedTransactionDropped(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{}
	b := &fakeBus{}
	store := newFakeStore()

	d := New(reg, &fakeQuota{}, b, store, &fakeScorer{}, nil, Config{}, testLogger())
	d.ProcessBatch(context.Background(), []types.Transaction{buildSwapTx("SomeoneElse", "TokenMintX", true)}, map[string]bool{"KoLWallet": true})

	if len(b.published) != 0 {
		t.Errorf("expected no events published for a transaction with no matching KOL, got %d", len(b.published))
	}
	if store.counters["metrics:counter:trades.dropped"] != 1 {
		t.Errorf("expected trades.dropped counter to be incremented once, got %d", store.counters["metrics:counter:trades.dropped"])
	}
}

func TestProcessBatchBroadcastsTradeDetectedWithProbability(t *testing.T) {
	t.Parallel()

	kol := "KoLWallet444"
	mint := "TokenMint444"
	sub := types.Subscription{ID: "sub-4", UserID: "user-4", KOLWallet: kol, Type: types.SubTrade, Active: true}

	reg := &fakeRegistry{subs: map[string][]types.Subscription{kol: {sub}}}
	b := &fakeBus{}
	store := newFakeStore()
	ops := &fakeOps{}

	d := New(reg, &fakeQuota{allowed: 100}, b, store, &fakeScorer{probability: 0.82}, ops, Config{
		PredictableKOLWallets: []string{kol},
	}, testLogger())
	d.ProcessBatch(context.Background(), []types.Transaction{buildSwapTx(kol, mint, true)}, map[string]bool{kol: true})

	var found *types.TradeDetectedEvent
	for _, m := range b.published {
		if evt, ok := m.body.(types.TradeDetectedEvent); ok {
			found = &evt
		}
	}
	if found == nil || found.Probability == nil || *found.Probability != 0.82 {
		t.Fatalf("expected a published trade-detected event carrying probability 0.82, got %+v", found)
	}

	ops.mu.Lock()
	defer ops.mu.Unlock()
	var sawOpsBroadcast bool
	for _, e := range ops.events {
		if e.kind == "trade_detected" {
			sawOpsBroadcast = true
		}
	}
	if !sawOpsBroadcast {
		t.Errorf("expected ops broadcaster to receive a trade_detected event")
	}
}

func TestProcessBatchBroadcastsQuotaDenied(t *testing.T) {
	t.Parallel()

	kol := "KoLWallet555"
	mint := "TokenMint555"
	sub := types.Subscription{
		ID: "sub-5", UserID: "user-5", KOLWallet: kol, Type: types.SubTrade, Active: true,
		TokenBuyCount: 1, WatchConfig: &types.WatchConfig{MaxHoldMinutes: 30},
	}

	reg := &fakeRegistry{subs: map[string][]types.Subscription{kol: {sub}}}
	ops := &fakeOps{}

	d := New(reg, &fakeQuota{allowed: 0}, &fakeBus{}, newFakeStore(), &fakeScorer{}, ops, Config{}, testLogger())
	d.ProcessBatch(context.Background(), []types.Transaction{buildSwapTx(kol, mint, true)}, map[string]bool{kol: true})

	ops.mu.Lock()
	defer ops.mu.Unlock()
	var sawQuotaDenied bool
	for _, e := range ops.events {
		if e.kind == "quota_denied" {
			sawQuotaDenied = true
		}
	}
	if !sawQuotaDenied {
		t.Errorf("expected ops broadcaster to receive a quota_denied event")
	}
}

func TestHistoryAndCounterTTLUseConfigOverrides(t *testing.T) {
	t.Parallel()

	d := New(&fakeRegistry{}, &fakeQuota{}, &fakeBus{}, newFakeStore(), &fakeScorer{}, nil, Config{
		TradeHistoryTTL: time.Minute,
		CounterTTL:      2 * time.Minute,
	}, testLogger())

	if got := d.historyTTL(); got != time.Minute {
		t.Errorf("historyTTL() = %v, want configured override of 1m", got)
	}
	if got := d.counterTTL(); got != 2*time.Minute {
		t.Errorf("counterTTL() = %v, want configured override of 2m", got)
	}
}

func TestHistoryAndCounterTTLDefaultWhenUnset(t *testing.T) {
	t.Parallel()

	d := New(&fakeRegistry{}, &fakeQuota{}, &fakeBus{}, newFakeStore(), &fakeScorer{}, nil, Config{}, testLogger())

	if got := d.historyTTL(); got != defaultHistoryTTL {
		t.Errorf("historyTTL() = %v, want default %v", got, defaultHistoryTTL)
	}
	if got := d.counterTTL(); got != defaultCounterTTL {
		t.Errorf("counterTTL() = %v, want default %v", got, defaultCounterTTL)
	}
}

func TestCopyInstructionHonorsMinAmount(t *testing.T) {
	t.Parallel()

	min := decimal.RequireFromString("2.5")
	sub := types.Subscription{UserID: "user-9", MinAmount: &min}
	trade := types.Trade{QuoteAmount: decimal.RequireFromString("99")}

	instr := copyInstructionFor(sub, trade)
	if !instr.Amount.Equal(min) {
		t.Errorf("Amount = %s, want MinAmount override %s", instr.Amount, min)
	}
}
