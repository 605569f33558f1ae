// Package registry maintains the authoritative mapping of users to
// subscriptions and KOL wallets to subscribers, and keeps the external
// provider's watched-address set in sync. Reads always hit the KV store
// as the source of truth — there is no in-process cache to invalidate.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrade-broker/pkg/types"
)

// Provider registers and unregisters KOL wallets with the external
// blockchain-index service. Implemented by internal/provider.
type Provider interface {
	AppendAddresses(ctx context.Context, addresses []string) error
	RemoveAddresses(ctx context.Context, addresses []string) error
	AllAddresses(ctx context.Context) ([]string, error)
}

// kvStore is the subset of *kv.Client the registry needs. Expressed as
// an interface so tests can swap in an in-memory fake instead of a live
// Redis connection.
type kvStore interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
}

const (
	subTTL = 0 // production default: no expiry, refreshed on every mutation anyway
	setTTL = 0
)

// Registry is the subscription and KOL watch-list store. Mutations for
// the same user (and so for the same (userId, kolWallet)) are serialized
// by a per-user striped lock, since they rewrite one stored list; a
// single global lock guards provider-registration bookkeeping,
// mirroring the slotsMu + per-slot ownership split the engine uses for
// per-market state.
type Registry struct {
	kv       kvStore
	provider Provider
	logger   *slog.Logger

	stripesMu sync.Mutex
	stripes   map[string]*sync.Mutex

	providerMu sync.Mutex
}

// New constructs a Registry backed by the given KV client and provider.
func New(kvClient kvStore, provider Provider, logger *slog.Logger) *Registry {
	return &Registry{
		kv:       kvClient,
		provider: provider,
		logger:   logger.With("component", "registry"),
		stripes:  make(map[string]*sync.Mutex),
	}
}

func (r *Registry) stripeLock(key string) *sync.Mutex {
	r.stripesMu.Lock()
	defer r.stripesMu.Unlock()
	m, ok := r.stripes[key]
	if !ok {
		m = &sync.Mutex{}
		r.stripes[key] = m
	}
	return m
}

func userKey(userID string) string { return "sub:user:" + userID }

const kolActiveKey = "kol:active"

func kolSubscribersKey(kolWallet string) string { return "kol:subscribers:" + kolWallet }

// GetUserSubscriptions returns all subscriptions for a user, or an empty
// list if none exist or the store is unavailable. Never fails.
func (r *Registry) GetUserSubscriptions(ctx context.Context, userID string) []types.Subscription {
	raw, ok, err := r.kv.GetString(ctx, userKey(userID))
	if err != nil || !ok {
		if err != nil {
			r.logger.Warn("read user subscriptions failed", "userId", userID, "error", err)
		}
		return nil
	}
	var subs []types.Subscription
	if err := json.Unmarshal([]byte(raw), &subs); err != nil {
		r.logger.Warn("decode user subscriptions failed", "userId", userID, "error", err)
		return nil
	}
	return subs
}

// AddSubscription upserts by (userId, kolWallet): existing subscriptions
// for the pair are replaced in place (id/createdAt preserved), new ones
// are assigned an id and timestamps. Returns the user's full list after
// the mutation.
func (r *Registry) AddSubscription(ctx context.Context, sub types.Subscription) ([]types.Subscription, error) {
	lock := r.stripeLock(sub.UserID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	subs := r.GetUserSubscriptions(ctx, sub.UserID)

	replaced := false
	for i, existing := range subs {
		if existing.KOLWallet == sub.KOLWallet {
			sub.ID = existing.ID
			sub.CreatedAt = existing.CreatedAt
			sub.UpdatedAt = now
			subs[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		sub.ID = uuid.NewString()
		sub.CreatedAt = now
		sub.UpdatedAt = now
		subs = append(subs, sub)
	}

	if err := r.writeUserSubscriptions(ctx, sub.UserID, subs); err != nil {
		return nil, err
	}

	if err := r.kv.SAdd(ctx, kolSubscribersKey(sub.KOLWallet), setTTL, sub.UserID); err != nil {
		return nil, fmt.Errorf("add subscriber to kol set: %w", err)
	}

	wasActive, err := r.isActive(ctx, sub.KOLWallet)
	if err != nil {
		r.logger.Warn("check kol active set failed", "kolWallet", sub.KOLWallet, "error", err)
	}
	if err := r.kv.SAdd(ctx, kolActiveKey, setTTL, sub.KOLWallet); err != nil {
		return nil, fmt.Errorf("add kol to active set: %w", err)
	}

	if !wasActive {
		// Best-effort: a provider registration failure does not roll back
		// the subscription. The next syncWithProvider reconciles.
		r.providerMu.Lock()
		err := r.provider.AppendAddresses(ctx, []string{sub.KOLWallet})
		r.providerMu.Unlock()
		if err != nil {
			r.logger.Warn("provider registration failed, will reconcile on next sync", "kolWallet", sub.KOLWallet, "error", err)
		}
	}

	return subs, nil
}

// RemoveSubscription deletes the matching subscription. If the KOL's
// subscriber set becomes empty, the wallet is dropped from the active
// set and from the external provider.
func (r *Registry) RemoveSubscription(ctx context.Context, userID, kolWallet string) ([]types.Subscription, error) {
	lock := r.stripeLock(userID)
	lock.Lock()
	defer lock.Unlock()

	subs := r.GetUserSubscriptions(ctx, userID)
	remaining := subs[:0:0]
	for _, s := range subs {
		if s.KOLWallet != kolWallet {
			remaining = append(remaining, s)
		}
	}

	if err := r.writeUserSubscriptions(ctx, userID, remaining); err != nil {
		return nil, err
	}

	if err := r.kv.SRem(ctx, kolSubscribersKey(kolWallet), userID); err != nil {
		return nil, fmt.Errorf("remove subscriber from kol set: %w", err)
	}

	count, err := r.kv.SCard(ctx, kolSubscribersKey(kolWallet))
	if err != nil {
		r.logger.Warn("scard failed during unsubscribe", "kolWallet", kolWallet, "error", err)
		return remaining, nil
	}
	if count == 0 {
		if err := r.kv.SRem(ctx, kolActiveKey, kolWallet); err != nil {
			return nil, fmt.Errorf("remove kol from active set: %w", err)
		}
		r.providerMu.Lock()
		err := r.provider.RemoveAddresses(ctx, []string{kolWallet})
		r.providerMu.Unlock()
		if err != nil {
			r.logger.Warn("provider deregistration failed, will reconcile on next sync", "kolWallet", kolWallet, "error", err)
		}
	}

	return remaining, nil
}

func (r *Registry) writeUserSubscriptions(ctx context.Context, userID string, subs []types.Subscription) error {
	encoded, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	if err := r.kv.SetString(ctx, userKey(userID), string(encoded), subTTL); err != nil {
		return fmt.Errorf("persist subscriptions: %w", err)
	}
	return nil
}

func (r *Registry) isActive(ctx context.Context, kolWallet string) (bool, error) {
	members, err := r.kv.SMembers(ctx, kolActiveKey)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == kolWallet {
			return true, nil
		}
	}
	return false, nil
}

// GetUsersForKOL returns the set of userIds subscribed to a KOL wallet.
func (r *Registry) GetUsersForKOL(ctx context.Context, kolWallet string) []string {
	members, err := r.kv.SMembers(ctx, kolSubscribersKey(kolWallet))
	if err != nil {
		r.logger.Warn("get users for kol failed", "kolWallet", kolWallet, "error", err)
		return nil
	}
	return members
}

// GetSubscriptionsForKOL joins the subscriber set with each user's
// subscription list, filtering to the matching KOL.
func (r *Registry) GetSubscriptionsForKOL(ctx context.Context, kolWallet string) []types.Subscription {
	var out []types.Subscription
	for _, userID := range r.GetUsersForKOL(ctx, kolWallet) {
		for _, sub := range r.GetUserSubscriptions(ctx, userID) {
			if sub.KOLWallet == kolWallet {
				out = append(out, sub)
			}
		}
	}
	return out
}

// GetWatchedKOLWallets returns the active set.
func (r *Registry) GetWatchedKOLWallets(ctx context.Context) []string {
	members, err := r.kv.SMembers(ctx, kolActiveKey)
	if err != nil {
		r.logger.Warn("get watched kol wallets failed", "error", err)
		return nil
	}
	return members
}

// SyncWithProvider performs an idempotent reconciliation: any active KOL
// unknown to the provider is appended; any provider-known KOL not in the
// active set is removed.
func (r *Registry) SyncWithProvider(ctx context.Context) error {
	r.providerMu.Lock()
	defer r.providerMu.Unlock()

	active := make(map[string]bool)
	for _, w := range r.GetWatchedKOLWallets(ctx) {
		active[w] = true
	}

	known, err := r.provider.AllAddresses(ctx)
	if err != nil {
		return fmt.Errorf("list provider addresses: %w", err)
	}
	knownSet := make(map[string]bool, len(known))
	for _, w := range known {
		knownSet[w] = true
	}

	var toAdd, toRemove []string
	for w := range active {
		if !knownSet[w] {
			toAdd = append(toAdd, w)
		}
	}
	for w := range knownSet {
		if !active[w] {
			toRemove = append(toRemove, w)
		}
	}

	if len(toAdd) > 0 {
		if err := r.provider.AppendAddresses(ctx, toAdd); err != nil {
			return fmt.Errorf("sync append: %w", err)
		}
	}
	if len(toRemove) > 0 {
		if err := r.provider.RemoveAddresses(ctx, toRemove); err != nil {
			return fmt.Errorf("sync remove: %w", err)
		}
	}
	return nil
}
