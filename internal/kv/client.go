// Package kv wraps the Redis command surface named in the broker's key
// layout: string GET/SET with TTL, set membership, sorted sets capped by
// rank, and the MULTI/INCR primitive the quota gate depends on.
package kv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client owns the Redis connection shared by every subsystem. Counters
// and set membership are mutated through its atomic primitives. The one
// read-modify-write across round trips, a user's subscription list, is
// serialized in-process by the registry's per-user lock.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Open connects to the configured Redis endpoint. addr is host:port;
// namespace is the environment prefix applied to every key (e.g. "prod",
// "staging") per the spec's "all keys are namespaced by deployment
// environment" requirement.
func Open(addr, password string, db int, namespace string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to kv store: %w", err)
	}

	prefix := ""
	if namespace != "" {
		prefix = namespace + ":"
	}

	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

// GetString reads a string value. Returns ("", false, nil) when absent —
// callers never see redis.Nil.
func (c *Client) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// SetString writes a string value with an optional TTL (ttl<=0 means no
// expiry).
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys, tolerating already-absent keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("delete %v: %w", keys, err)
	}
	return nil
}

// SAdd adds members to a set key and refreshes its TTL.
func (c *Client) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	full := c.key(key)
	pipe := c.rdb.TxPipeline()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe.SAdd(ctx, full, args...)
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set key.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SRem(ctx, c.key(key), args...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SMembers returns a set's members. Returns an empty slice, never an
// error, when the key is absent.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, c.key(key)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// SCard returns a set's cardinality (0 if absent).
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, c.key(key)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

// ZAddCapped adds a scored member to a sorted set and trims it to the
// highest-scoring `cap` members, matching the trade-history retention
// rule (100 per-KOL / 1000 global).
func (c *Client) ZAddCapped(ctx context.Context, key string, score float64, member string, cap int64, ttl time.Duration) error {
	full := c.key(key)
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, full, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByRank(ctx, full, 0, -cap-1)
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("zadd-capped %s: %w", key, err)
	}
	return nil
}

// ZRevRange returns up to count members ordered by descending score.
func (c *Client) ZRevRange(ctx context.Context, key string, count int64) ([]string, error) {
	members, err := c.rdb.ZRevRange(ctx, c.key(key), 0, count-1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("zrevrange %s: %w", key, err)
	}
	return members, nil
}

// IncrWithRollback atomically increments key by 1, sets its TTL, and
// returns the new value. If the caller decides the new value overflows
// a limit, it calls Decr to roll back — this is the exact
// increment-then-rollback sequence the quota gate's contract requires.
func (c *Client) IncrWithRollback(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := c.key(key)
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, full)
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Decr rolls back a prior increment.
func (c *Client) Decr(ctx context.Context, key string) error {
	if err := c.rdb.Decr(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("decr %s: %w", key, err)
	}
	return nil
}

// ScanInts scans every key namespaced under prefix and parses its value
// as an int64, keying the result by the part of the key after prefix.
// Used by the metrics snapshot RPC to assemble metrics:counter:{name}
// into a single map without the caller needing to know how many
// counters exist.
func (c *Client) ScanInts(ctx context.Context, prefix string) (map[string]int64, error) {
	full := c.key(prefix)
	out := make(map[string]int64)

	iter := c.rdb.Scan(ctx, 0, full+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		v, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("scan get %s: %w", key, err)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(key, full)] = n
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	return out, nil
}

// Raw exposes the underlying client for the bus adapter, which needs
// Streams commands (XADD/XREADGROUP/XACK) not modeled
// above.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Prefix returns the namespace prefix applied to every key, so other
// packages building raw stream/queue names stay consistent with it.
func (c *Client) Prefix() string {
	return c.prefix
}
