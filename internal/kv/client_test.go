package kv

import (
	"context"
	"os"
	"testing"
	"time"
)

// newTestClient connects to a Redis instance for integration testing.
// Skipped unless KV_TEST_ADDR is set — there is no in-memory Redis
// substitute in this module's dependency set.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("KV_TEST_ADDR")
	if addr == "" {
		t.Skip("KV_TEST_ADDR not set, skipping kv integration test")
	}
	c, err := Open(addr, "", 0, "kvtest")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetGetString(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.SetString(ctx, "k1", "v1", time.Minute); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	v, ok, err := c.GetString(ctx, "k1")
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if !ok || v != "v1" {
		t.Errorf("GetString = (%q, %v), want (v1, true)", v, ok)
	}
}

func TestGetStringAbsent(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)

	v, ok, err := c.GetString(context.Background(), "missing-key")
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if ok || v != "" {
		t.Errorf("GetString(absent) = (%q, %v), want (\"\", false)", v, ok)
	}
}

func TestIncrWithRollback(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)
	ctx := context.Background()
	key := "counter:rollback-test"
	t.Cleanup(func() { c.Delete(ctx, key) })

	n, err := c.IncrWithRollback(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("IncrWithRollback: %v", err)
	}
	if n != 1 {
		t.Errorf("first incr = %d, want 1", n)
	}

	if err := c.Decr(ctx, key); err != nil {
		t.Fatalf("Decr: %v", err)
	}

	v, _, err := c.GetString(ctx, key)
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if v != "0" {
		t.Errorf("after rollback = %q, want \"0\"", v)
	}
}

func TestScanInts(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)
	ctx := context.Background()
	t.Cleanup(func() { c.Delete(ctx, "metrics:counter:a", "metrics:counter:b") })

	if _, err := c.IncrWithRollback(ctx, "metrics:counter:a", time.Minute); err != nil {
		t.Fatalf("IncrWithRollback a: %v", err)
	}
	if _, err := c.IncrWithRollback(ctx, "metrics:counter:b", time.Minute); err != nil {
		t.Fatalf("IncrWithRollback b: %v", err)
	}

	counters, err := c.ScanInts(ctx, "metrics:counter:")
	if err != nil {
		t.Fatalf("ScanInts: %v", err)
	}
	if counters["a"] != 1 || counters["b"] != 1 {
		t.Errorf("ScanInts = %v, want a:1 b:1", counters)
	}
}
