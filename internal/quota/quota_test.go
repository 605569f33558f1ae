package quota

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeKV is a minimal in-memory counter store, good enough to exercise
// the increment/rollback contract without a live Redis instance.
type fakeKV struct {
	mu      sync.Mutex
	counters map[string]int64
	strings  map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{counters: make(map[string]int64), strings: make(map[string]string)}
}

func (f *fakeKV) GetString(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.counters[key]; ok {
		return strconv.FormatInt(v, 10), true, nil
	}
	v, ok := f.strings[key]
	return v, ok, nil
}

func (f *fakeKV) SetString(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = value
	return nil
}

func (f *fakeKV) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.counters, k)
		delete(f.strings, k)
	}
	return nil
}

func (f *fakeKV) IncrWithRollback(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeKV) Decr(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]--
	return nil
}

func testLogger() *slog.Logger { return slog.Default() }

func TestIncrementAndValidateUnderLimit(t *testing.T) {
	t.Parallel()
	g := New(newFakeKV(), testLogger())
	ctx := context.Background()

	res := g.IncrementAndValidate(ctx, "U1", "T1", 2, "sub-1")
	if !res.Success || res.NewCount != 1 || res.WasAtLimit {
		t.Errorf("first increment = %+v, want success newCount=1", res)
	}
}

func TestIncrementAndValidateAtLimit(t *testing.T) {
	t.Parallel()
	g := New(newFakeKV(), testLogger())
	ctx := context.Background()

	g.IncrementAndValidate(ctx, "U1", "T1", 1, "sub-1")
	res := g.IncrementAndValidate(ctx, "U1", "T1", 1, "sub-1")
	if res.Success || !res.WasAtLimit || res.NewCount != 1 {
		t.Errorf("second increment at maxCount=1 = %+v, want wasAtLimit with newCount unchanged at 1", res)
	}
}

func TestIncrementAndValidateNeverExceedsMaxUnderContention(t *testing.T) {
	t.Parallel()
	g := New(newFakeKV(), testLogger())
	ctx := context.Background()
	const maxCount = 2
	const attempts = 20

	var wg sync.WaitGroup
	successCount := int64(0)
	var mu sync.Mutex
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := g.IncrementAndValidate(ctx, "U1", "T1", maxCount, "sub-1")
			if res.Success {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successCount > maxCount {
		t.Errorf("successCount = %d, must never exceed maxCount %d", successCount, maxCount)
	}

	record, ok := g.GetRecord(ctx, "U1", "T1")
	if successCount > 0 {
		if !ok {
			t.Fatal("expected a record after at least one successful increment")
		}
		if record.CurrentCount > maxCount {
			t.Errorf("record.CurrentCount = %d, must never exceed maxCount %d", record.CurrentCount, maxCount)
		}
	}
}

func TestCanPurchaseFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()
	g := New(&erroringKV{}, testLogger())

	res := g.CanPurchase(context.Background(), "U1", "T1", 5)
	if !res.CanPurchase {
		t.Error("CanPurchase must fail open on store error")
	}
}

type erroringKV struct{}

func (erroringKV) GetString(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (erroringKV) SetString(context.Context, string, string, time.Duration) error { return nil }
func (erroringKV) Delete(context.Context, ...string) error                        { return nil }
func (erroringKV) IncrWithRollback(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (erroringKV) Decr(context.Context, string) error { return nil }

var errStoreDown = context.DeadlineExceeded

func TestReset(t *testing.T) {
	t.Parallel()
	g := New(newFakeKV(), testLogger())
	ctx := context.Background()

	g.IncrementAndValidate(ctx, "U1", "T1", 5, "sub-1")
	if !g.Reset(ctx, "U1", "T1") {
		t.Fatal("Reset should succeed")
	}
	if _, ok := g.GetRecord(ctx, "U1", "T1"); ok {
		t.Error("record should be gone after reset")
	}
}
