package coord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var conformanceCounter uint64

type storeHarness struct {
	store Store
	// advance moves the backend's notion of time forward.
	advance func(time.Duration)
}

func runStoreConformance(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		h := newHarness(t)
		_, found, err := h.store.Get(context.Background(), conformanceKey("missing"))
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if found {
			t.Fatalf("expected missing key")
		}
	})

	t.Run("SetOverwritesAndExpires", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := conformanceKey("set")
		if err := h.store.Set(ctx, key, "one", 0); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if err := h.store.Set(ctx, key, "two", time.Second); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		value, found, err := h.store.Get(ctx, key)
		if err != nil || !found || value != "two" {
			t.Fatalf("expected two, got %q found=%v err=%v", value, found, err)
		}
		h.advance(2 * time.Second)
		if _, found, err := h.store.Get(ctx, key); err != nil || found {
			t.Fatalf("expected key to expire, found=%v err=%v", found, err)
		}
	})

	t.Run("SetNX", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := conformanceKey("setnx")
		ok, err := h.store.SetNX(ctx, key, "first", time.Second)
		if err != nil || !ok {
			t.Fatalf("expected first setnx to win, ok=%v err=%v", ok, err)
		}
		ok, err = h.store.SetNX(ctx, key, "second", time.Second)
		if err != nil || ok {
			t.Fatalf("expected second setnx to lose, ok=%v err=%v", ok, err)
		}
		h.advance(2 * time.Second)
		ok, err = h.store.SetNX(ctx, key, "third", time.Second)
		if err != nil || !ok {
			t.Fatalf("expected setnx over expired key to win, ok=%v err=%v", ok, err)
		}
		value, _, _ := h.store.Get(ctx, key)
		if value != "third" {
			t.Fatalf("expected third, got %q", value)
		}
	})

	t.Run("SetNXConcurrent", func(t *testing.T) {
		h := newHarness(t)
		key := conformanceKey("race")
		var wins int64
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := h.store.SetNX(context.Background(), key, fmt.Sprintf("owner-%d", i), time.Minute)
				if err != nil {
					t.Errorf("setnx failed: %v", err)
					return
				}
				if ok {
					atomic.AddInt64(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("DeleteIfEquals", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := conformanceKey("cad")
		if err := h.store.Set(ctx, key, "token-a", time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		deleted, err := h.store.DeleteIfEquals(ctx, key, "token-b")
		if err != nil || deleted {
			t.Fatalf("expected mismatched delete to be refused, deleted=%v err=%v", deleted, err)
		}
		deleted, err = h.store.DeleteIfEquals(ctx, key, "token-a")
		if err != nil || !deleted {
			t.Fatalf("expected matching delete, deleted=%v err=%v", deleted, err)
		}
		if _, found, _ := h.store.Get(ctx, key); found {
			t.Fatalf("expected key to be gone")
		}
	})

	t.Run("ExpireIfEquals", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := conformanceKey("renew")
		if err := h.store.Set(ctx, key, "token", 2*time.Second); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		renewed, err := h.store.ExpireIfEquals(ctx, key, "other", 10*time.Second)
		if err != nil || renewed {
			t.Fatalf("expected mismatched renew to be refused, renewed=%v err=%v", renewed, err)
		}
		renewed, err = h.store.ExpireIfEquals(ctx, key, "token", 10*time.Second)
		if err != nil || !renewed {
			t.Fatalf("expected renew, renewed=%v err=%v", renewed, err)
		}
		h.advance(4 * time.Second)
		if value, found, _ := h.store.Get(ctx, key); !found || value != "token" {
			t.Fatalf("expected renewed key to survive, got %q found=%v", value, found)
		}
		h.advance(10 * time.Second)
		renewed, err = h.store.ExpireIfEquals(ctx, key, "token", 10*time.Second)
		if err != nil || renewed {
			t.Fatalf("expected expired key not to renew, renewed=%v err=%v", renewed, err)
		}
	})

	t.Run("ListFIFO", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := conformanceKey("list")
		for i, item := range []string{"a", "b", "c"} {
			n, err := h.store.RPush(ctx, key, item)
			if err != nil {
				t.Fatalf("rpush failed: %v", err)
			}
			if n != int64(i+1) {
				t.Fatalf("expected length %d after push, got %d", i+1, n)
			}
		}
		if n, err := h.store.LLen(ctx, key); err != nil || n != 3 {
			t.Fatalf("expected length 3, got %d err=%v", n, err)
		}
		for _, want := range []string{"a", "b", "c"} {
			got, ok, err := h.store.LPop(ctx, key)
			if err != nil || !ok {
				t.Fatalf("lpop failed: ok=%v err=%v", ok, err)
			}
			if got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		}
		if _, ok, err := h.store.LPop(ctx, key); err != nil || ok {
			t.Fatalf("expected empty list, ok=%v err=%v", ok, err)
		}
		if n, err := h.store.LLen(ctx, key); err != nil || n != 0 {
			t.Fatalf("expected empty length, got %d err=%v", n, err)
		}
	})

	t.Run("RejectsEmptyKey", func(t *testing.T) {
		h := newHarness(t)
		if _, _, err := h.store.Get(context.Background(), ""); err == nil {
			t.Fatalf("expected empty key to be rejected")
		}
	})
}

func conformanceKey(name string) string {
	n := atomic.AddUint64(&conformanceCounter, 1)
	return fmt.Sprintf("test:%s:%d:%d", name, time.Now().UnixNano(), n)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
