package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/agentworkforce/tasksync/internal/coord"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := coord.NewMemoryStoreWithClock(clock.Now)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, Options{TTL: time.Minute, Now: clock.Now}), clock
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	manager, _ := newTestManager(t)

	var winners int64
	var busy int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Acquire(context.Background(), "sk_a")
			switch {
			case err == nil:
				atomic.AddInt64(&winners, 1)
			case errors.Is(err, ErrBusy):
				atomic.AddInt64(&busy, 1)
			default:
				t.Errorf("unexpected acquire error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || busy != 19 {
		t.Fatalf("expected 1 winner and 19 busy, got %d and %d", winners, busy)
	}
}

func TestLockExpiresWithoutRelease(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "sk_crash")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := manager.Acquire(ctx, "sk_crash"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy while held, got %v", err)
	}
	clock.Advance(time.Minute + time.Second)

	next, err := manager.Acquire(ctx, "sk_crash")
	if err != nil {
		t.Fatalf("expected acquire after expiry, got %v", err)
	}
	if next.Owner == lease.Owner {
		t.Fatalf("expected a fresh owner token")
	}
	if err := manager.Renew(ctx, &lease); !errors.Is(err, ErrLost) {
		t.Fatalf("expected stale owner renew to report ErrLost, got %v", err)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "sk_renew")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	clock.Advance(50 * time.Second)
	if err := manager.Renew(ctx, &lease); err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if want := clock.Now().Add(time.Minute); !lease.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiresAt %s, got %s", want, lease.ExpiresAt)
	}
	clock.Advance(50 * time.Second)
	if _, err := manager.Acquire(ctx, "sk_renew"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected renewed lock to still be held, got %v", err)
	}
}

func TestReleaseIsOwnerChecked(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	stale, err := manager.Acquire(ctx, "sk_owner")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	clock.Advance(2 * time.Minute)
	current, err := manager.Acquire(ctx, "sk_owner")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if err := manager.Release(ctx, stale); err != nil {
		t.Fatalf("stale release failed: %v", err)
	}
	if _, err := manager.Acquire(ctx, "sk_owner"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected stale release to leave current holder intact, got %v", err)
	}
	if err := manager.Release(ctx, current); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := manager.Acquire(ctx, "sk_owner"); err != nil {
		t.Fatalf("expected lock to be free after release, got %v", err)
	}
}

func TestLockOverRedisExpires(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := coord.NewRedisStore("redis://" + server.Addr())
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	defer store.Close()
	manager := NewManager(store, Options{TTL: 30 * time.Second})
	ctx := context.Background()

	if _, err := manager.Acquire(ctx, "sk_redis"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ttl := server.TTL(Key("sk_redis")); ttl != 30*time.Second {
		t.Fatalf("expected 30s ttl on lock key, got %s", ttl)
	}
	server.FastForward(31 * time.Second)
	if _, err := manager.Acquire(ctx, "sk_redis"); err != nil {
		t.Fatalf("expected acquire after redis expiry, got %v", err)
	}
}

func TestAcquireRejectsEmptyKey(t *testing.T) {
	manager, _ := newTestManager(t)
	if _, err := manager.Acquire(context.Background(), " "); !errors.Is(err, coord.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
