package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) storeHarness {
		server := miniredis.RunT(t)
		store, err := NewRedisStore("redis://" + server.Addr() + "/0")
		if err != nil {
			t.Fatalf("new redis store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return storeHarness{store: store, advance: server.FastForward}
	})
}

func TestRedisStoreSetWritesMillisecondTTL(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + server.Addr())
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	defer store.Close()

	if err := store.Set(context.Background(), "job", "{}", 1500*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if ttl := server.TTL("job"); ttl != 1500*time.Millisecond {
		t.Fatalf("expected ttl 1.5s, got %s", ttl)
	}
	if err := store.Set(context.Background(), "sticky", "{}", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if ttl := server.TTL("sticky"); ttl != 0 {
		t.Fatalf("expected no ttl, got %s", ttl)
	}
}
