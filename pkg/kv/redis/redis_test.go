package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/convroute/convroute/pkg/kv"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestGetSet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := store.Set(ctx, "test:key", record{Name: "a", Count: 3}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var got record
	if err := store.Get(ctx, "test:key", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "a" || got.Count != 3 {
		t.Errorf("Got %+v, want {a 3}", got)
	}

	ttl := mr.TTL("test:key")
	if ttl != time.Minute {
		t.Errorf("TTL = %v, want %v", ttl, time.Minute)
	}
}

func TestGetMissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	var dest map[string]any
	err := store.Get(context.Background(), "does:not:exist", &dest)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get on missing key: got %v, want kv.ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "test:key", "value", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Delete(ctx, "test:key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var dest string
	if err := store.Get(ctx, "test:key", &dest); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get after delete: got %v, want kv.ErrNotFound", err)
	}
}

func TestIncrAndCounter(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	vals, err := store.Incr(ctx, "usage:w1:2026-08-29", map[string]int64{
		"count":    1,
		"bytes_in": 512,
		"errors":   1,
	}, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if vals["count"] != 1 || vals["bytes_in"] != 512 || vals["errors"] != 1 {
		t.Errorf("Incr returned %v", vals)
	}

	fields, err := store.Counter(ctx, "usage:w1:2026-08-29")
	if err != nil {
		t.Fatalf("Counter failed: %v", err)
	}
	if fields["count"] != 1 || fields["bytes_in"] != 512 {
		t.Errorf("Counter returned %v", fields)
	}
	if fields["last_updated"] == 0 {
		t.Error("Expected last_updated to be stamped")
	}

	if ttl := mr.TTL("usage:w1:2026-08-29"); ttl != 7*24*time.Hour {
		t.Errorf("TTL = %v, want %v", ttl, 7*24*time.Hour)
	}
}

func TestCounterMissingKeyIsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	fields, err := store.Counter(context.Background(), "usage:none:2026-08-29")
	if err != nil {
		t.Fatalf("Counter failed: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("Expected empty counter, got %v", fields)
	}
}

func TestIncrConcurrentIsAdditive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Incr(ctx, "usage:w1:today", map[string]int64{"count": 1}, 0); err != nil {
				t.Errorf("Incr failed: %v", err)
			}
		}()
	}
	wg.Wait()

	fields, err := store.Counter(ctx, "usage:w1:today")
	if err != nil {
		t.Fatalf("Counter failed: %v", err)
	}
	if fields["count"] != writers {
		t.Errorf("count = %d after %d concurrent increments, want %d", fields["count"], writers, writers)
	}
}

func TestIncrWithLimit(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, allowed, err := store.IncrWithLimit(ctx, "ratelimit:x", 3, 2*time.Minute)
		if err != nil {
			t.Fatalf("IncrWithLimit failed: %v", err)
		}
		if !allowed || count != i {
			t.Errorf("Attempt %d: allowed=%v count=%d", i, allowed, count)
		}
	}

	count, allowed, err := store.IncrWithLimit(ctx, "ratelimit:x", 3, 2*time.Minute)
	if err != nil {
		t.Fatalf("IncrWithLimit failed: %v", err)
	}
	if allowed {
		t.Error("Expected increment past the ceiling to be refused")
	}
	if count != 3 {
		t.Errorf("count = %d after refused increment, want 3", count)
	}

	if ttl := mr.TTL("ratelimit:x"); ttl != 2*time.Minute {
		t.Errorf("TTL = %v, want %v", ttl, 2*time.Minute)
	}
}

func TestAddToSet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, member := range []string{"a.example", "b.example", "a.example"} {
		if err := store.AddToSet(ctx, "sites:active:2026-08-29", member, time.Hour); err != nil {
			t.Fatalf("AddToSet failed: %v", err)
		}
	}

	n, err := store.SetSize(ctx, "sites:active:2026-08-29")
	if err != nil {
		t.Fatalf("SetSize failed: %v", err)
	}
	if n != 2 {
		t.Errorf("SetSize = %d, want 2", n)
	}
}

func TestPing(t *testing.T) {
	store, mr := newTestStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	mr.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Error("Expected Ping to fail after store shutdown")
	}
}
