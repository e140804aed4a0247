package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/convroute/convroute/pkg/kv"
	kvredis "github.com/convroute/convroute/pkg/kv/redis"
	"github.com/convroute/convroute/pkg/registry"
	"github.com/convroute/convroute/pkg/usage"
)

type fixture struct {
	store    *kvredis.Store
	registry *registry.Registry
	selector *Selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := kvredis.New(client)
	reg := registry.New(store)
	agg := usage.New(store, store, reg, zap.NewNop())
	return &fixture{
		store:    store,
		registry: reg,
		selector: New(reg, agg, zap.NewNop()),
	}
}

func (f *fixture) addWorker(t *testing.T, id string, limit int64, enabled bool, used int64) {
	t.Helper()
	ctx := context.Background()
	cfg := registry.WorkerConfig{ID: id, URL: "https://" + id + ".example.dev", DailyLimit: limit, Enabled: enabled}
	if err := f.registry.Register(ctx, cfg); err != nil {
		t.Fatalf("Register %s failed: %v", id, err)
	}
	if used > 0 {
		key := kv.WorkerUsageKey(id, usage.Day(time.Now()))
		if _, err := f.store.Incr(ctx, key, map[string]int64{"count": used}, time.Hour); err != nil {
			t.Fatalf("Seeding usage for %s failed: %v", id, err)
		}
	}
}

func TestSelectLeastLoaded(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "a", 100, true, 10)
	f.addWorker(t, "b", 100, true, 50)
	f.addWorker(t, "c", 100, false, 0)

	sel, err := f.selector.Select(context.Background())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "a" {
		t.Errorf("Selected %s, want a", sel.ID)
	}
	if sel.UsageToday != 10 || sel.DailyLimit != 100 {
		t.Errorf("Selection = %+v", sel)
	}
}

func TestSelectEmptyRegistry(t *testing.T) {
	f := newFixture(t)

	_, err := f.selector.Select(context.Background())
	if !errors.Is(err, ErrNoWorkers) {
		t.Errorf("Got %v, want ErrNoWorkers", err)
	}
}

func TestSelectAllDisabled(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "a", 100, false, 0)
	f.addWorker(t, "b", 100, false, 0)

	_, err := f.selector.Select(context.Background())
	if !errors.Is(err, ErrNoWorkers) {
		t.Errorf("Got %v, want ErrNoWorkers", err)
	}
}

func TestSelectCapacityMarginExcludes(t *testing.T) {
	f := newFixture(t)
	// At exactly 95% of the limit the worker is no longer eligible,
	// even when it is the only one enabled.
	f.addWorker(t, "a", 100, true, 95)

	_, err := f.selector.Select(context.Background())
	if !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Got %v, want ErrNoCapacity", err)
	}
}

func TestSelectJustUnderMargin(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "a", 100, true, 94)

	sel, err := f.selector.Select(context.Background())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "a" {
		t.Errorf("Selected %s, want a", sel.ID)
	}
}

func TestSelectTieBreakIsDeterministic(t *testing.T) {
	f := newFixture(t)
	// Identical utilization ratios: the worker earlier in the list must
	// win every time.
	f.addWorker(t, "b", 200, true, 40)
	f.addWorker(t, "a", 100, true, 20)

	for i := 0; i < 10; i++ {
		sel, err := f.selector.Select(context.Background())
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if sel.ID != "b" {
			t.Fatalf("Call %d selected %s, want b (first in list)", i, sel.ID)
		}
	}
}

func TestSelectSkipsMissingConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An ID in the list with no config record must be skipped, not fail
	// the selection.
	f.addWorker(t, "a", 100, true, 10)
	ids := []string{"ghost", "a"}
	if err := f.store.Set(ctx, kv.WorkersListKey, ids, 0); err != nil {
		t.Fatalf("Seeding list failed: %v", err)
	}

	sel, err := f.selector.Select(ctx)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "a" {
		t.Errorf("Selected %s, want a", sel.ID)
	}
}

func TestSelectMissingUsageReadsZero(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "fresh", 100, true, 0)
	f.addWorker(t, "busy", 100, true, 50)

	sel, err := f.selector.Select(context.Background())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "fresh" || sel.UsageToday != 0 {
		t.Errorf("Selection = %+v, want fresh with zero usage", sel)
	}
}

func TestSetMargin(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "a", 100, true, 50)

	f.selector.SetMargin(0.5)
	if _, err := f.selector.Select(context.Background()); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Expected ErrNoCapacity with tightened margin, got %v", err)
	}

	// Out-of-range values are ignored.
	f.selector.SetMargin(0)
	f.selector.SetMargin(1.5)
	if _, err := f.selector.Select(context.Background()); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Margin should have stayed at 0.5, got %v", err)
	}
}
