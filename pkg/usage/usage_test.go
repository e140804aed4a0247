package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	kvredis "github.com/convroute/convroute/pkg/kv/redis"
	"github.com/convroute/convroute/pkg/registry"
)

func newTestAggregator(t *testing.T) (*Aggregator, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kvredis.New(client)
	reg := registry.New(store)
	return New(store, store, reg, zap.NewNop()), reg
}

func TestRecord(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	totals, err := agg.Record(ctx, Sample{
		WorkerID:     "w1",
		SiteDomain:   "blog.example.com",
		BytesIn:      1024,
		BytesOut:     4096,
		ConversionMs: 350,
		Success:      true,
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if totals.WorkerToday != 1 || totals.SiteToday != 1 {
		t.Errorf("Totals = %+v, want 1/1", totals)
	}

	day, err := agg.WorkerDay(ctx, "w1", Day(time.Now()))
	if err != nil {
		t.Fatalf("WorkerDay failed: %v", err)
	}
	if day.Count != 1 || day.BytesIn != 1024 || day.BytesOut != 4096 {
		t.Errorf("Counter = %+v", day)
	}
	if day.ConversionMs != 350 {
		t.Errorf("ConversionMs = %d, want 350", day.ConversionMs)
	}
	if day.Errors != 0 {
		t.Errorf("Errors = %d on a successful sample", day.Errors)
	}
	if day.LastUpdated.IsZero() {
		t.Error("Expected LastUpdated to be stamped")
	}
}

func TestRecordFailureIncrementsErrors(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	for _, success := range []bool{true, false, false} {
		if _, err := agg.Record(ctx, Sample{WorkerID: "w1", SiteDomain: "a.example", Success: success}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	day, err := agg.WorkerDay(ctx, "w1", Day(time.Now()))
	if err != nil {
		t.Fatalf("WorkerDay failed: %v", err)
	}
	if day.Count != 3 || day.Errors != 2 {
		t.Errorf("count=%d errors=%d, want 3/2", day.Count, day.Errors)
	}
}

func TestRecordCacheHit(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	if _, err := agg.Record(ctx, Sample{WorkerID: "w1", SiteDomain: "a.example", CacheHit: true, Success: true}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	day, err := agg.WorkerDay(ctx, "w1", Day(time.Now()))
	if err != nil {
		t.Fatalf("WorkerDay failed: %v", err)
	}
	if day.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", day.CacheHits)
	}
}

func TestRecordValidation(t *testing.T) {
	agg, _ := newTestAggregator(t)

	if _, err := agg.Record(context.Background(), Sample{SiteDomain: "a.example"}); err == nil {
		t.Error("Expected error for missing worker id")
	}
	if _, err := agg.Record(context.Background(), Sample{WorkerID: "w1"}); err == nil {
		t.Error("Expected error for missing site domain")
	}
}

func TestConcurrentRecordsAreAdditive(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	// Two racing records for the same worker/day must both land; the
	// counters are additive, not last-writer-wins.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := agg.Record(ctx, Sample{WorkerID: "w1", SiteDomain: "a.example", Success: true}); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}()
	}
	wg.Wait()

	day, err := agg.WorkerDay(ctx, "w1", Day(time.Now()))
	if err != nil {
		t.Fatalf("WorkerDay failed: %v", err)
	}
	if day.Count != 2 {
		t.Errorf("count = %d after two concurrent records, want exactly 2", day.Count)
	}
}

func TestWorkerDayMissingReadsZero(t *testing.T) {
	agg, _ := newTestAggregator(t)

	day, err := agg.WorkerDay(context.Background(), "never-seen", "2026-08-29")
	if err != nil {
		t.Fatalf("WorkerDay failed: %v", err)
	}
	if day.Count != 0 || day.Errors != 0 {
		t.Errorf("Expected zero counter, got %+v", day)
	}
}

func TestRecordAsync(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	agg.RecordAsync(Sample{WorkerID: "w1", SiteDomain: "a.example", Success: true})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		day, err := agg.WorkerDay(ctx, "w1", Day(time.Now()))
		if err != nil {
			t.Fatalf("WorkerDay failed: %v", err)
		}
		if day.Count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Async record never landed")
}

func TestSummarize(t *testing.T) {
	agg, reg := newTestAggregator(t)
	ctx := context.Background()
	date := Day(time.Now())

	for _, id := range []string{"w1", "w2"} {
		cfg := registry.WorkerConfig{ID: id, URL: "https://" + id, DailyLimit: 100, Enabled: true}
		if err := reg.Register(ctx, cfg); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	t.Run("no traffic yields zero rates", func(t *testing.T) {
		sum, err := agg.Summarize(ctx, date)
		if err != nil {
			t.Fatalf("Summarize failed: %v", err)
		}
		if sum.TotalRequests != 0 || sum.ErrorRate != 0 || sum.CacheHitRate != 0 {
			t.Errorf("Summary = %+v, want all zero", sum)
		}
	})

	t.Run("rates computed over the pool", func(t *testing.T) {
		for i := 0; i < 6; i++ {
			if _, err := agg.Record(ctx, Sample{WorkerID: "w1", SiteDomain: "a.example", Success: true}); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}
		for i := 0; i < 4; i++ {
			success := i >= 2
			if _, err := agg.Record(ctx, Sample{WorkerID: "w2", SiteDomain: "b.example", Success: success}); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		sum, err := agg.Summarize(ctx, date)
		if err != nil {
			t.Fatalf("Summarize failed: %v", err)
		}
		if sum.TotalRequests != 10 {
			t.Errorf("TotalRequests = %d, want 10", sum.TotalRequests)
		}
		if sum.TotalErrors != 2 {
			t.Errorf("TotalErrors = %d, want 2", sum.TotalErrors)
		}
		if sum.ErrorRate != 0.2 {
			t.Errorf("ErrorRate = %v, want 0.2", sum.ErrorRate)
		}
		if sum.UniqueSites != 2 {
			t.Errorf("UniqueSites = %d, want 2", sum.UniqueSites)
		}
	})
}

func TestWorkerStats(t *testing.T) {
	agg, reg := newTestAggregator(t)
	ctx := context.Background()
	date := Day(time.Now())

	if err := reg.Register(ctx, registry.WorkerConfig{ID: "w1", URL: "https://w1", DailyLimit: 100, Enabled: true}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for i := 0; i < 25; i++ {
		if _, err := agg.Record(ctx, Sample{WorkerID: "w1", SiteDomain: "a.example", Success: true}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	stats, err := agg.WorkerStats(ctx, date)
	if err != nil {
		t.Fatalf("WorkerStats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(stats))
	}
	if stats[0].UsageToday != 25 || stats[0].Limit != 100 || stats[0].Utilization != 0.25 {
		t.Errorf("Stat = %+v", stats[0])
	}
}
