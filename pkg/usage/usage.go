package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/convroute/convroute/pkg/kv"
	"github.com/convroute/convroute/pkg/metrics"
	"github.com/convroute/convroute/pkg/registry"
)

// RetentionTTL keeps day counters around long enough for later aggregation
// before the store garbage-collects them.
const RetentionTTL = 7 * 24 * time.Hour

// asyncRecordTimeout bounds detached recording so a stalled store cannot
// leak goroutines.
const asyncRecordTimeout = 5 * time.Second

const (
	fieldCount        = "count"
	fieldBytesIn      = "bytes_in"
	fieldBytesOut     = "bytes_out"
	fieldErrors       = "errors"
	fieldCacheHits    = "cache_hits"
	fieldConversionMs = "conversion_ms"
	fieldUpdated      = "last_updated"
)

// Day formats t as the UTC calendar-day key counters are bucketed by.
// Counters never reset by mutation; a new day simply addresses new keys.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Counter is one day-keyed traffic counter. A counter that was never
// written reads as zero values, meaning no traffic that day.
type Counter struct {
	Count     int64
	BytesIn   int64
	BytesOut  int64
	Errors    int64
	CacheHits int64
	// ConversionMs is the summed conversion time; divide by Count for the
	// day's average.
	ConversionMs int64
	LastUpdated  time.Time
}

// Sample is one completed conversion to account for.
type Sample struct {
	WorkerID     string
	SiteDomain   string
	BytesIn      int64
	BytesOut     int64
	ConversionMs int64
	CacheHit     bool
	Success      bool
}

// Totals reports the post-record day counts on both sides of a sample.
type Totals struct {
	WorkerToday int64
	SiteToday   int64
}

// Summary aggregates one day across the whole worker pool.
type Summary struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	UniqueSites   int64   `json:"unique_sites"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	ErrorRate     float64 `json:"error_rate"`
}

// WorkerStat is one worker's row in the daily stats view.
type WorkerStat struct {
	ID          string  `json:"id"`
	UsageToday  int64   `json:"usage_today"`
	Limit       int64   `json:"limit"`
	Utilization float64 `json:"utilization"`
}

// Aggregator accumulates per-worker and per-site daily counters. All
// increments go through the store's atomic counter primitive, so
// concurrent samples for the same day always sum; there is no
// read-modify-write to lose.
type Aggregator struct {
	counters kv.CounterStore
	sets     kv.SetStore
	registry *registry.Registry
	log      *zap.Logger
	now      func() time.Time
}

// New builds an aggregator. sets may be nil, which disables the
// unique-sites index.
func New(counters kv.CounterStore, sets kv.SetStore, reg *registry.Registry, log *zap.Logger) *Aggregator {
	return &Aggregator{
		counters: counters,
		sets:     sets,
		registry: reg,
		log:      log,
		now:      time.Now,
	}
}

// Record accounts one sample against today's worker and site counters and
// returns the new day counts. The two counter writes are independent; a
// failure between them can leave the site counter behind by one, which the
// advisory nature of these counters tolerates.
func (a *Aggregator) Record(ctx context.Context, s Sample) (Totals, error) {
	if s.WorkerID == "" || s.SiteDomain == "" {
		return Totals{}, fmt.Errorf("usage: worker id and site domain are required")
	}
	date := Day(a.now())

	workerDeltas := map[string]int64{
		fieldCount:    1,
		fieldBytesIn:  s.BytesIn,
		fieldBytesOut: s.BytesOut,
	}
	if !s.Success {
		workerDeltas[fieldErrors] = 1
	}
	if s.CacheHit {
		workerDeltas[fieldCacheHits] = 1
	}
	if s.ConversionMs > 0 {
		workerDeltas[fieldConversionMs] = s.ConversionMs
	}

	workerVals, err := a.counters.Incr(ctx, kv.WorkerUsageKey(s.WorkerID, date), workerDeltas, RetentionTTL)
	if err != nil {
		return Totals{}, fmt.Errorf("record worker usage: %w", err)
	}

	siteVals, err := a.counters.Incr(ctx, kv.SiteUsageKey(s.SiteDomain, date), map[string]int64{fieldCount: 1}, RetentionTTL)
	if err != nil {
		return Totals{}, fmt.Errorf("record site usage: %w", err)
	}

	if a.sets != nil {
		if err := a.sets.AddToSet(ctx, kv.ActiveSitesKey(date), s.SiteDomain, RetentionTTL); err != nil {
			// The index only feeds the stats view; the counters above
			// are already committed.
			a.log.Warn("active site index update failed",
				zap.String("site", s.SiteDomain),
				zap.Error(err),
			)
		}
	}

	return Totals{
		WorkerToday: workerVals[fieldCount],
		SiteToday:   siteVals[fieldCount],
	}, nil
}

// RecordAsync records s on a detached goroutine. Recording is advisory:
// failures feed the log and a metric, never the caller's result path.
func (a *Aggregator) RecordAsync(s Sample) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncRecordTimeout)
		defer cancel()
		if _, err := a.Record(ctx, s); err != nil {
			metrics.UsageRecordFailures.Inc()
			a.log.Warn("usage sample dropped",
				zap.String("worker_id", s.WorkerID),
				zap.String("site", s.SiteDomain),
				zap.Error(err),
			)
		}
	}()
}

// WorkerDay reads one worker's counter for date. A missing counter reads
// as zero, meaning no traffic recorded that day.
func (a *Aggregator) WorkerDay(ctx context.Context, workerID, date string) (Counter, error) {
	fields, err := a.counters.Counter(ctx, kv.WorkerUsageKey(workerID, date))
	if err != nil {
		return Counter{}, fmt.Errorf("read worker usage %s: %w", workerID, err)
	}
	return counterFromFields(fields), nil
}

// SiteDay reads one site's counter for date.
func (a *Aggregator) SiteDay(ctx context.Context, domain, date string) (Counter, error) {
	fields, err := a.counters.Counter(ctx, kv.SiteUsageKey(domain, date))
	if err != nil {
		return Counter{}, fmt.Errorf("read site usage %s: %w", domain, err)
	}
	return counterFromFields(fields), nil
}

// Summarize scans every registered worker's counter for date and folds it
// into pool-wide totals. Rates are 0 when no traffic was recorded.
func (a *Aggregator) Summarize(ctx context.Context, date string) (Summary, error) {
	ids, err := a.registry.List(ctx)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	var cacheHits int64
	for _, id := range ids {
		day, err := a.WorkerDay(ctx, id, date)
		if err != nil {
			return Summary{}, err
		}
		sum.TotalRequests += day.Count
		sum.TotalErrors += day.Errors
		cacheHits += day.CacheHits
	}
	if sum.TotalRequests > 0 {
		sum.ErrorRate = float64(sum.TotalErrors) / float64(sum.TotalRequests)
		sum.CacheHitRate = float64(cacheHits) / float64(sum.TotalRequests)
	}

	if a.sets != nil {
		n, err := a.sets.SetSize(ctx, kv.ActiveSitesKey(date))
		if err != nil {
			a.log.Warn("unique site count unavailable", zap.String("date", date), zap.Error(err))
		} else {
			sum.UniqueSites = n
		}
	}
	return sum, nil
}

// WorkerStats returns the per-worker rows for date. Workers present in the
// ID list but missing a config record are skipped, not errors.
func (a *Aggregator) WorkerStats(ctx context.Context, date string) ([]WorkerStat, error) {
	ids, err := a.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]WorkerStat, 0, len(ids))
	for _, id := range ids {
		cfg, err := a.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			continue
		}
		day, err := a.WorkerDay(ctx, id, date)
		if err != nil {
			return nil, err
		}
		stat := WorkerStat{ID: cfg.ID, UsageToday: day.Count, Limit: cfg.DailyLimit}
		if cfg.DailyLimit > 0 {
			stat.Utilization = float64(day.Count) / float64(cfg.DailyLimit)
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

func counterFromFields(fields map[string]int64) Counter {
	c := Counter{
		Count:        fields[fieldCount],
		BytesIn:      fields[fieldBytesIn],
		BytesOut:     fields[fieldBytesOut],
		Errors:       fields[fieldErrors],
		CacheHits:    fields[fieldCacheHits],
		ConversionMs: fields[fieldConversionMs],
	}
	if ts := fields[fieldUpdated]; ts > 0 {
		c.LastUpdated = time.Unix(ts, 0).UTC()
	}
	return c
}
