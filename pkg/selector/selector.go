package selector

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convroute/convroute/pkg/metrics"
	"github.com/convroute/convroute/pkg/registry"
	"github.com/convroute/convroute/pkg/usage"
)

// DefaultCapacityMargin reserves headroom against stale usage reads and
// concurrent selection overshoot: a worker is eligible only while its day
// count sits below this fraction of its daily limit. Tunable, not a
// correctness guarantee.
const DefaultCapacityMargin = 0.95

var (
	// ErrNoWorkers means no enabled worker exists at all. Operator
	// territory; retrying will not help.
	ErrNoWorkers = errors.New("selector: no workers available")

	// ErrNoCapacity means every enabled worker is at its margined limit.
	// May resolve later the same day.
	ErrNoCapacity = errors.New("selector: all workers at capacity")
)

// Selection is the outcome of one pick.
type Selection struct {
	ID         string
	URL        string
	UsageToday int64
	DailyLimit int64
}

// Selector picks the least-loaded enabled worker with spare daily
// capacity. Selection is read-only: it never writes usage, so two
// concurrent selections can pick the same worker and jointly push it past
// its limit. The capacity margin absorbs that accepted race.
type Selector struct {
	registry *registry.Registry
	usage    *usage.Aggregator
	margin   float64
	log      *zap.Logger
	now      func() time.Time
}

func New(reg *registry.Registry, agg *usage.Aggregator, log *zap.Logger) *Selector {
	return &Selector{
		registry: reg,
		usage:    agg,
		margin:   DefaultCapacityMargin,
		log:      log,
		now:      time.Now,
	}
}

// SetMargin overrides the capacity margin. Values outside (0, 1] are
// ignored.
func (s *Selector) SetMargin(margin float64) {
	if margin > 0 && margin <= 1 {
		s.margin = margin
	}
}

type candidate struct {
	cfg *registry.WorkerConfig
	day usage.Counter
	err error
}

// Select picks one worker for a new conversion request.
//
// Workers whose config is absent or disabled are dropped; a missing usage
// counter reads as zero traffic. Among workers under the capacity margin,
// the lowest utilization ratio wins; ties keep the earlier entry in the
// registered list so repeated selections are reproducible. Load skew
// toward the front of the list on ties is the accepted cost.
func (s *Selector) Select(ctx context.Context) (Selection, error) {
	ids, err := s.registry.List(ctx)
	if err != nil {
		return Selection{}, err
	}
	if len(ids) == 0 {
		metrics.Selections.WithLabelValues("no_workers").Inc()
		return Selection{}, ErrNoWorkers
	}

	date := usage.Day(s.now())

	// One fetch per worker, concurrently; slots keep list order so the
	// tie-break below stays deterministic.
	candidates := make([]candidate, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			cfg, err := s.registry.Get(ctx, id)
			if err != nil {
				candidates[i].err = err
				return
			}
			if cfg == nil || !cfg.Enabled {
				return
			}
			day, err := s.usage.WorkerDay(ctx, id, date)
			if err != nil {
				candidates[i].err = err
				return
			}
			candidates[i] = candidate{cfg: cfg, day: day}
		}(i, id)
	}
	wg.Wait()

	enabled := candidates[:0]
	for _, c := range candidates {
		if c.err != nil {
			return Selection{}, c.err
		}
		if c.cfg == nil {
			continue
		}
		enabled = append(enabled, c)
	}
	if len(enabled) == 0 {
		metrics.Selections.WithLabelValues("no_workers").Inc()
		return Selection{}, ErrNoWorkers
	}

	eligible := make([]candidate, 0, len(enabled))
	for _, c := range enabled {
		metrics.WorkerUtilization.WithLabelValues(c.cfg.ID).Set(utilization(c))
		if float64(c.day.Count) < float64(c.cfg.DailyLimit)*s.margin {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		metrics.Selections.WithLabelValues("no_capacity").Inc()
		s.log.Warn("all workers at capacity", zap.Int("enabled", len(enabled)))
		return Selection{}, ErrNoCapacity
	}

	best := eligible[0]
	bestRatio := utilization(best)
	for _, c := range eligible[1:] {
		if r := utilization(c); r < bestRatio {
			best = c
			bestRatio = r
		}
	}

	metrics.Selections.WithLabelValues("selected").Inc()
	s.log.Debug("worker selected",
		zap.String("worker_id", best.cfg.ID),
		zap.Int64("usage_today", best.day.Count),
		zap.Int64("daily_limit", best.cfg.DailyLimit),
	)

	return Selection{
		ID:         best.cfg.ID,
		URL:        best.cfg.URL,
		UsageToday: best.day.Count,
		DailyLimit: best.cfg.DailyLimit,
	}, nil
}

func utilization(c candidate) float64 {
	if c.cfg.DailyLimit <= 0 {
		return 1
	}
	return float64(c.day.Count) / float64(c.cfg.DailyLimit)
}
