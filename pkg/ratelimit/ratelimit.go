package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/convroute/convroute/pkg/kv"
	"github.com/convroute/convroute/pkg/metrics"
)

// WindowConfig is one endpoint's fixed-window admission budget.
type WindowConfig struct {
	Limit  int64
	Window time.Duration
}

// Table maps endpoints to their budgets. Unlisted endpoints fall back to
// the Default entry.
type Table struct {
	Endpoints map[string]WindowConfig
	Default   WindowConfig
}

// DefaultTable returns the admission budgets of the public surface.
func DefaultTable() Table {
	return Table{
		Endpoints: map[string]WindowConfig{
			"/get-worker":    {Limit: 100, Window: time.Minute},
			"/track-usage":   {Limit: 200, Window: time.Minute},
			"/stats":         {Limit: 10, Window: time.Minute},
			"/admin/init":    {Limit: 30, Window: time.Minute},
			"/admin/workers": {Limit: 30, Window: time.Minute},
			"/admin/sites":   {Limit: 30, Window: time.Minute},
		},
		Default: WindowConfig{Limit: 60, Window: time.Minute},
	}
}

// Result reports one admission decision plus the header fields exposed to
// callers.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// Reset is the epoch second at which the current window closes.
	Reset int64
}

// window is the persisted counter in racy mode. WindowStart is the epoch
// second the window opened at.
type window struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"window_start"`
}

// Limiter bounds the request rate per (caller, endpoint) pair using fixed,
// non-sliding windows. Counters live two window-lengths so data near a
// boundary survives the rollover.
//
// With the atomic path enabled the store's increment-with-ceiling
// primitive keeps the window at or under its limit. In the fallback racy
// mode the read-then-write is not atomic: concurrent checks can all read
// count = limit-1 and each increment, exceeding the limit by up to the
// concurrency level minus one. That weakness is documented and tested, not
// papered over.
type Limiter struct {
	store  kv.Store
	atomic kv.AtomicLimiter // nil selects the racy path
	table  Table
	log    *zap.Logger
	now    func() time.Time
}

// New builds a limiter on store. When atomic is true the store must
// implement kv.AtomicLimiter; the limiter degrades to the racy path with a
// warning if it does not.
func New(store kv.Store, table Table, atomic bool, log *zap.Logger) *Limiter {
	l := &Limiter{
		store: store,
		table: table,
		log:   log,
		now:   time.Now,
	}
	if atomic {
		if al, ok := store.(kv.AtomicLimiter); ok {
			l.atomic = al
		} else {
			log.Warn("store lacks atomic increment, rate limiter falls back to read-then-write")
		}
	}
	return l
}

// Check admits or rejects one request for the caller/endpoint pair. A
// rejected request does not consume budget. Decisions are terminal: the
// caller gets the result of the read that was just taken, never a retry.
func (l *Limiter) Check(ctx context.Context, callerID, endpoint string) (Result, error) {
	cfg, ok := l.table.Endpoints[endpoint]
	if !ok {
		cfg = l.table.Default
	}
	windowSecs := int64(cfg.Window / time.Second)
	if windowSecs <= 0 {
		return Result{}, fmt.Errorf("ratelimit: invalid window for %s", endpoint)
	}

	idx := l.now().Unix() / windowSecs
	start := idx * windowSecs
	reset := start + windowSecs
	key := kv.RateLimitKey(callerID, endpoint, idx)

	var res Result
	var err error
	if l.atomic != nil {
		res, err = l.checkAtomic(ctx, key, cfg, reset)
	} else {
		res, err = l.checkRacy(ctx, key, cfg, start, reset)
	}
	if err != nil {
		return Result{}, err
	}
	if !res.Allowed {
		metrics.RateLimitRejections.WithLabelValues(endpoint).Inc()
	}
	return res, nil
}

func (l *Limiter) checkAtomic(ctx context.Context, key string, cfg WindowConfig, reset int64) (Result, error) {
	count, allowed, err := l.atomic.IncrWithLimit(ctx, key, cfg.Limit, 2*cfg.Window)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: %w", err)
	}
	if !allowed {
		return Result{Allowed: false, Limit: cfg.Limit, Remaining: 0, Reset: reset}, nil
	}
	return Result{Allowed: true, Limit: cfg.Limit, Remaining: cfg.Limit - count, Reset: reset}, nil
}

func (l *Limiter) checkRacy(ctx context.Context, key string, cfg WindowConfig, start, reset int64) (Result, error) {
	var w window
	err := l.store.Get(ctx, key, &w)
	if errors.Is(err, kv.ErrNotFound) {
		w = window{WindowStart: start}
	} else if err != nil {
		return Result{}, fmt.Errorf("ratelimit: %w", err)
	}

	if w.Count >= cfg.Limit {
		return Result{Allowed: false, Limit: cfg.Limit, Remaining: 0, Reset: reset}, nil
	}

	w.Count++
	if err := l.store.Set(ctx, key, w, 2*cfg.Window); err != nil {
		return Result{}, fmt.Errorf("ratelimit: %w", err)
	}
	return Result{Allowed: true, Limit: cfg.Limit, Remaining: cfg.Limit - w.Count, Reset: reset}, nil
}
