package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/convroute/convroute/pkg/kv"
)

// WorkerConfig is the static registration record for one conversion worker.
// Records are created by explicit admin action and never expire.
type WorkerConfig struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	DailyLimit int64     `json:"daily_limit"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry stores the worker pool: an ordered ID list plus one config
// record per worker. It does not enforce referential integrity against
// usage counters; a counter may precede or outlive its registration.
type Registry struct {
	store kv.Store
}

func New(store kv.Store) *Registry {
	return &Registry{store: store}
}

// List returns registered worker IDs in insertion order. An absent list
// reads as empty, never as an error.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.store.Get(ctx, kv.WorkersListKey, &ids)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return ids, nil
}

// Get looks up one worker's config. A nil config with nil error means the
// worker is not registered.
func (r *Registry) Get(ctx context.Context, id string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	err := r.store.Get(ctx, kv.WorkerConfigKey(id), &cfg)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	return &cfg, nil
}

// Register upserts cfg and appends its ID to the list if missing.
// Re-registering an existing ID updates the record without duplicating the
// list entry. The list append is a read-then-write; concurrent admin
// registrations can race, which is acceptable for an admin-only surface.
func (r *Registry) Register(ctx context.Context, cfg WorkerConfig) error {
	if cfg.ID == "" {
		return errors.New("registry: worker id is required")
	}
	if cfg.DailyLimit <= 0 {
		return errors.New("registry: daily limit must be positive")
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}

	ids, err := r.List(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, cfg.ID) {
		ids = append(ids, cfg.ID)
		if err := r.store.Set(ctx, kv.WorkersListKey, ids, 0); err != nil {
			return fmt.Errorf("append worker list: %w", err)
		}
	}
	if err := r.store.Set(ctx, kv.WorkerConfigKey(cfg.ID), cfg, 0); err != nil {
		return fmt.Errorf("store worker config: %w", err)
	}
	return nil
}

// Init replaces the whole pool in one shot: the list is rewritten and every
// config stored. Usage counters for previously registered IDs are left in
// place and age out via TTL.
func (r *Registry) Init(ctx context.Context, cfgs []WorkerConfig) error {
	ids := make([]string, 0, len(cfgs))
	for i := range cfgs {
		if cfgs[i].ID == "" {
			return errors.New("registry: worker id is required")
		}
		if cfgs[i].DailyLimit <= 0 {
			return fmt.Errorf("registry: worker %s: daily limit must be positive", cfgs[i].ID)
		}
		if cfgs[i].CreatedAt.IsZero() {
			cfgs[i].CreatedAt = time.Now().UTC()
		}
		ids = append(ids, cfgs[i].ID)
	}
	if err := r.store.Set(ctx, kv.WorkersListKey, ids, 0); err != nil {
		return fmt.Errorf("store worker list: %w", err)
	}
	for _, cfg := range cfgs {
		if err := r.store.Set(ctx, kv.WorkerConfigKey(cfg.ID), cfg, 0); err != nil {
			return fmt.Errorf("store worker config %s: %w", cfg.ID, err)
		}
	}
	return nil
}
