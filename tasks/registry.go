// Package tasks serves task reference data to the reward engine.
//
// Tasks are managed by admins and only read by the core, so lookups go
// through a bigcache-backed read-through cache in front of the store.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/ledger"
)

// Source is the persistent task table.
type Source interface {
	GetTask(ctx context.Context, id ledger.TaskID) (*ledger.Task, error)
	ListTasks(ctx context.Context) ([]ledger.Task, error)
	SaveTask(ctx context.Context, t ledger.Task) error
}

// Registry is the read side consumed by the reward engine.
type Registry interface {
	GetTask(ctx context.Context, id ledger.TaskID) (*ledger.Task, error)
	ListTasks(ctx context.Context) ([]ledger.Task, error)
}

var ErrInvalidTask = errors.New("invalid task")

// MilestonePrefix is reserved for the synthetic tasks the reward engine
// records when a user reaches an ad milestone.
const MilestonePrefix = "ads-milestone-"

// CachedRegistry caches individual task lookups. ListTasks always reads
// through to the source.
type CachedRegistry struct {
	source Source
	cache  *bigcache.BigCache
	logger *zap.Logger
}

func NewCachedRegistry(ctx context.Context, source Source, ttl time.Duration, logger *zap.Logger) (*CachedRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 16
	cfg.HardMaxCacheSize = 64 // MB
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create task cache: %w", err)
	}

	return &CachedRegistry{source: source, cache: cache, logger: logger}, nil
}

// cachedTask is the cache encoding; decimals travel as strings.
type cachedTask struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Link             string    `json:"link"`
	Reward           string    `json:"reward"`
	Category         string    `json:"category"`
	VerificationType string    `json:"verification_type"`
	CreatedAt        time.Time `json:"created_at"`
}

func (r *CachedRegistry) GetTask(ctx context.Context, id ledger.TaskID) (*ledger.Task, error) {
	if raw, err := r.cache.Get(string(id)); err == nil {
		t, err := decodeCachedTask(raw)
		if err == nil {
			return t, nil
		}
		r.logger.Warn("dropping undecodable cached task", zap.String("task_id", string(id)), zap.Error(err))
		_ = r.cache.Delete(string(id))
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		r.logger.Warn("task cache read failed", zap.String("task_id", string(id)), zap.Error(err))
	}

	t, err := r.source.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	r.put(*t)
	return t, nil
}

func (r *CachedRegistry) ListTasks(ctx context.Context) ([]ledger.Task, error) {
	return r.source.ListTasks(ctx)
}

// SaveTask validates t, persists it, and refreshes the cache entry.
func (r *CachedRegistry) SaveTask(ctx context.Context, t ledger.Task) error {
	if err := Validate(t); err != nil {
		return err
	}
	if err := r.source.SaveTask(ctx, t); err != nil {
		return err
	}
	r.put(t)
	return nil
}

func (r *CachedRegistry) Close() error {
	return r.cache.Close()
}

func (r *CachedRegistry) put(t ledger.Task) {
	raw, err := json.Marshal(fromTask(t))
	if err != nil {
		return
	}
	if err := r.cache.Set(string(t.ID), raw); err != nil {
		r.logger.Warn("task cache write failed", zap.String("task_id", string(t.ID)), zap.Error(err))
	}
}

// Validate checks the fields the engine depends on.
func Validate(t ledger.Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if strings.HasPrefix(string(t.ID), MilestonePrefix) {
		return fmt.Errorf("%w: id prefix %q is reserved", ErrInvalidTask, MilestonePrefix)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if !t.Reward.IsPositive() {
		return fmt.Errorf("%w: reward must be positive", ErrInvalidTask)
	}
	return nil
}

func fromTask(t ledger.Task) cachedTask {
	return cachedTask{
		ID:               string(t.ID),
		Title:            t.Title,
		Link:             t.Link,
		Reward:           t.Reward.String(),
		Category:         t.Category,
		VerificationType: string(t.VerificationType),
		CreatedAt:        t.CreatedAt,
	}
}

func decodeCachedTask(raw []byte) (*ledger.Task, error) {
	var ct cachedTask
	if err := json.Unmarshal(raw, &ct); err != nil {
		return nil, err
	}
	return ct.toTask()
}

func (ct cachedTask) toTask() (*ledger.Task, error) {
	reward, err := decimal.NewFromString(ct.Reward)
	if err != nil {
		return nil, fmt.Errorf("invalid cached reward %q: %w", ct.Reward, err)
	}
	return &ledger.Task{
		ID:               ledger.TaskID(ct.ID),
		Title:            ct.Title,
		Link:             ct.Link,
		Reward:           reward,
		Category:         ct.Category,
		VerificationType: ledger.VerificationType(ct.VerificationType),
		CreatedAt:        ct.CreatedAt,
	}, nil
}
