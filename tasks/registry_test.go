package tasks_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
	"github.com/warp/reward-ledger/tasks"
)

// countingSource records how often the registry reaches the backing store.
type countingSource struct {
	*store.Memory
	gets atomic.Int64
}

func (c *countingSource) GetTask(ctx context.Context, id ledger.TaskID) (*ledger.Task, error) {
	c.gets.Add(1)
	return c.Memory.GetTask(ctx, id)
}

func newRegistry(t *testing.T) (*tasks.CachedRegistry, *countingSource) {
	t.Helper()
	src := &countingSource{Memory: store.NewMemory()}
	reg, err := tasks.NewCachedRegistry(context.Background(), src, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, src
}

func sampleTask(id ledger.TaskID) ledger.Task {
	return ledger.Task{
		ID:               id,
		Title:            "Follow us",
		Link:             "https://t.me/example",
		Reward:           decimal.RequireFromString("0.25"),
		Category:         "social",
		VerificationType: ledger.VerifyChannel,
		CreatedAt:        time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCachedRegistry_ReadThrough(t *testing.T) {
	reg, src := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, src.Memory.SaveTask(ctx, sampleTask("follow")))

	first, err := reg.GetTask(ctx, "follow")
	require.NoError(t, err)
	second, err := reg.GetTask(ctx, "follow")
	require.NoError(t, err)

	assert.Equal(t, int64(1), src.gets.Load(), "second lookup should be served from cache")
	assert.Equal(t, first.Title, second.Title)
	assert.True(t, second.Reward.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, ledger.VerifyChannel, second.VerificationType)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
}

func TestCachedRegistry_SaveRefreshesCache(t *testing.T) {
	reg, src := newRegistry(t)
	ctx := context.Background()

	task := sampleTask("follow")
	require.NoError(t, reg.SaveTask(ctx, task))

	task.Reward = decimal.RequireFromString("0.5")
	require.NoError(t, reg.SaveTask(ctx, task))

	got, err := reg.GetTask(ctx, "follow")
	require.NoError(t, err)
	assert.True(t, got.Reward.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(0), src.gets.Load())

	list, err := reg.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCachedRegistry_NotFound(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.GetTask(context.Background(), "missing")
	assert.True(t, errors.Is(err, ledger.ErrTaskNotFound))
}

func TestValidate(t *testing.T) {
	ok := sampleTask("t")
	assert.NoError(t, tasks.Validate(ok))

	noID := ok
	noID.ID = ""
	assert.ErrorIs(t, tasks.Validate(noID), tasks.ErrInvalidTask)

	noTitle := ok
	noTitle.Title = ""
	assert.ErrorIs(t, tasks.Validate(noTitle), tasks.ErrInvalidTask)

	zero := ok
	zero.Reward = decimal.Zero
	assert.ErrorIs(t, tasks.Validate(zero), tasks.ErrInvalidTask)
}

func TestValidate_ReservedMilestonePrefix(t *testing.T) {
	// GIVEN: A task whose id collides with the milestone namespace
	reserved := sampleTask(tasks.MilestonePrefix + "100")

	// WHEN/THEN: Validation and SaveTask both refuse it
	assert.ErrorIs(t, tasks.Validate(reserved), tasks.ErrInvalidTask)

	reg, src := newRegistry(t)
	err := reg.SaveTask(context.Background(), reserved)
	assert.ErrorIs(t, err, tasks.ErrInvalidTask)

	_, err = src.Memory.GetTask(context.Background(), reserved.ID)
	assert.True(t, errors.Is(err, ledger.ErrTaskNotFound))

	// A task that merely mentions milestones is fine
	assert.NoError(t, tasks.Validate(sampleTask("watch-ads-milestone")))
}
