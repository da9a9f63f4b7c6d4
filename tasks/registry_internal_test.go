package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
)

func TestCachedRegistry_UndecodableEntryFallsBackToSource(t *testing.T) {
	// GIVEN: A stored task and a cache entry with a corrupt reward
	ctx := context.Background()
	src := store.NewMemory()
	require.NoError(t, src.SaveTask(ctx, ledger.Task{
		ID: "join", Title: "Join", Reward: decimal.RequireFromString("0.25"),
	}))

	reg, err := NewCachedRegistry(ctx, src, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	require.NoError(t, reg.cache.Set("join", []byte(`{"id":"join","title":"Join","reward":"oops"}`)))

	// WHEN: The task is looked up
	got, err := reg.GetTask(ctx, "join")

	// THEN: The source value is returned, never a zero reward
	require.NoError(t, err)
	assert.True(t, got.Reward.Equal(decimal.RequireFromString("0.25")), got.Reward.String())

	// AND: The cache now holds the good value
	raw, err := reg.cache.Get("join")
	require.NoError(t, err)
	cached, err := decodeCachedTask(raw)
	require.NoError(t, err)
	assert.True(t, cached.Reward.Equal(got.Reward))
}

func TestCachedTask_RejectsBadReward(t *testing.T) {
	_, err := cachedTask{ID: "t", Reward: ""}.toTask()
	assert.Error(t, err)
}
