package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
)

// seedUser commits a user whose balance matches a single credit.
func seedUser(t *testing.T, mem *store.Memory, id ledger.UserID, amount string) {
	t.Helper()
	u := ledger.NewUser(id, t0)
	u.Balance = ledger.MustParseDecimal(amount)
	u.TotalEarned = u.Balance
	u.TaskEarnings = u.Balance

	err := mem.Commit(context.Background(), ledger.ChangeSet{
		Users: []ledger.User{u},
		Transactions: []ledger.Transaction{{
			ID:             ledger.TransactionID("seed-" + string(id)),
			UserID:         id,
			Type:           ledger.TxTaskCompletion,
			Amount:         u.Balance,
			Timestamp:      t0,
			Status:         ledger.TxStatusCompleted,
			IdempotencyKey: "seed:" + string(id),
		}},
	})
	require.NoError(t, err)
}

func TestReconciler_DetectsMismatch(t *testing.T) {
	// GIVEN: One consistent user and one whose balance drifted from the log
	mem := store.NewMemory()
	seedUser(t, mem, "alice", "1")
	seedUser(t, mem, "bob", "2")

	ctx := context.Background()
	bob, err := mem.GetUser(ctx, "bob")
	require.NoError(t, err)
	bob.Balance = bob.Balance.Add(ledger.MustParseDecimal("0.5"))
	require.NoError(t, mem.Commit(ctx, ledger.ChangeSet{Users: []ledger.User{*bob}}))

	rec := NewReconciler(mem, nil)
	assert.Nil(t, rec.Last())

	// WHEN: A pass runs
	report, err := rec.Run(ctx)

	// THEN: Only bob is reported
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, ledger.UserID("bob"), report.Mismatches[0].UserID)
	assert.True(t, report.Mismatches[0].Replayed.Equal(ledger.MustParseDecimal("2")))
	assert.Same(t, report, rec.Last())
}

func TestReconciler_ListFailure(t *testing.T) {
	rec := NewReconciler(failingLister{Memory: store.NewMemory()}, nil)

	_, err := rec.Run(context.Background())

	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.Nil(t, rec.Last())
}

func TestReconciliationScheduler_RunsImmediately(t *testing.T) {
	mem := store.NewMemory()
	seedUser(t, mem, "alice", "1")

	rec := NewReconciler(mem, nil)
	s := NewReconciliationScheduler(rec, time.Hour, nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	require.Eventually(t, func() bool { return rec.Last() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rec.Last().OK())

	require.NoError(t, s.Stop())
	// Stopping twice is harmless
	assert.NoError(t, s.Stop())
}

type failingLister struct {
	*store.Memory
}

func (failingLister) ListUsers(context.Context) ([]ledger.User, error) {
	return nil, ledger.ErrStoreUnavailable
}
