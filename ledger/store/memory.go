// Package store provides an in-memory ledger.Store implementation.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	users        map[ledger.UserID]ledger.User
	withdrawals  map[ledger.WithdrawalID]ledger.Withdrawal
	transactions map[ledger.UserID][]ledger.Transaction
	idempotency  map[string]bool
	tasks        map[ledger.TaskID]ledger.Task

	// FailCommit, when set, is returned by Commit before anything is applied.
	FailCommit error
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[ledger.UserID]ledger.User),
		withdrawals:  make(map[ledger.WithdrawalID]ledger.Withdrawal),
		transactions: make(map[ledger.UserID][]ledger.Transaction),
		idempotency:  make(map[string]bool),
		tasks:        make(map[ledger.TaskID]ledger.Task),
	}
}

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUserNotFound, id)
	}
	c := u.Clone()
	return &c, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.User, 0, len(m.users))
	for _, u := range m.users {
		result = append(result, u.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) ReferredUsers(_ context.Context, referrerID ledger.UserID) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.User
	for _, u := range m.users {
		if u.ReferredBy != nil && *u.ReferredBy == referrerID {
			result = append(result, u.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWithdrawalNotFound, id)
	}
	c := w.Clone()
	return &c, nil
}

func (m *Memory) ListWithdrawals(_ context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Withdrawal
	for _, w := range m.withdrawals {
		if filter.Matches(w) {
			result = append(result, w.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RequestedAt.Equal(result[j].RequestedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}

func (m *Memory) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Transaction, len(m.transactions[userID]))
	copy(result, m.transactions[userID])
	return result, nil
}

// Commit checks every version and idempotency key first, then applies all
// writes under the same lock.
func (m *Memory) Commit(_ context.Context, cs ledger.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCommit != nil {
		return m.FailCommit
	}

	for _, u := range cs.Users {
		stored, ok := m.users[u.ID]
		if u.Version == 0 && ok {
			return ledger.ErrConflict
		}
		if u.Version != 0 && (!ok || stored.Version != u.Version) {
			return ledger.ErrConflict
		}
	}
	for _, w := range cs.Withdrawals {
		stored, ok := m.withdrawals[w.ID]
		if w.Version == 0 && ok {
			return ledger.ErrConflict
		}
		if w.Version != 0 && (!ok || stored.Version != w.Version) {
			return ledger.ErrConflict
		}
	}
	seen := make(map[string]bool)
	for _, tx := range cs.Transactions {
		if tx.IdempotencyKey == "" {
			continue
		}
		if m.idempotency[tx.IdempotencyKey] || seen[tx.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}

	for _, u := range cs.Users {
		c := u.Clone()
		c.Version = u.Version + 1
		m.users[u.ID] = c
	}
	for _, w := range cs.Withdrawals {
		c := w.Clone()
		c.Version = w.Version + 1
		m.withdrawals[w.ID] = c
	}
	for _, tx := range cs.Transactions {
		m.appendLocked(tx)
	}
	return nil
}

func (m *Memory) appendLocked(tx ledger.Transaction) {
	txs := m.transactions[tx.UserID]

	// Binary search for insertion point keeps the log ordered by Timestamp.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].Timestamp.After(tx.Timestamp)
	})

	txs = append(txs, ledger.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.transactions[tx.UserID] = txs

	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
}

// =============================================================================
// TASK SOURCE
// =============================================================================

func (m *Memory) GetTask(_ context.Context, id ledger.TaskID) (*ledger.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTaskNotFound, id)
	}
	return &t, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]ledger.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveTask(_ context.Context, t ledger.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tasks[t.ID] = t
	return nil
}
