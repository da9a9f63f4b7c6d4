/*
store.go - Persistence contract for the reward ledger

PURPOSE:
  Defines the interface between the reward/withdrawal logic and the database.
  Reads return snapshots; the only write is Commit, which applies a ChangeSet
  all-or-nothing under compare-and-swap rules.

COMPARE-AND-SWAP:
  Every User and Withdrawal in a ChangeSet carries the Version it was read
  at (0 means "create"). Commit succeeds only if every stored version still
  matches, then stores each entity with Version+1. If any entity changed
  in between, Commit returns ErrConflict and writes nothing.

ATOMIC UNIT:
  Entity writes and the Transactions documenting them are committed in the
  same unit. A referral touches two users and one transaction; an ad claim
  touches one user and one or two transactions. Either all of it is
  visible afterwards or none of it is.

RETRY LOOP:
  Updater.Update runs read-decide-write: the callback re-reads state,
  validates it, and returns a ChangeSet. On ErrConflict the whole callback
  runs again from scratch, up to MaxRetries attempts. Validation errors
  returned by the callback are passed through untouched.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, versioned rows, unique idempotency keys
  - ledger/store/memory.go: In-memory for tests

SEE ALSO:
  - rewards/engine.go: Uses Updater for ad, task and referral rewards
  - withdrawals/manager.go: Uses Updater for request and decide
*/
package ledger

import (
	"context"
	"errors"
)

// =============================================================================
// STORE - Snapshot reads + atomic CAS commit
// =============================================================================

type Store interface {
	// GetUser returns ErrUserNotFound when the user does not exist.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// ListUsers returns every user ordered by creation time.
	ListUsers(ctx context.Context) ([]User, error)

	// GetWithdrawal returns ErrWithdrawalNotFound when absent.
	GetWithdrawal(ctx context.Context, id WithdrawalID) (*Withdrawal, error)

	// ListWithdrawals returns matching withdrawals ordered by RequestedAt ascending.
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error)

	// Transactions returns the user's log ordered by Timestamp ascending.
	Transactions(ctx context.Context, userID UserID) ([]Transaction, error)

	// ReferredUsers returns users whose ReferredBy equals referrerID.
	ReferredUsers(ctx context.Context, referrerID UserID) ([]User, error)

	// Commit applies cs atomically. See the package comment for CAS rules.
	Commit(ctx context.Context, cs ChangeSet) error
}

// ChangeSet is one logical unit of work.
type ChangeSet struct {
	Users        []User
	Withdrawals  []Withdrawal
	Transactions []Transaction
}

// IsEmpty reports whether the change set would write nothing.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Users) == 0 && len(cs.Withdrawals) == 0 && len(cs.Transactions) == 0
}

// =============================================================================
// UPDATER - Bounded read-decide-write retry loop
// =============================================================================

const DefaultMaxRetries = 5

// UpdateFunc reads current state and decides what to write. Returning a nil
// ChangeSet with a nil error means there is nothing to commit.
type UpdateFunc func(ctx context.Context) (*ChangeSet, error)

type Updater struct {
	Store      Store
	MaxRetries int

	// OnConflict, when set, is called after each conflicting attempt.
	OnConflict func(attempt int)
}

func NewUpdater(store Store, maxRetries int) *Updater {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Updater{Store: store, MaxRetries: maxRetries}
}

// Update runs fn and commits its ChangeSet, retrying on ErrConflict.
func (u *Updater) Update(ctx context.Context, fn UpdateFunc) error {
	for attempt := 1; attempt <= u.MaxRetries; attempt++ {
		cs, err := fn(ctx)
		if err != nil {
			return err
		}
		if cs == nil || cs.IsEmpty() {
			return nil
		}

		err = u.Store.Commit(ctx, *cs)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if u.OnConflict != nil {
			u.OnConflict(attempt)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return &RetriesExhaustedError{Attempts: u.MaxRetries}
}
