/*
Package ledger provides the core reward ledger types and storage contract.

PURPOSE:
  This package holds the entities that every reward and withdrawal flows
  through: users with their balances, the append-only transaction log,
  task reference data and withdrawal requests. The reward engine and the
  withdrawal manager both mutate state exclusively through a ChangeSet
  committed against a Store.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: A ledger account with balance, per-category earnings and guards
  - Transaction: An immutable log entry recording a signed balance change
  - Withdrawal: A payout request moving through Pending -> Approved/Rejected
  - Task: Read-only reference data describing a rewarded task

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified after they are written
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing user/task/withdrawal IDs
  4. Reconstructability: Balance always equals the sum of the user's transactions
  5. Optimistic concurrency: Every mutable entity carries a Version stamp

USAGE:
  user := ledger.NewUser("12345", time.Now())
  tx := ledger.Transaction{
      UserID: user.ID,
      Type:   ledger.TxAdWatch,
      Amount: decimal.RequireFromString("0.005"),
  }

SEE ALSO:
  - store.go: Store interface and ChangeSet commit contract
  - errors.go: Error taxonomy
  - replay.go: Balance reconstruction from the transaction log
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TaskID string
type TransactionID string
type WithdrawalID string

// =============================================================================
// AMOUNTS
// =============================================================================

// MustParseDecimal parses s and panics when s is not a decimal. Use it for
// constants only; stored values go through decimal.NewFromString.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// USER - Ledger account
// =============================================================================

// User is the per-user ledger entity. It is only ever mutated through a
// ChangeSet whose Version matches the stored version.
type User struct {
	ID UserID

	Balance            decimal.Decimal
	TotalEarned        decimal.Decimal
	AdEarnings         decimal.Decimal
	TaskEarnings       decimal.Decimal
	ReferralEarnings   decimal.Decimal
	LifetimeCommission decimal.Decimal

	AdsWatched    int64
	LastAdWatchAt *time.Time

	ReferralCount int64
	ReferredBy    *UserID

	CompletedTaskIDs map[TaskID]time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic concurrency stamp. Zero means "not yet stored".
	Version int64
}

// NewUser returns a user with default zero values.
func NewUser(id UserID, now time.Time) User {
	return User{
		ID:                 id,
		Balance:            decimal.Zero,
		TotalEarned:        decimal.Zero,
		AdEarnings:         decimal.Zero,
		TaskEarnings:       decimal.Zero,
		ReferralEarnings:   decimal.Zero,
		LifetimeCommission: decimal.Zero,
		CompletedTaskIDs:   make(map[TaskID]time.Time),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// HasCompleted reports whether taskID is in the user's completed set.
func (u *User) HasCompleted(taskID TaskID) bool {
	_, ok := u.CompletedTaskIDs[taskID]
	return ok
}

// CompletedTasks returns the completed task ids in completion order.
func (u *User) CompletedTasks() []TaskID {
	ids := make([]TaskID, 0, len(u.CompletedTaskIDs))
	for id := range u.CompletedTaskIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := u.CompletedTaskIDs[ids[i]], u.CompletedTaskIDs[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids
}

// Clone returns a deep copy so callers can build a new snapshot without
// touching the one they read.
func (u User) Clone() User {
	c := u
	if u.LastAdWatchAt != nil {
		t := *u.LastAdWatchAt
		c.LastAdWatchAt = &t
	}
	if u.ReferredBy != nil {
		r := *u.ReferredBy
		c.ReferredBy = &r
	}
	c.CompletedTaskIDs = make(map[TaskID]time.Time, len(u.CompletedTaskIDs))
	for k, v := range u.CompletedTaskIDs {
		c.CompletedTaskIDs[k] = v
	}
	return c
}

// =============================================================================
// TASK - Reference data (read-only for the core)
// =============================================================================

type VerificationType string

const (
	VerifyNone    VerificationType = "none"
	VerifyVisit   VerificationType = "visit"
	VerifyChannel VerificationType = "channel_join"
)

type Task struct {
	ID               TaskID
	Title            string
	Link             string
	Reward           decimal.Decimal
	Category         string
	VerificationType VerificationType
	CreatedAt        time.Time
}

// =============================================================================
// TRANSACTION - Append-only log entry
// =============================================================================

type TransactionType string

const (
	TxAdWatch          TransactionType = "ad_watch"
	TxTaskCompletion   TransactionType = "task_completion"
	TxReferral         TransactionType = "referral"
	TxWithdrawalDebit  TransactionType = "withdrawal_debit"
	TxWithdrawalRefund TransactionType = "withdrawal_refund"
)

const TxStatusCompleted = "completed"

type Transaction struct {
	ID        TransactionID
	UserID    UserID
	Type      TransactionType
	Amount    decimal.Decimal // signed: credits positive, debits negative
	Timestamp time.Time
	Status    string

	TaskID         TaskID
	ReferredUserID UserID
	WithdrawalID   WithdrawalID
	Reason         string

	// IdempotencyKey is unique across the whole log.
	IdempotencyKey string
}

// =============================================================================
// WITHDRAWAL - Admin-reviewed payout request
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "Pending"
	WithdrawalApproved WithdrawalStatus = "Approved"
	WithdrawalRejected WithdrawalStatus = "Rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalApproved || s == WithdrawalRejected
}

type Withdrawal struct {
	ID          WithdrawalID
	UserID      UserID
	Amount      decimal.Decimal
	Destination string
	Status      WithdrawalStatus
	RequestedAt time.Time
	ProcessedAt *time.Time
	ProcessedBy *string

	Version int64
}

// Clone returns a deep copy of w.
func (w Withdrawal) Clone() Withdrawal {
	c := w
	if w.ProcessedAt != nil {
		t := *w.ProcessedAt
		c.ProcessedAt = &t
	}
	if w.ProcessedBy != nil {
		s := *w.ProcessedBy
		c.ProcessedBy = &s
	}
	return c
}

// WithdrawalFilter narrows ListWithdrawals. Nil fields match everything.
type WithdrawalFilter struct {
	UserID *UserID
	Status *WithdrawalStatus
}

// Matches reports whether w passes the filter.
func (f WithdrawalFilter) Matches(w Withdrawal) bool {
	if f.UserID != nil && w.UserID != *f.UserID {
		return false
	}
	if f.Status != nil && w.Status != *f.Status {
		return false
	}
	return true
}
