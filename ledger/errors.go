/*
errors.go - Centralized error types for the reward ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  The reward engine, the withdrawal manager and the HTTP layer classify
  failures with errors.Is / errors.As against these values.

ERROR CATEGORIES:
  1. Not found - user, task or withdrawal missing
  2. Validation - business rule violations, computed before any write
  3. Store - CAS conflicts (transient) and unavailable storage (fatal)

USAGE:
  if errors.Is(err, ledger.ErrCooldownActive) {
      var cd *ledger.CooldownError
      errors.As(err, &cd)
      fmt.Println(cd.Remaining)
  }

SEE ALSO:
  - store.go: Update retry loop returning RetriesExhaustedError
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the parent of every not-found error.
	ErrNotFound = errors.New("not found")

	ErrUserNotFound       = fmt.Errorf("user %w", ErrNotFound)
	ErrTaskNotFound       = fmt.Errorf("task %w", ErrNotFound)
	ErrWithdrawalNotFound = fmt.Errorf("withdrawal %w", ErrNotFound)

	// ErrCooldownActive is returned when an ad claim arrives before the
	// cooldown period has elapsed. See CooldownError for the remaining time.
	ErrCooldownActive = errors.New("cooldown active")

	// ErrAlreadyCompleted is returned when a task is completed a second time.
	ErrAlreadyCompleted = errors.New("task already completed")

	// ErrAlreadyReferred is returned when the referee already has a referrer.
	ErrAlreadyReferred = errors.New("user already referred")

	// ErrSelfReferral is returned when referrer and referee are the same user.
	ErrSelfReferral = errors.New("cannot refer yourself")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for amounts below the configured minimum.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTransition is returned when a withdrawal decision is applied
	// to a withdrawal that is not pending.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict is returned when a compare-and-swap commit finds that an
	// entity changed since it was read. Callers retry the read-decide-write cycle.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. Nothing from the ChangeSet is written.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrStoreUnavailable wraps infrastructure failures of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CooldownError carries the time left before the next ad claim is allowed.
type CooldownError struct {
	UserID         UserID
	Remaining      time.Duration
	NextEligibleAt time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active: %s remaining", e.Remaining)
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldownActive
}

// RemainingSeconds rounds the remaining cooldown up to whole seconds.
func (e *CooldownError) RemainingSeconds() int64 {
	secs := int64(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InvalidTransitionError describes a rejected withdrawal state change.
type InvalidTransitionError struct {
	WithdrawalID WithdrawalID
	From         WithdrawalStatus
	To           WithdrawalStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for withdrawal %s: %s -> %s", e.WithdrawalID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// RetriesExhaustedError is returned by Update when every attempt conflicted.
type RetriesExhaustedError struct {
	Attempts int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d conflicting attempts", e.Attempts)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return ErrConflict
}

// ReconciliationError reports a user whose balance does not match the
// replayed transaction log.
type ReconciliationError struct {
	UserID   UserID
	Balance  decimal.Decimal
	Replayed decimal.Decimal
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("ledger mismatch for user %s: balance %s, transactions sum to %s",
		e.UserID, e.Balance, e.Replayed)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to a rule violation by the caller.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCooldownActive) ||
		errors.Is(err, ErrAlreadyCompleted) ||
		errors.Is(err, ErrAlreadyReferred) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
