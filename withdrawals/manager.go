/*
manager.go - Withdrawal request lifecycle

PURPOSE:
  Moves a payout request through its three states and keeps the user's
  balance and transaction log consistent at every step:
  1. Request: Validate, debit the balance, record a Pending withdrawal
  2. Approve: Mark processed; the debit stands
  3. Reject:  Mark processed and refund the amount

STATE MACHINE:
  ┌──────────────────────────────────────────────────────────────┐
  │                                                              │
  │                     ┌──────────┐                             │
  │   Request  ──▶      │ Pending  │ ──── Approve ──▶ Approved   │
  │   (debit)           └──────────┘                             │
  │                          │                                   │
  │                          └────── Reject ──▶ Rejected         │
  │                                             (refund)         │
  │                                                              │
  └──────────────────────────────────────────────────────────────┘

  Approved and Rejected are terminal. A second decision on the same
  withdrawal fails with InvalidTransitionError, so a refund can be issued
  at most once.

DEBIT AT REQUEST TIME:
  The amount leaves Balance when the request is created so a user cannot
  request the same funds twice while an admin reviews the first request.

SEE ALSO:
  - ledger/store.go: Updater and ChangeSet contract
  - rewards/engine.go: Credits against the same balance
*/
package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/metrics"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	MinAmount  decimal.Decimal
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		MinAmount:  decimal.NewFromInt(1),
		MaxRetries: ledger.DefaultMaxRetries,
	}
}

var ErrInvalidConfig = errors.New("invalid withdrawals config")

func (c Config) Validate() error {
	if c.MinAmount.IsNegative() {
		return fmt.Errorf("%w: min amount must not be negative, got %s", ErrInvalidConfig, c.MinAmount)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	return nil
}

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	store   ledger.Store
	cfg     Config
	updater *ledger.Updater
	logger  *zap.Logger
}

func NewManager(store ledger.Store, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	updater := ledger.NewUpdater(store, cfg.MaxRetries)
	updater.OnConflict = func(attempt int) {
		metrics.ObserveConflict(attempt)
		logger.Debug("withdrawal commit conflict, retrying", zap.Int("attempt", attempt))
	}
	return &Manager{
		store:   store,
		cfg:     cfg,
		updater: updater,
		logger:  logger.Named("withdrawals"),
	}
}

// Request debits amount from the user and records a Pending withdrawal.
func (m *Manager) Request(ctx context.Context, userID ledger.UserID, amount decimal.Decimal, destination string, now time.Time) (*ledger.Withdrawal, error) {
	destination = strings.TrimSpace(destination)
	if !amount.IsPositive() || amount.LessThan(m.cfg.MinAmount) {
		return nil, fmt.Errorf("%w: minimum withdrawal is %s, got %s", ledger.ErrInvalidAmount, m.cfg.MinAmount, amount)
	}
	if destination == "" {
		return nil, fmt.Errorf("%w: destination is required", ledger.ErrInvalidAmount)
	}

	id := ledger.WithdrawalID(uuid.NewString())
	var result *ledger.Withdrawal

	err := m.updater.Update(ctx, func(ctx context.Context) (*ledger.ChangeSet, error) {
		user, err := m.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if amount.GreaterThan(user.Balance) {
			return nil, &ledger.InsufficientBalanceError{
				UserID:    userID,
				Available: user.Balance,
				Requested: amount,
				Shortfall: amount.Sub(user.Balance),
			}
		}

		next := user.Clone()
		next.Balance = next.Balance.Sub(amount)
		next.UpdatedAt = now

		w := ledger.Withdrawal{
			ID:          id,
			UserID:      userID,
			Amount:      amount,
			Destination: destination,
			Status:      ledger.WithdrawalPending,
			RequestedAt: now,
		}

		tx := newTransaction(userID, ledger.TxWithdrawalDebit, amount.Neg(), now,
			fmt.Sprintf("withdrawal:%s:debit", id))
		tx.WithdrawalID = id
		tx.Reason = "withdrawal to " + destination

		result = &w
		return &ledger.ChangeSet{
			Users:        []ledger.User{next},
			Withdrawals:  []ledger.Withdrawal{w},
			Transactions: []ledger.Transaction{tx},
		}, nil
	})
	if err != nil {
		m.logger.Info("withdrawal request refused",
			zap.String("user_id", string(userID)),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return nil, err
	}

	result.Version = 1
	metrics.WithdrawalsTotal.WithLabelValues(string(ledger.WithdrawalPending)).Inc()
	m.logger.Info("withdrawal requested",
		zap.String("withdrawal_id", string(id)),
		zap.String("user_id", string(userID)),
		zap.String("amount", amount.String()),
	)
	return result, nil
}

// Decide applies an admin decision to a Pending withdrawal. Rejection
// refunds the amount in the same commit.
func (m *Manager) Decide(ctx context.Context, id ledger.WithdrawalID, decision ledger.WithdrawalStatus, adminID string, now time.Time) (*ledger.Withdrawal, error) {
	var result *ledger.Withdrawal
	err := m.updater.Update(ctx, func(ctx context.Context) (*ledger.ChangeSet, error) {
		w, err := m.store.GetWithdrawal(ctx, id)
		if err != nil {
			return nil, err
		}
		validDecision := decision == ledger.WithdrawalApproved || decision == ledger.WithdrawalRejected
		if w.Status != ledger.WithdrawalPending || !validDecision {
			return nil, &ledger.InvalidTransitionError{WithdrawalID: id, From: w.Status, To: decision}
		}

		next := w.Clone()
		next.Status = decision
		processedAt := now
		processedBy := adminID
		next.ProcessedAt = &processedAt
		next.ProcessedBy = &processedBy

		cs := &ledger.ChangeSet{Withdrawals: []ledger.Withdrawal{next}}

		if decision == ledger.WithdrawalRejected {
			user, err := m.store.GetUser(ctx, w.UserID)
			if err != nil {
				return nil, err
			}
			nextUser := user.Clone()
			nextUser.Balance = nextUser.Balance.Add(w.Amount)
			nextUser.UpdatedAt = now

			tx := newTransaction(w.UserID, ledger.TxWithdrawalRefund, w.Amount, now,
				fmt.Sprintf("withdrawal:%s:refund", id))
			tx.WithdrawalID = id
			tx.Reason = "withdrawal rejected"

			cs.Users = []ledger.User{nextUser}
			cs.Transactions = []ledger.Transaction{tx}
		}

		result = &next
		return cs, nil
	})
	if err != nil {
		m.logger.Info("withdrawal decision refused",
			zap.String("withdrawal_id", string(id)),
			zap.String("decision", string(decision)),
			zap.Error(err),
		)
		return nil, err
	}

	result.Version++
	metrics.WithdrawalsTotal.WithLabelValues(string(decision)).Inc()
	m.logger.Info("withdrawal decided",
		zap.String("withdrawal_id", string(id)),
		zap.String("user_id", string(result.UserID)),
		zap.String("decision", string(decision)),
		zap.String("admin_id", adminID),
	)
	return result, nil
}

// ListPending returns pending withdrawals, oldest first.
func (m *Manager) ListPending(ctx context.Context) ([]ledger.Withdrawal, error) {
	pending := ledger.WithdrawalPending
	return m.List(ctx, ledger.WithdrawalFilter{Status: &pending})
}

func (m *Manager) List(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	ws, err := m.store.ListWithdrawals(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return ws, nil
}

func newTransaction(userID ledger.UserID, typ ledger.TransactionType, amount decimal.Decimal, at time.Time, key string) ledger.Transaction {
	return ledger.Transaction{
		ID:             ledger.TransactionID(uuid.NewString()),
		UserID:         userID,
		Type:           typ,
		Amount:         amount,
		Timestamp:      at,
		Status:         ledger.TxStatusCompleted,
		IdempotencyKey: key,
	}
}
