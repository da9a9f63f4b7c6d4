/*
replay.go - Balance reconstruction from the append-only transaction log

PURPOSE:
  The transaction log is the audit trail for every balance change. A user's
  stored Balance must always equal the sum of the signed amounts of that
  user's transactions. Replay recomputes that sum; Verify compares it to the
  stored balance and is used by the reconciliation job and by tests.

EXAMPLE FLOW:
  1. Watch ad:               ad_watch          +0.005
  2. Complete task:          task_completion   +0.5
  3. Request withdrawal:     withdrawal_debit  -0.5
  4. Admin rejects:          withdrawal_refund +0.5

  Replay = 0.505, which must equal User.Balance.

SEE ALSO:
  - api/scheduler.go: Periodic reconciliation using Verify
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Replay sums the signed amounts of txs.
func Replay(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total
}

// BalanceAt sums the amounts of transactions at or before at.
func BalanceAt(txs []Transaction, at time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Timestamp.After(at) {
			continue
		}
		total = total.Add(tx.Amount)
	}
	return total
}

// RunningBalances returns the balance after each transaction, in order.
func RunningBalances(txs []Transaction) []decimal.Decimal {
	out := make([]decimal.Decimal, len(txs))
	running := decimal.Zero
	for i, tx := range txs {
		running = running.Add(tx.Amount)
		out[i] = running
	}
	return out
}

// Verify checks the reconstructability invariant for user.
func Verify(user User, txs []Transaction) error {
	replayed := Replay(txs)
	if !user.Balance.Equal(replayed) || user.Balance.IsNegative() {
		return &ReconciliationError{UserID: user.ID, Balance: user.Balance, Replayed: replayed}
	}
	return nil
}

// EarningsByType totals credits per transaction type.
func EarningsByType(txs []Transaction) map[TransactionType]decimal.Decimal {
	out := make(map[TransactionType]decimal.Decimal)
	for _, tx := range txs {
		cur, ok := out[tx.Type]
		if !ok {
			cur = decimal.Zero
		}
		out[tx.Type] = cur.Add(tx.Amount)
	}
	return out
}
