/*
engine.go - Reward engine for ads, tasks and referrals

PURPOSE:
  Grants rewards and keeps each user's balance, per-category earnings and
  transaction log consistent. Every grant is one read-decide-write cycle
  through ledger.Updater: the guards (cooldown, completed task set,
  ReferredBy) are evaluated on the snapshot whose version the commit
  checks, so two concurrent claims can never both pass the same guard.

REWARD FLOW:
  ┌───────────────────────────────────────────────────────────────────┐
  │                                                                   │
  │  Read user   ──▶  Guard  ──▶  Build ChangeSet  ──▶  CAS commit    │
  │      ▲           (reject)     (user + txs)             │          │
  │      │                                                 │          │
  │      └──────────────── ErrConflict (retry) ◀───────────┘          │
  │                                                                   │
  └───────────────────────────────────────────────────────────────────┘

AD MILESTONE:
  When the post-increment ad count equals MilestoneCount exactly, the same
  commit also credits MilestoneBonus as a task reward and marks the
  synthetic task "ads-milestone-<N>" completed. The bonus fires once: the
  count only ever increases.

IDEMPOTENCY KEYS:
  ad:<user>:<n>          n-th granted ad
  milestone:<user>:<n>   milestone bonus
  task:<user>:<task>     task completion
  referral:<referee>     referral credit (one per referee)

SEE ALSO:
  - cooldown.go: Ad cooldown gate
  - ledger/store.go: Updater and ChangeSet contract
  - withdrawals/manager.go: Debits against the same balance
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/metrics"
	"github.com/warp/reward-ledger/tasks"
)

// =============================================================================
// RESULTS
// =============================================================================

type AdClaim struct {
	UserID         ledger.UserID
	Reward         decimal.Decimal
	Bonus          decimal.Decimal // zero unless this claim hit the milestone
	Balance        decimal.Decimal
	AdsWatched     int64
	NextEligibleAt time.Time
}

type TaskCompletion struct {
	UserID  ledger.UserID
	TaskID  ledger.TaskID
	Reward  decimal.Decimal
	Balance decimal.Decimal
}

type ReferralAward struct {
	ReferrerID      ledger.UserID
	RefereeID       ledger.UserID
	Reward          decimal.Decimal
	ReferrerBalance decimal.Decimal
	ReferralCount   int64
}

type ReferralSummary struct {
	UserID             ledger.UserID
	ReferralCount      int64
	ReferralEarnings   decimal.Decimal
	LifetimeCommission decimal.Decimal
	Referees           []ledger.User
}

// Wallet is the balance breakdown shown to a user. PendingWithdrawals is
// informational: pending amounts were already debited from Balance.
type Wallet struct {
	UserID             ledger.UserID
	Balance            decimal.Decimal
	TotalEarned        decimal.Decimal
	AdEarnings         decimal.Decimal
	TaskEarnings       decimal.Decimal
	ReferralEarnings   decimal.Decimal
	PendingWithdrawals decimal.Decimal
	AdsWatched         int64
	NextAdAt           *time.Time
}

// MilestoneTaskID is the synthetic task recorded when a user reaches n ads.
// The prefix is reserved, so no admin task can collide with it.
func MilestoneTaskID(n int64) ledger.TaskID {
	return ledger.TaskID(fmt.Sprintf("%s%d", tasks.MilestonePrefix, n))
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store   ledger.Store
	tasks   tasks.Registry
	cfg     Config
	updater *ledger.Updater
	logger  *zap.Logger
}

func NewEngine(store ledger.Store, registry tasks.Registry, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	updater := ledger.NewUpdater(store, cfg.MaxRetries)
	updater.OnConflict = func(attempt int) {
		metrics.ObserveConflict(attempt)
		logger.Debug("reward commit conflict, retrying", zap.Int("attempt", attempt))
	}
	return &Engine{
		store:   store,
		tasks:   registry,
		cfg:     cfg,
		updater: updater,
		logger:  logger.Named("rewards"),
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// EnsureUser returns the user, creating it with zero balances on first
// contact. created reports whether this call created it.
func (e *Engine) EnsureUser(ctx context.Context, id ledger.UserID, now time.Time) (*ledger.User, bool, error) {
	var (
		result  *ledger.User
		created bool
	)

	err := e.updater.Update(ctx, func(ctx context.Context) (*ledger.ChangeSet, error) {
		created = false
		existing, err := e.store.GetUser(ctx, id)
		if err == nil {
			result = existing
			return nil, nil
		}
		if !errors.Is(err, ledger.ErrUserNotFound) {
			return nil, err
		}

		u := ledger.NewUser(id, now)
		result = &u
		created = true
		return &ledger.ChangeSet{Users: []ledger.User{u}}, nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		result.Version++
		e.logger.Info("user created", zap.String("user_id", string(id)))
	}
	return result, created, nil
}

// ClaimAdReward grants the per-ad reward if the cooldown has elapsed.
func (e *Engine) ClaimAdReward(ctx context.Context, userID ledger.UserID, now time.Time) (*AdClaim, error) {
	var claim *AdClaim

	err := e.updater.Update(ctx, func(ctx context.Context) (*ledger.ChangeSet, error) {
		user, err := e.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		// 1. Cooldown gate
		gate := Eligible(user.LastAdWatchAt, now, e.cfg.AdCooldown)
		if !gate.Allowed {
			return nil, &ledger.CooldownError{
				UserID:         userID,
				Remaining:      gate.Remaining,
				NextEligibleAt: gate.NextEligibleAt,
			}
		}

		// 2. Per-ad credit
		next := user.Clone()
		next.AdsWatched++
		credit(&next, e.cfg.AdReward)
		next.AdEarnings = next.AdEarnings.Add(e.cfg.AdReward)
		watchedAt := now
		next.LastAdWatchAt = &watchedAt
		next.UpdatedAt = now

		txs := []ledger.Transaction{
			newTransaction(userID, ledger.TxAdWatch, e.cfg.AdReward, now,
				fmt.Sprintf("ad:%s:%d", userID, next.AdsWatched)),
		}

		// 3. Milestone bonus on exact equality
		bonus := decimal.Zero
		if e.cfg.MilestoneCount > 0 && next.AdsWatched == e.cfg.MilestoneCount {
			bonus = e.cfg.MilestoneBonus
			credit(&next, bonus)
			next.TaskEarnings = next.TaskEarnings.Add(bonus)

			taskID := MilestoneTaskID(e.cfg.MilestoneCount)
			next.CompletedTaskIDs[taskID] = now

			tx := newTransaction(userID, ledger.TxTaskCompletion, bonus, now,
				fmt.Sprintf("milestone:%s:%d", userID, e.cfg.MilestoneCount))
			tx.TaskID = taskID
			tx.Reason = fmt.Sprintf("Watch %d Ads", e.cfg.MilestoneCount)
			txs = append(txs, tx)
		}

		claim = &AdClaim{
			UserID:         userID,
			Reward:         e.cfg.AdReward,
			Bonus:          bonus,
			Balance:        next.Balance,
			AdsWatched:     next.AdsWatched,
			NextEligibleAt: now.Add(e.cfg.AdCooldown),
		}
		return &ledger.ChangeSet{Users: []ledger.User{next}, Transactions: txs}, nil
	})
	if err != nil {
		e.reject("ad_watch", userID, err)
		return nil, err
	}

	metrics.RewardsGranted.WithLabelValues(string(ledger.TxAdWatch)).Inc()
	if claim.Bonus.IsPositive() {
		metrics.RewardsGranted.WithLabelValues("milestone").Inc()
		e.logger.Info("ad milestone reached",
			zap.String("user_id", string(userID)),
			zap.Int64("ads_watched", claim.AdsWatched),
			zap.String("bonus", claim.Bonus.String()),
		)
	}
	e.logger.Debug("ad reward granted",
		zap.String("user_id", string(userID)),
		zap.Int64("ads_watched", claim.AdsWatched),
		zap.String("balance", claim.Balance.String()),
	)
	return claim, nil
}

// CompleteTask credits the task reward once per (user, task).
func (e *Engine) CompleteTask(ctx context.Context, userID ledger.UserID, taskID ledger.TaskID, now time.Time) (*TaskCompletion, error) {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		e.reject("task_completion", userID, err)
		return nil, err
	}

	var result *TaskCompletion
	err = e.updater.Update(ctx, func(ctx context.Context) (*ledger.ChangeSet, error) {
		user, err := e.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user.HasCompleted(taskID) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAlreadyCompleted, taskID)
		}

		next := user.Clone()
		credit(&next, task.Reward)
		next.TaskEarnings = next.TaskEarnings.Add(task.Reward)
		next.CompletedTaskIDs[taskID] = now
		next.UpdatedAt = now

		tx := newTransaction(userID, ledger.TxTaskCompletion, task.Reward, now,
			fmt.Sprintf("task:%s:%s", userID, taskID))
		tx.TaskID = taskID
		tx.Reason = task.Title

		result = &TaskCompletion{
			UserID:  userID,
			TaskID:  taskID,
			Reward:  task.Reward,
			Balance: next.Balance,
		}
		return &ledger.ChangeSet{Users: []ledger.User{next}, Transactions: []ledger.Transaction{tx}}, nil
	})
	if err != nil {
		e.reject("task_completion", userID, err)
		return nil, err
	}

	metrics.RewardsGranted.WithLabelValues(string(ledger.TxTaskCompletion)).Inc()
	e.logger.Info("task completed",
		zap.String("user_id", string(userID)),
		zap.String("task_id", string(taskID)),
		zap.String("reward", task.Reward.String()),
	)
	return result, nil
}

// AwardReferral links referee to referrer and credits the referrer. Both
// users and the referral transaction are written in one commit.
func (e *Engine) AwardReferral(ctx context.Context, referrerID, refereeID ledger.UserID, now time.Time) (*ReferralAward, error) {
	if referrerID == refereeID {
		e.reject("referral", referrerID, ledger.ErrSelfReferral)
		return nil, ledger.ErrSelfReferral
	}

	var award *ReferralAward
	err := e.updater.Update(ctx, func(ctx context.Context) (*ledger.ChangeSet, error) {
		referrer, err := e.store.GetUser(ctx, referrerID)
		if err != nil {
			return nil, fmt.Errorf("referrer: %w", err)
		}
		referee, err := e.store.GetUser(ctx, refereeID)
		if err != nil {
			return nil, fmt.Errorf("referee: %w", err)
		}
		if referee.ReferredBy != nil {
			return nil, fmt.Errorf("%w: %s already referred by %s", ledger.ErrAlreadyReferred, refereeID, *referee.ReferredBy)
		}

		nextReferee := referee.Clone()
		by := referrerID
		nextReferee.ReferredBy = &by
		nextReferee.UpdatedAt = now

		nextReferrer := referrer.Clone()
		credit(&nextReferrer, e.cfg.ReferralReward)
		nextReferrer.ReferralEarnings = nextReferrer.ReferralEarnings.Add(e.cfg.ReferralReward)
		nextReferrer.LifetimeCommission = nextReferrer.LifetimeCommission.Add(e.cfg.ReferralReward)
		nextReferrer.ReferralCount++
		nextReferrer.UpdatedAt = now

		tx := newTransaction(referrerID, ledger.TxReferral, e.cfg.ReferralReward, now,
			fmt.Sprintf("referral:%s", refereeID))
		tx.ReferredUserID = refereeID

		award = &ReferralAward{
			ReferrerID:      referrerID,
			RefereeID:       refereeID,
			Reward:          e.cfg.ReferralReward,
			ReferrerBalance: nextReferrer.Balance,
			ReferralCount:   nextReferrer.ReferralCount,
		}
		return &ledger.ChangeSet{
			Users:        []ledger.User{nextReferrer, nextReferee},
			Transactions: []ledger.Transaction{tx},
		}, nil
	})
	if err != nil {
		e.reject("referral", referrerID, err)
		return nil, err
	}

	metrics.RewardsGranted.WithLabelValues(string(ledger.TxReferral)).Inc()
	e.logger.Info("referral recorded",
		zap.String("referrer_id", string(referrerID)),
		zap.String("referee_id", string(refereeID)),
	)
	return award, nil
}

func (e *Engine) ReferralSummary(ctx context.Context, userID ledger.UserID) (*ReferralSummary, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	referees, err := e.store.ReferredUsers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list referees: %w", err)
	}
	return &ReferralSummary{
		UserID:             userID,
		ReferralCount:      user.ReferralCount,
		ReferralEarnings:   user.ReferralEarnings,
		LifetimeCommission: user.LifetimeCommission,
		Referees:           referees,
	}, nil
}

func (e *Engine) Wallet(ctx context.Context, userID ledger.UserID) (*Wallet, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pending := ledger.WithdrawalPending
	ws, err := e.store.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: &userID, Status: &pending})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	pendingTotal := decimal.Zero
	for _, w := range ws {
		pendingTotal = pendingTotal.Add(w.Amount)
	}

	wallet := &Wallet{
		UserID:             userID,
		Balance:            user.Balance,
		TotalEarned:        user.TotalEarned,
		AdEarnings:         user.AdEarnings,
		TaskEarnings:       user.TaskEarnings,
		ReferralEarnings:   user.ReferralEarnings,
		PendingWithdrawals: pendingTotal,
		AdsWatched:         user.AdsWatched,
	}
	if user.LastAdWatchAt != nil {
		next := user.LastAdWatchAt.Add(e.cfg.AdCooldown)
		wallet.NextAdAt = &next
	}
	return wallet, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func credit(u *ledger.User, amount decimal.Decimal) {
	u.Balance = u.Balance.Add(amount)
	u.TotalEarned = u.TotalEarned.Add(amount)
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

func (e *Engine) reject(kind string, userID ledger.UserID, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ledger.ErrCooldownActive):
		reason = "cooldown"
	case errors.Is(err, ledger.ErrAlreadyCompleted):
		reason = "already_completed"
	case errors.Is(err, ledger.ErrAlreadyReferred):
		reason = "already_referred"
	case errors.Is(err, ledger.ErrSelfReferral):
		reason = "self_referral"
	case ledger.IsNotFound(err):
		reason = "not_found"
	case ledger.IsRetryable(err):
		reason = "conflict"
	}
	metrics.RewardsRejected.WithLabelValues(reason).Inc()

	if reason == "error" || reason == "conflict" {
		e.logger.Warn("reward failed",
			zap.String("kind", kind),
			zap.String("user_id", string(userID)),
			zap.Error(err),
		)
		return
	}
	e.logger.Debug("reward refused",
		zap.String("kind", kind),
		zap.String("user_id", string(userID)),
		zap.String("reason", reason),
	)
}
