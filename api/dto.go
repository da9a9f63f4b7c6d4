/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

AMOUNTS:
  All amounts are decimal.Decimal and serialize as JSON strings
  ("0.005") so clients never see float rounding.

VALIDATION:
  Validation is done in handlers and services, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/rewards"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID                 string          `json:"id"`
	Balance            decimal.Decimal `json:"balance"`
	TotalEarned        decimal.Decimal `json:"total_earned"`
	AdEarnings         decimal.Decimal `json:"ad_earnings"`
	TaskEarnings       decimal.Decimal `json:"task_earnings"`
	ReferralEarnings   decimal.Decimal `json:"referral_earnings"`
	LifetimeCommission decimal.Decimal `json:"lifetime_commission"`
	AdsWatched         int64           `json:"ads_watched"`
	LastAdWatchAt      string          `json:"last_ad_watch_at,omitempty"`
	ReferralCount      int64           `json:"referral_count"`
	ReferredBy         string          `json:"referred_by,omitempty"`
	CompletedTasks     []string        `json:"completed_tasks"`
	CreatedAt          string          `json:"created_at"`
}

// GetUserResponse wraps the user with whether this call created it.
type GetUserResponse struct {
	User    UserDTO `json:"user"`
	Created bool    `json:"created"`
}

func toUserDTO(u ledger.User) UserDTO {
	dto := UserDTO{
		ID:                 string(u.ID),
		Balance:            u.Balance,
		TotalEarned:        u.TotalEarned,
		AdEarnings:         u.AdEarnings,
		TaskEarnings:       u.TaskEarnings,
		ReferralEarnings:   u.ReferralEarnings,
		LifetimeCommission: u.LifetimeCommission,
		AdsWatched:         u.AdsWatched,
		ReferralCount:      u.ReferralCount,
		CompletedTasks:     []string{},
		CreatedAt:          u.CreatedAt.Format(time.RFC3339),
	}
	if u.LastAdWatchAt != nil {
		dto.LastAdWatchAt = u.LastAdWatchAt.Format(time.RFC3339)
	}
	if u.ReferredBy != nil {
		dto.ReferredBy = string(*u.ReferredBy)
	}
	for _, id := range u.CompletedTasks() {
		dto.CompletedTasks = append(dto.CompletedTasks, string(id))
	}
	return dto
}

// =============================================================================
// ADS
// =============================================================================

type ClaimAdRequest struct {
	AdCompleted *bool `json:"ad_completed"`
}

type AdClaimResponse struct {
	Reward     decimal.Decimal `json:"reward"`
	Bonus      decimal.Decimal `json:"bonus"`
	Balance    decimal.Decimal `json:"balance"`
	AdsWatched int64           `json:"ads_watched"`
	NextAdAt   string          `json:"next_ad_at"`
}

// =============================================================================
// TASKS
// =============================================================================

type TaskDTO struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Link             string          `json:"link,omitempty"`
	Reward           decimal.Decimal `json:"reward"`
	Category         string          `json:"category,omitempty"`
	VerificationType string          `json:"verification_type,omitempty"`
	Completed        bool            `json:"completed,omitempty"`
}

type CreateTaskRequest struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Link             string          `json:"link"`
	Reward           decimal.Decimal `json:"reward"`
	Category         string          `json:"category"`
	VerificationType string          `json:"verification_type"`
}

type TaskCompletionResponse struct {
	TaskID  string          `json:"task_id"`
	Reward  decimal.Decimal `json:"reward"`
	Balance decimal.Decimal `json:"balance"`
}

func toTaskDTO(t ledger.Task) TaskDTO {
	return TaskDTO{
		ID:               string(t.ID),
		Title:            t.Title,
		Link:             t.Link,
		Reward:           t.Reward,
		Category:         t.Category,
		VerificationType: string(t.VerificationType),
	}
}

// =============================================================================
// REFERRALS
// =============================================================================

type RecordReferralRequest struct {
	ReferrerID string `json:"referrer_id"`
	RefereeID  string `json:"referee_id"`
}

type ReferralAwardResponse struct {
	ReferrerID      string          `json:"referrer_id"`
	RefereeID       string          `json:"referee_id"`
	Reward          decimal.Decimal `json:"reward"`
	ReferrerBalance decimal.Decimal `json:"referrer_balance"`
	ReferralCount   int64           `json:"referral_count"`
}

type RefereeDTO struct {
	ID       string `json:"id"`
	JoinedAt string `json:"joined_at"`
}

type ReferralSummaryDTO struct {
	UserID             string          `json:"user_id"`
	ReferralCount      int64           `json:"referral_count"`
	ReferralEarnings   decimal.Decimal `json:"referral_earnings"`
	LifetimeCommission decimal.Decimal `json:"lifetime_commission"`
	Referees           []RefereeDTO    `json:"referees"`
}

func toReferralSummaryDTO(s *rewards.ReferralSummary) ReferralSummaryDTO {
	dto := ReferralSummaryDTO{
		UserID:             string(s.UserID),
		ReferralCount:      s.ReferralCount,
		ReferralEarnings:   s.ReferralEarnings,
		LifetimeCommission: s.LifetimeCommission,
		Referees:           make([]RefereeDTO, len(s.Referees)),
	}
	for i, u := range s.Referees {
		dto.Referees[i] = RefereeDTO{ID: string(u.ID), JoinedAt: u.CreatedAt.Format(time.RFC3339)}
	}
	return dto
}

// =============================================================================
// WALLET / TRANSACTIONS
// =============================================================================

type WalletDTO struct {
	UserID             string          `json:"user_id"`
	Balance            decimal.Decimal `json:"balance"`
	TotalEarned        decimal.Decimal `json:"total_earned"`
	AdEarnings         decimal.Decimal `json:"ad_earnings"`
	TaskEarnings       decimal.Decimal `json:"task_earnings"`
	ReferralEarnings   decimal.Decimal `json:"referral_earnings"`
	PendingWithdrawals decimal.Decimal `json:"pending_withdrawals"`
	AdsWatched         int64           `json:"ads_watched"`
	NextAdAt           string          `json:"next_ad_at,omitempty"`
}

func toWalletDTO(w *rewards.Wallet) WalletDTO {
	dto := WalletDTO{
		UserID:             string(w.UserID),
		Balance:            w.Balance,
		TotalEarned:        w.TotalEarned,
		AdEarnings:         w.AdEarnings,
		TaskEarnings:       w.TaskEarnings,
		ReferralEarnings:   w.ReferralEarnings,
		PendingWithdrawals: w.PendingWithdrawals,
		AdsWatched:         w.AdsWatched,
	}
	if w.NextAdAt != nil {
		dto.NextAdAt = w.NextAdAt.Format(time.RFC3339)
	}
	return dto
}

// TransactionDTO represents a log entry with the running balance after it.
type TransactionDTO struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      string          `json:"timestamp"`
	Status         string          `json:"status"`
	TaskID         string          `json:"task_id,omitempty"`
	ReferredUserID string          `json:"referred_user_id,omitempty"`
	WithdrawalID   string          `json:"withdrawal_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

type DecisionRequest struct {
	Decision string `json:"decision"`
	AdminID  string `json:"admin_id"`
}

type WithdrawalDTO struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	Status      string          `json:"status"`
	RequestedAt string          `json:"requested_at"`
	ProcessedAt string          `json:"processed_at,omitempty"`
	ProcessedBy string          `json:"processed_by,omitempty"`
}

func toWithdrawalDTO(w ledger.Withdrawal) WithdrawalDTO {
	dto := WithdrawalDTO{
		ID:          string(w.ID),
		UserID:      string(w.UserID),
		Amount:      w.Amount,
		Destination: w.Destination,
		Status:      string(w.Status),
		RequestedAt: w.RequestedAt.Format(time.RFC3339),
	}
	if w.ProcessedAt != nil {
		dto.ProcessedAt = w.ProcessedAt.Format(time.RFC3339)
	}
	if w.ProcessedBy != nil {
		dto.ProcessedBy = *w.ProcessedBy
	}
	return dto
}

func toWithdrawalDTOs(ws []ledger.Withdrawal) []WithdrawalDTO {
	dtos := make([]WithdrawalDTO, len(ws))
	for i, w := range ws {
		dtos[i] = toWithdrawalDTO(w)
	}
	return dtos
}

// =============================================================================
// ADMIN
// =============================================================================

type ReconcileReportDTO struct {
	Checked    int           `json:"checked"`
	Mismatches []MismatchDTO `json:"mismatches"`
	Errors     []string      `json:"errors,omitempty"`
	StartedAt  string        `json:"started_at"`
	Duration   string        `json:"duration"`
}

type MismatchDTO struct {
	UserID   string          `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	Replayed decimal.Decimal `json:"replayed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Details  any    `json:"details,omitempty"`
	TimeLeft *int64 `json:"time_left,omitempty"`
}
