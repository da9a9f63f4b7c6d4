/*
handlers.go - HTTP API handlers for the reward ledger

PURPOSE:
  Exposes the reward engine and withdrawal manager via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the
  services. No balance arithmetic happens here.

ENDPOINTS:
  Users:
    GET    /api/users/{id}                       Get (or create on first contact)
    POST   /api/users/{id}/ads/claim             Claim the per-ad reward
    POST   /api/users/{id}/tasks/{taskID}/complete
    GET    /api/users/{id}/referrals             Referral summary
    GET    /api/users/{id}/wallet                Balance breakdown
    GET    /api/users/{id}/transactions          History with running balance
    POST   /api/users/{id}/withdrawals           Request a withdrawal
    GET    /api/users/{id}/withdrawals           Withdrawal history

  Public:
    GET    /api/tasks                            Task catalog
    POST   /api/referrals                        Record a referral (signed by the referee)

  Admin:
    GET    /api/admin/users
    GET    /api/admin/withdrawals[?status=]
    GET    /api/admin/withdrawals/pending
    POST   /api/admin/withdrawals/{id}/decision
    POST   /api/admin/tasks
    POST   /api/admin/reconcile

ERROR HANDLING:
  Service errors are mapped to HTTP status in one place, writeDomainError:
  - 400: Invalid input, invalid amount, self referral
  - 404: User, task or withdrawal not found
  - 409: Already completed, already referred, invalid transition
  - 422: Insufficient balance
  - 429: Ad cooldown active (time_left in seconds)
  - 503: Gave up after repeated write conflicts
  - 500: Store unavailable and anything unexpected

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: Identity boundary
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/tasks"
	"github.com/warp/reward-ledger/withdrawals"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// TaskCatalog is the task registry plus the admin write path.
type TaskCatalog interface {
	tasks.Registry
	SaveTask(ctx context.Context, t ledger.Task) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Store
	Engine      *rewards.Engine
	Withdrawals *withdrawals.Manager
	Tasks       TaskCatalog
	Reconciler  *Reconciler
	Logger      *zap.Logger

	// Now is the clock used for every operation.
	Now func() time.Time
}

func NewHandler(store ledger.Store, engine *rewards.Engine, manager *withdrawals.Manager, catalog TaskCatalog, rec *Reconciler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:       store,
		Engine:      engine,
		Withdrawals: manager,
		Tasks:       catalog,
		Reconciler:  rec,
		Logger:      logger,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

func userID(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "id"))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetUser returns the user, creating the ledger account on first contact.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "User id is required", nil)
		return
	}

	u, created, err := h.Engine.EnsureUser(r.Context(), id, h.Now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, GetUserResponse{User: toUserDTO(*u), Created: created})
}

// ClaimAd grants the per-ad reward once the client reports the ad finished.
func (h *Handler) ClaimAd(w http.ResponseWriter, r *http.Request) {
	var req ClaimAdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AdCompleted == nil || !*req.AdCompleted {
		writeErrorCode(w, http.StatusBadRequest, "Ad was not completed", "ad_not_completed", nil)
		return
	}

	claim, err := h.Engine.ClaimAdReward(r.Context(), userID(r), h.Now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AdClaimResponse{
		Reward:     claim.Reward,
		Bonus:      claim.Bonus,
		Balance:    claim.Balance,
		AdsWatched: claim.AdsWatched,
		NextAdAt:   claim.NextEligibleAt.Format(time.RFC3339),
	})
}

// CompleteTask credits a task reward once per user.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := ledger.TaskID(chi.URLParam(r, "taskID"))

	res, err := h.Engine.CompleteTask(r.Context(), userID(r), taskID, h.Now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TaskCompletionResponse{
		TaskID:  string(res.TaskID),
		Reward:  res.Reward,
		Balance: res.Balance,
	})
}

func (h *Handler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.ReferralSummary(r.Context(), userID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralSummaryDTO(summary))
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Engine.Wallet(r.Context(), userID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GetTransactions returns the user's log, oldest first, with the running
// balance after each entry.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	if _, err := h.Store.GetUser(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	txs, err := h.Store.Transactions(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTOsWithBalance(txs))
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wd, err := h.Withdrawals.Request(r.Context(), userID(r), req.Amount, req.Destination, h.Now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(*wd))
}

func (h *Handler) ListUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	ws, err := h.Withdrawals.List(r.Context(), ledger.WithdrawalFilter{UserID: &id})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

// =============================================================================
// TASK / REFERRAL HANDLERS
// =============================================================================

// ListTasks returns the catalog. With ?user_id= each task is marked
// completed for that user.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := h.Tasks.ListTasks(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var user *ledger.User
	if id := r.URL.Query().Get("user_id"); id != "" {
		user, err = h.Store.GetUser(r.Context(), ledger.UserID(id))
		if err != nil && !ledger.IsNotFound(err) {
			h.writeDomainError(w, r, err)
			return
		}
	}

	dtos := make([]TaskDTO, len(list))
	for i, t := range list {
		dtos[i] = toTaskDTO(t)
		if user != nil {
			dtos[i].Completed = user.HasCompleted(t.ID)
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RecordReferral(w http.ResponseWriter, r *http.Request) {
	var req RecordReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ReferrerID == "" || req.RefereeID == "" {
		writeError(w, http.StatusBadRequest, "referrer_id and referee_id are required", nil)
		return
	}
	if user, ok := TelegramUserFrom(r.Context()); ok && strconv.FormatInt(user.ID, 10) != req.RefereeID {
		writeError(w, http.StatusForbidden, "Init data does not match referee", nil)
		return
	}

	award, err := h.Engine.AwardReferral(r.Context(), ledger.UserID(req.ReferrerID), ledger.UserID(req.RefereeID), h.Now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ReferralAwardResponse{
		ReferrerID:      string(award.ReferrerID),
		RefereeID:       string(award.RefereeID),
		Reward:          award.Reward,
		ReferrerBalance: award.ReferrerBalance,
		ReferralCount:   award.ReferralCount,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	var filter ledger.WithdrawalFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := parseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown status "+raw, nil)
			return
		}
		filter.Status = &status
	}

	ws, err := h.Withdrawals.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

func (h *Handler) ListPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Withdrawals.ListPending(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

// DecideWithdrawal approves or rejects a pending withdrawal.
func (h *Handler) DecideWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	decision, ok := parseStatus(req.Decision)
	if !ok {
		decision = ledger.WithdrawalStatus(req.Decision)
	}
	adminID := req.AdminID
	if adminID == "" {
		adminID = "admin"
	}

	id := ledger.WithdrawalID(chi.URLParam(r, "id"))
	wd, err := h.Withdrawals.Decide(r.Context(), id, decision, adminID, h.Now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wd))
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	task := ledger.Task{
		ID:               ledger.TaskID(req.ID),
		Title:            req.Title,
		Link:             req.Link,
		Reward:           req.Reward,
		Category:         req.Category,
		VerificationType: ledger.VerificationType(req.VerificationType),
		CreatedAt:        h.Now(),
	}
	if task.VerificationType == "" {
		task.VerificationType = ledger.VerifyNone
	}

	if err := h.Tasks.SaveTask(r.Context(), task); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(task))
}

// Reconcile runs a reconciliation pass now and returns its report.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Run(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// Healthz reports whether the store is reachable when it can be pinged.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeErrorCode(w, status, message, "", err)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps service errors to HTTP responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cooldown     *ledger.CooldownError
		insufficient *ledger.InsufficientBalanceError
	)

	switch {
	case errors.As(err, &cooldown):
		secs := cooldown.RemainingSeconds()
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:    "Cooldown active",
			Code:     "cooldown_active",
			Details:  map[string]string{"next_ad_at": cooldown.NextEligibleAt.Format(time.RFC3339)},
			TimeLeft: &secs,
		})

	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Insufficient balance",
			Code:  "insufficient_balance",
			Details: map[string]string{
				"available": insufficient.Available.String(),
				"requested": insufficient.Requested.String(),
				"shortfall": insufficient.Shortfall.String(),
			},
		})

	case errors.Is(err, ledger.ErrInvalidAmount):
		writeErrorCode(w, http.StatusBadRequest, "Invalid amount", "invalid_amount", err)
	case errors.Is(err, ledger.ErrSelfReferral):
		writeErrorCode(w, http.StatusBadRequest, "Cannot refer yourself", "self_referral", err)
	case errors.Is(err, tasks.ErrInvalidTask):
		writeErrorCode(w, http.StatusBadRequest, "Invalid task", "invalid_task", err)

	case errors.Is(err, ledger.ErrUserNotFound):
		writeErrorCode(w, http.StatusNotFound, "User not found", "user_not_found", err)
	case errors.Is(err, ledger.ErrTaskNotFound):
		writeErrorCode(w, http.StatusNotFound, "Task not found", "task_not_found", err)
	case errors.Is(err, ledger.ErrWithdrawalNotFound):
		writeErrorCode(w, http.StatusNotFound, "Withdrawal not found", "withdrawal_not_found", err)

	case errors.Is(err, ledger.ErrAlreadyCompleted):
		writeErrorCode(w, http.StatusConflict, "Task already completed", "already_completed", err)
	case errors.Is(err, ledger.ErrAlreadyReferred):
		writeErrorCode(w, http.StatusConflict, "User already referred", "already_referred", err)
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeErrorCode(w, http.StatusConflict, "Invalid withdrawal transition", "invalid_transition", err)
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeErrorCode(w, http.StatusConflict, "Duplicate operation", "duplicate", err)

	case errors.Is(err, ledger.ErrConflict):
		h.Logger.Warn("request gave up after conflicts", zap.String("path", r.URL.Path), zap.Error(err))
		writeErrorCode(w, http.StatusServiceUnavailable, "Too many concurrent updates, retry", "conflict", nil)

	default:
		h.Logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeErrorCode(w, http.StatusInternalServerError, "Internal error", "internal", nil)
	}
}

// parseStatus accepts "approved", "Approve", "REJECTED" and so on.
func parseStatus(raw string) (ledger.WithdrawalStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return ledger.WithdrawalPending, true
	case "approved", "approve":
		return ledger.WithdrawalApproved, true
	case "rejected", "reject":
		return ledger.WithdrawalRejected, true
	}
	return "", false
}

// toTransactionDTOsWithBalance attaches the running balance after each entry.
func toTransactionDTOsWithBalance(txs []ledger.Transaction) []TransactionDTO {
	running := ledger.RunningBalances(txs)
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:             string(tx.ID),
			Type:           string(tx.Type),
			Amount:         tx.Amount,
			Timestamp:      tx.Timestamp.Format(time.RFC3339Nano),
			Status:         tx.Status,
			TaskID:         string(tx.TaskID),
			ReferredUserID: string(tx.ReferredUserID),
			WithdrawalID:   string(tx.WithdrawalID),
			Reason:         tx.Reason,
			BalanceAfter:   running[i],
		}
	}
	return dtos
}

func toReconcileReportDTO(r *ReconcileReport) ReconcileReportDTO {
	dto := ReconcileReportDTO{
		Checked:    r.Checked,
		Mismatches: make([]MismatchDTO, len(r.Mismatches)),
		StartedAt:  r.StartedAt.Format(time.RFC3339),
		Duration:   r.Duration.String(),
	}
	for i, m := range r.Mismatches {
		dto.Mismatches[i] = MismatchDTO{UserID: string(m.UserID), Balance: m.Balance, Replayed: m.Replayed}
	}
	for _, err := range r.Errors {
		dto.Errors = append(dto.Errors, err.Error())
	}
	return dto
}
