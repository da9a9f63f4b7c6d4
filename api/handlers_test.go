/*
handlers_test.go - HTTP-level tests for the reward API

Tests for:
- User creation on first contact
- Ad claims, cooldown (429 + time_left) and the ad_completed gate
- Task completion and catalog marking
- Referral recording and summary
- Withdrawal lifecycle through the admin endpoints
- Error mapping for store failures and conflicts
- Reconciliation endpoint
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/tasks"
	"github.com/warp/reward-ledger/withdrawals"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	t       *testing.T
	mem     *store.Memory
	handler *Handler
	router  http.Handler
	now     time.Time
}

func newTestEnv(t *testing.T, cfg RouterConfig) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	registry, err := tasks.NewCachedRegistry(context.Background(), mem, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	engine := rewards.NewEngine(mem, registry, rewards.DefaultConfig(), nil)
	manager := withdrawals.NewManager(mem, withdrawals.DefaultConfig(), nil)

	env := &testEnv{t: t, mem: mem, now: t0}
	env.handler = NewHandler(mem, engine, manager, registry, NewReconciler(mem, nil), nil)
	env.handler.Now = func() time.Time { return env.now }
	env.router = NewRouter(env.handler, cfg)
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "expected %s, got %s", want, got)
}

// fundUser creates the user and credits amount through a one-off task.
func (e *testEnv) fundUser(id, amount string) {
	e.t.Helper()

	rec := e.do(http.MethodGet, "/api/users/"+id, nil, nil)
	require.Contains(e.t, []int{http.StatusOK, http.StatusCreated}, rec.Code)

	taskID := "fund-" + id
	rec = e.do(http.MethodPost, "/api/admin/tasks", CreateTaskRequest{
		ID:     taskID,
		Title:  "Funding",
		Reward: decimal.RequireFromString(amount),
	}, nil)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(http.MethodPost, "/api/users/"+id+"/tasks/"+taskID+"/complete", nil, nil)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
}

var adCompleted = map[string]bool{"ad_completed": true}

// =============================================================================
// USERS
// =============================================================================

func TestGetUser_CreatesOnFirstContact(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	// WHEN: The user is fetched for the first time
	rec := env.do(http.MethodGet, "/api/users/alice", nil, nil)

	// THEN: The account is created with a zero balance
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[GetUserResponse](t, rec)
	assert.True(t, resp.Created)
	assert.Equal(t, "alice", resp.User.ID)
	assertAmount(t, "0", resp.User.Balance)
	assert.Empty(t, resp.User.CompletedTasks)

	// AND: A second fetch returns the same account
	rec = env.do(http.MethodGet, "/api/users/alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[GetUserResponse](t, rec).Created)
}

// =============================================================================
// ADS
// =============================================================================

func TestClaimAd_CooldownFlow(t *testing.T) {
	// GIVEN: A fresh user
	env := newTestEnv(t, RouterConfig{})
	env.do(http.MethodGet, "/api/users/alice", nil, nil)

	// WHEN: The first ad is claimed
	rec := env.do(http.MethodPost, "/api/users/alice/ads/claim", adCompleted, nil)

	// THEN: The reward is credited
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decodeBody[AdClaimResponse](t, rec)
	assertAmount(t, "0.005", claim.Reward)
	assertAmount(t, "0", claim.Bonus)
	assertAmount(t, "0.005", claim.Balance)
	assert.Equal(t, int64(1), claim.AdsWatched)
	assert.Equal(t, t0.Add(30*time.Second).Format(time.RFC3339), claim.NextAdAt)

	// WHEN: A second claim arrives 10 seconds later
	env.advance(10 * time.Second)
	rec = env.do(http.MethodPost, "/api/users/alice/ads/claim", adCompleted, nil)

	// THEN: 429 with the seconds left
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	errResp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "cooldown_active", errResp.Code)
	require.NotNil(t, errResp.TimeLeft)
	assert.Equal(t, int64(20), *errResp.TimeLeft)

	// WHEN: The cooldown has elapsed
	env.advance(21 * time.Second)
	rec = env.do(http.MethodPost, "/api/users/alice/ads/claim", adCompleted, nil)

	// THEN: The second reward is credited
	require.Equal(t, http.StatusOK, rec.Code)
	assertAmount(t, "0.01", decodeBody[AdClaimResponse](t, rec).Balance)
}

func TestClaimAd_RequiresCompletedAd(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.do(http.MethodGet, "/api/users/alice", nil, nil)

	tests := []struct {
		name string
		body any
	}{
		{"explicit false", map[string]bool{"ad_completed": false}},
		{"missing field", map[string]string{}},
		{"malformed body", "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/users/alice/ads/claim", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	// Nothing was credited
	u, err := env.mem.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assertAmount(t, "0", u.Balance)
	assert.Equal(t, int64(0), u.AdsWatched)
}

func TestClaimAd_UnknownUser(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(http.MethodPost, "/api/users/ghost/ads/claim", adCompleted, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user_not_found", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// TASKS
// =============================================================================

func TestCompleteTask_OncePerUser(t *testing.T) {
	// GIVEN: A task in the catalog
	env := newTestEnv(t, RouterConfig{})
	env.do(http.MethodGet, "/api/users/alice", nil, nil)
	rec := env.do(http.MethodPost, "/api/admin/tasks", CreateTaskRequest{
		ID:     "join-channel",
		Title:  "Join our channel",
		Link:   "https://t.me/example",
		Reward: decimal.RequireFromString("0.02"),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: The task is completed
	rec = env.do(http.MethodPost, "/api/users/alice/tasks/join-channel/complete", nil, nil)

	// THEN: The reward is credited
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[TaskCompletionResponse](t, rec)
	assertAmount(t, "0.02", res.Reward)
	assertAmount(t, "0.02", res.Balance)

	// AND: A second completion is rejected
	rec = env.do(http.MethodPost, "/api/users/alice/tasks/join-channel/complete", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_completed", decodeBody[ErrorResponse](t, rec).Code)

	// AND: The catalog marks it completed for alice only
	rec = env.do(http.MethodGet, "/api/tasks?user_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]TaskDTO](t, rec)
	require.Len(t, list, 1)
	assert.True(t, list[0].Completed)

	rec = env.do(http.MethodGet, "/api/tasks", nil, nil)
	assert.False(t, decodeBody[[]TaskDTO](t, rec)[0].Completed)
}

func TestCompleteTask_UnknownTask(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.do(http.MethodGet, "/api/users/alice", nil, nil)

	rec := env.do(http.MethodPost, "/api/users/alice/tasks/nope/complete", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "task_not_found", decodeBody[ErrorResponse](t, rec).Code)
}

func TestCreateTask_Invalid(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(http.MethodPost, "/api/admin/tasks", CreateTaskRequest{
		ID:     "free-money",
		Title:  "Negative",
		Reward: decimal.RequireFromString("-1"),
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_task", decodeBody[ErrorResponse](t, rec).Code)

	// Milestone ids are reserved for the reward engine
	rec = env.do(http.MethodPost, "/api/admin/tasks", CreateTaskRequest{
		ID:     string(rewards.MilestoneTaskID(100)),
		Title:  "Watch 100 Ads",
		Reward: decimal.RequireFromString("1"),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_task", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestRecordReferral(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.do(http.MethodGet, "/api/users/alice", nil, nil)
	env.do(http.MethodGet, "/api/users/bob", nil, nil)

	// Self referral
	rec := env.do(http.MethodPost, "/api/referrals", RecordReferralRequest{ReferrerID: "alice", RefereeID: "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "self_referral", decodeBody[ErrorResponse](t, rec).Code)

	// Missing ids
	rec = env.do(http.MethodPost, "/api/referrals", RecordReferralRequest{ReferrerID: "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown referee
	rec = env.do(http.MethodPost, "/api/referrals", RecordReferralRequest{ReferrerID: "alice", RefereeID: "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Success
	rec = env.do(http.MethodPost, "/api/referrals", RecordReferralRequest{ReferrerID: "alice", RefereeID: "bob"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	award := decodeBody[ReferralAwardResponse](t, rec)
	assertAmount(t, "0.05", award.Reward)
	assertAmount(t, "0.05", award.ReferrerBalance)
	assert.Equal(t, int64(1), award.ReferralCount)

	// Second referral of the same referee
	env.do(http.MethodGet, "/api/users/carol", nil, nil)
	rec = env.do(http.MethodPost, "/api/referrals", RecordReferralRequest{ReferrerID: "carol", RefereeID: "bob"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_referred", decodeBody[ErrorResponse](t, rec).Code)

	// Summary lists bob
	rec = env.do(http.MethodGet, "/api/users/alice/referrals", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[ReferralSummaryDTO](t, rec)
	assert.Equal(t, int64(1), summary.ReferralCount)
	assertAmount(t, "0.05", summary.ReferralEarnings)
	require.Len(t, summary.Referees, 1)
	assert.Equal(t, "bob", summary.Referees[0].ID)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func TestWithdrawal_RejectRefundsBalance(t *testing.T) {
	// GIVEN: A user with a balance of 5
	env := newTestEnv(t, RouterConfig{})
	env.fundUser("alice", "5")

	// WHEN: A withdrawal of 2 is requested
	rec := env.do(http.MethodPost, "/api/users/alice/withdrawals", WithdrawalRequest{
		Amount:      decimal.RequireFromString("2"),
		Destination: "UQ-wallet-address",
	}, nil)

	// THEN: The withdrawal is pending and the balance is debited
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "Pending", wd.Status)

	rec = env.do(http.MethodGet, "/api/users/alice/wallet", nil, nil)
	wallet := decodeBody[WalletDTO](t, rec)
	assertAmount(t, "3", wallet.Balance)
	assertAmount(t, "2", wallet.PendingWithdrawals)
	assertAmount(t, "5", wallet.TotalEarned)

	// AND: It appears in the admin pending queue
	rec = env.do(http.MethodGet, "/api/admin/withdrawals/pending", nil, nil)
	pending := decodeBody[[]WithdrawalDTO](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, wd.ID, pending[0].ID)

	// WHEN: The admin rejects it
	rec = env.do(http.MethodPost, "/api/admin/withdrawals/"+wd.ID+"/decision", DecisionRequest{Decision: "reject", AdminID: "root"}, nil)

	// THEN: The amount is refunded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "Rejected", decided.Status)
	assert.Equal(t, "root", decided.ProcessedBy)

	rec = env.do(http.MethodGet, "/api/users/alice/wallet", nil, nil)
	wallet = decodeBody[WalletDTO](t, rec)
	assertAmount(t, "5", wallet.Balance)
	assertAmount(t, "0", wallet.PendingWithdrawals)

	// AND: The history shows credit, debit, refund with running balances
	rec = env.do(http.MethodGet, "/api/users/alice/transactions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]TransactionDTO](t, rec)
	require.Len(t, txs, 3)
	assert.Equal(t, "task_completion", txs[0].Type)
	assert.Equal(t, "withdrawal_debit", txs[1].Type)
	assert.Equal(t, "withdrawal_refund", txs[2].Type)
	assertAmount(t, "5", txs[0].BalanceAfter)
	assertAmount(t, "3", txs[1].BalanceAfter)
	assertAmount(t, "5", txs[2].BalanceAfter)

	// AND: A second decision is an invalid transition
	rec = env.do(http.MethodPost, "/api/admin/withdrawals/"+wd.ID+"/decision", DecisionRequest{Decision: "Approved"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeBody[ErrorResponse](t, rec).Code)
}

func TestWithdrawal_Errors(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.fundUser("alice", "5")

	t.Run("below minimum", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/users/alice/withdrawals", WithdrawalRequest{
			Amount: decimal.RequireFromString("0.5"), Destination: "w",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_amount", decodeBody[ErrorResponse](t, rec).Code)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/users/alice/withdrawals", WithdrawalRequest{
			Amount: decimal.RequireFromString("10"), Destination: "w",
		}, nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, "insufficient_balance", resp.Code)
		details, ok := resp.Details.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "5", details["available"])
		assert.Equal(t, "5", details["shortfall"])
	})

	t.Run("unknown withdrawal", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/admin/withdrawals/missing/decision", DecisionRequest{Decision: "approved"}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown withdrawal with unknown decision", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/admin/withdrawals/nope/decision", DecisionRequest{Decision: "maybe"}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "withdrawal_not_found", decodeBody[ErrorResponse](t, rec).Code)
	})

	t.Run("unknown status filter", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/admin/withdrawals?status=lost", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	// Balance untouched by the failures
	rec := env.do(http.MethodGet, "/api/users/alice/wallet", nil, nil)
	assertAmount(t, "5", decodeBody[WalletDTO](t, rec).Balance)
}

func TestWithdrawal_ListFilters(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.fundUser("alice", "5")
	env.fundUser("bob", "5")

	req := WithdrawalRequest{Amount: decimal.RequireFromString("1"), Destination: "w"}
	first := decodeBody[WithdrawalDTO](t, env.do(http.MethodPost, "/api/users/alice/withdrawals", req, nil))
	env.advance(time.Second)
	env.do(http.MethodPost, "/api/users/bob/withdrawals", req, nil)

	rec := env.do(http.MethodPost, "/api/admin/withdrawals/"+first.ID+"/decision", DecisionRequest{Decision: "approve"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	all := decodeBody[[]WithdrawalDTO](t, env.do(http.MethodGet, "/api/admin/withdrawals", nil, nil))
	assert.Len(t, all, 2)

	approved := decodeBody[[]WithdrawalDTO](t, env.do(http.MethodGet, "/api/admin/withdrawals?status=approved", nil, nil))
	require.Len(t, approved, 1)
	assert.Equal(t, first.ID, approved[0].ID)

	mine := decodeBody[[]WithdrawalDTO](t, env.do(http.MethodGet, "/api/users/bob/withdrawals", nil, nil))
	require.Len(t, mine, 1)
	assert.Equal(t, "Pending", mine[0].Status)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping_StoreFailures(t *testing.T) {
	tests := []struct {
		name     string
		failWith error
		status   int
		code     string
	}{
		{"store unavailable", fmt.Errorf("%w: disk full", ledger.ErrStoreUnavailable), http.StatusInternalServerError, "internal"},
		{"conflict", &ledger.RetriesExhaustedError{Attempts: 5}, http.StatusServiceUnavailable, "conflict"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, RouterConfig{})
			env.do(http.MethodGet, "/api/users/alice", nil, nil)
			env.mem.FailCommit = tt.failWith

			rec := env.do(http.MethodPost, "/api/users/alice/ads/claim", adCompleted, nil)

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotContains(t, rec.Body.String(), "disk full")
		})
	}
}

func TestGetTransactions_UnknownUser(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(http.MethodGet, "/api/users/ghost/transactions", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN / OPS
// =============================================================================

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, RouterConfig{AdminToken: "s3cret"})

	rec := env.do(http.MethodGet, "/api/admin/users", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/admin/users", nil, map[string]string{HeaderAdminToken: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/admin/users", nil, map[string]string{HeaderAdminToken: "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminListUsers(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.do(http.MethodGet, "/api/users/alice", nil, nil)
	env.advance(time.Second)
	env.do(http.MethodGet, "/api/users/bob", nil, nil)

	rec := env.do(http.MethodGet, "/api/admin/users", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeBody[[]UserDTO](t, rec)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].ID)
	assert.Equal(t, "bob", users[1].ID)
}

func TestReconcileEndpoint(t *testing.T) {
	// GIVEN: Two users with activity
	env := newTestEnv(t, RouterConfig{})
	env.fundUser("alice", "2")
	env.do(http.MethodGet, "/api/users/bob", nil, nil)
	env.do(http.MethodPost, "/api/users/bob/ads/claim", adCompleted, nil)

	// WHEN: Reconciliation runs
	rec := env.do(http.MethodPost, "/api/admin/reconcile", nil, nil)

	// THEN: Every balance matches its log
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[ReconcileReportDTO](t, rec)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Mismatches)
	assert.Empty(t, report.Errors)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.do(http.MethodGet, "/api/users/alice", nil, nil)

	rec := env.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}
