/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

PURPOSE:
  Implements ledger.Store and the task source used by the task registry.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  ledger.Store:   Users, withdrawals, transaction log, CAS commit
  tasks.Source:   Task reference data

COMPARE-AND-SWAP:
  users and withdrawals carry a version column. Commit runs inside one
  database transaction and issues
    UPDATE ... SET ..., version = version + 1 WHERE id = ? AND version = ?
  for every entity. Zero affected rows means someone else committed first:
  the transaction is rolled back and ledger.ErrConflict is returned.
  Entities with Version 0 are INSERTed; a primary key clash is a conflict.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - idempotency_key is UNIQUE, so a replayed unit fails as a whole

KEY TABLES:
  users:         Ledger accounts (balances, counters, guards)
  transactions:  Immutable log of all balance changes
  withdrawals:   Payout requests and their resolution
  tasks:         Task reference data

CONCURRENCY:
  Uses sync.RWMutex around writes so SQLite sees a single writer. Readers
  do not block each other.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/reward-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		total_earned TEXT NOT NULL,
		ad_earnings TEXT NOT NULL,
		task_earnings TEXT NOT NULL,
		referral_earnings TEXT NOT NULL,
		lifetime_commission TEXT NOT NULL,
		ads_watched INTEGER NOT NULL DEFAULT 0,
		last_ad_watch_at TEXT,
		referral_count INTEGER NOT NULL DEFAULT 0,
		referred_by TEXT,
		completed_tasks_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_referred_by
		ON users(referred_by) WHERE referred_by IS NOT NULL;

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		status TEXT NOT NULL,
		task_id TEXT,
		referred_user_id TEXT,
		withdrawal_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_time
		ON transactions(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_transactions_withdrawal
		ON transactions(withdrawal_id) WHERE withdrawal_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		destination TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		processed_at TEXT,
		processed_by TEXT,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_status_requested
		ON withdrawals(status, requested_at);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_user
		ON withdrawals(user_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		link TEXT,
		reward TEXT NOT NULL,
		category TEXT,
		verification_type TEXT,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// COMMIT (ledger.Store)
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Commit applies the change set in a single database transaction.
func (s *Store) Commit(ctx context.Context, cs ledger.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	for _, u := range cs.Users {
		if err := s.writeUser(ctx, sqlTx, u); err != nil {
			return err
		}
	}
	for _, w := range cs.Withdrawals {
		if err := s.writeWithdrawal(ctx, sqlTx, w); err != nil {
			return err
		}
	}
	for _, tx := range cs.Transactions {
		if err := s.appendTx(ctx, sqlTx, tx); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return unavailable(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (s *Store) writeUser(ctx context.Context, db execer, u ledger.User) error {
	completedJSON, err := marshalCompleted(u.CompletedTaskIDs)
	if err != nil {
		return err
	}

	args := []any{
		u.Balance.String(),
		u.TotalEarned.String(),
		u.AdEarnings.String(),
		u.TaskEarnings.String(),
		u.ReferralEarnings.String(),
		u.LifetimeCommission.String(),
		u.AdsWatched,
		nullTime(u.LastAdWatchAt),
		u.ReferralCount,
		nullUserID(u.ReferredBy),
		completedJSON,
		formatTime(u.UpdatedAt),
	}

	if u.Version == 0 {
		query := `
			INSERT INTO users
			(balance, total_earned, ad_earnings, task_earnings, referral_earnings, lifetime_commission,
			 ads_watched, last_ad_watch_at, referral_count, referred_by, completed_tasks_json,
			 updated_at, id, created_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`
		args = append(args, u.ID, formatTime(u.CreatedAt))
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			if isUniqueConstraintError(err) {
				return ledger.ErrConflict
			}
			return unavailable(fmt.Errorf("failed to insert user: %w", err))
		}
		return nil
	}

	query := `
		UPDATE users SET
			balance = ?, total_earned = ?, ad_earnings = ?, task_earnings = ?,
			referral_earnings = ?, lifetime_commission = ?, ads_watched = ?,
			last_ad_watch_at = ?, referral_count = ?, referred_by = ?,
			completed_tasks_json = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	args = append(args, u.ID, u.Version)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(fmt.Errorf("failed to update user: %w", err))
	}
	return requireOneRow(res)
}

func (s *Store) writeWithdrawal(ctx context.Context, db execer, w ledger.Withdrawal) error {
	var processedBy sql.NullString
	if w.ProcessedBy != nil {
		processedBy = sql.NullString{String: *w.ProcessedBy, Valid: true}
	}

	if w.Version == 0 {
		query := `
			INSERT INTO withdrawals
			(id, user_id, amount, destination, status, requested_at, processed_at, processed_by, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		`
		_, err := db.ExecContext(ctx, query,
			w.ID, w.UserID, w.Amount.String(), w.Destination, w.Status,
			formatTime(w.RequestedAt), nullTime(w.ProcessedAt), processedBy,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ledger.ErrConflict
			}
			return unavailable(fmt.Errorf("failed to insert withdrawal: %w", err))
		}
		return nil
	}

	query := `
		UPDATE withdrawals SET
			status = ?, processed_at = ?, processed_by = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := db.ExecContext(ctx, query,
		w.Status, nullTime(w.ProcessedAt), processedBy, w.ID, w.Version,
	)
	if err != nil {
		return unavailable(fmt.Errorf("failed to update withdrawal: %w", err))
	}
	return requireOneRow(res)
}

func (s *Store) appendTx(ctx context.Context, db execer, tx ledger.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, user_id, tx_type, amount, timestamp, status, task_id, referred_user_id,
		 withdrawal_id, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Type,
		tx.Amount.String(),
		formatTime(tx.Timestamp),
		tx.Status,
		nullString(string(tx.TaskID)),
		nullString(string(tx.ReferredUserID)),
		nullString(string(tx.WithdrawalID)),
		nullString(tx.Reason),
		nullString(tx.IdempotencyKey),
		formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return unavailable(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

// =============================================================================
// USER READS
// =============================================================================

const userColumns = `
	id, balance, total_earned, ad_earnings, task_earnings, referral_earnings,
	lifetime_commission, ads_watched, last_ad_watch_at, referral_count, referred_by,
	completed_tasks_json, created_at, updated_at, version
`

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &u, nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryUsers(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at ASC, id ASC")
}

// ReferredUsers returns users referred by referrerID.
func (s *Store) ReferredUsers(ctx context.Context, referrerID ledger.UserID) ([]ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryUsers(ctx,
		"SELECT "+userColumns+" FROM users WHERE referred_by = ? ORDER BY id ASC", referrerID)
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]ledger.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to query users: %w", err))
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (ledger.User, error) {
	var (
		u                                                   ledger.User
		balance, totalEarned, adEarn, taskEarn, refEarn, lc string
		lastAd, referredBy                                  sql.NullString
		completedJSON, createdAt, updatedAt                 string
	)

	err := row.Scan(
		&u.ID, &balance, &totalEarned, &adEarn, &taskEarn, &refEarn, &lc,
		&u.AdsWatched, &lastAd, &u.ReferralCount, &referredBy,
		&completedJSON, &createdAt, &updatedAt, &u.Version,
	)
	if err != nil {
		return u, err
	}

	var p columnParser
	u.Balance = p.amount("balance", balance)
	u.TotalEarned = p.amount("total_earned", totalEarned)
	u.AdEarnings = p.amount("ad_earnings", adEarn)
	u.TaskEarnings = p.amount("task_earnings", taskEarn)
	u.ReferralEarnings = p.amount("referral_earnings", refEarn)
	u.LifetimeCommission = p.amount("lifetime_commission", lc)
	u.LastAdWatchAt = p.nullTimestamp("last_ad_watch_at", lastAd)
	u.CreatedAt = p.timestamp("created_at", createdAt)
	u.UpdatedAt = p.timestamp("updated_at", updatedAt)
	if p.err != nil {
		return u, fmt.Errorf("user %s: %w", u.ID, p.err)
	}
	if referredBy.Valid {
		r := ledger.UserID(referredBy.String)
		u.ReferredBy = &r
	}
	u.CompletedTaskIDs, err = unmarshalCompleted(completedJSON)
	if err != nil {
		return u, fmt.Errorf("user %s: %w", u.ID, err)
	}
	return u, nil
}

// =============================================================================
// TRANSACTION READS
// =============================================================================

// Transactions returns a user's transaction log in chronological order.
func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, tx_type, amount, timestamp, status, task_id, referred_user_id,
		       withdrawal_id, reason, idempotency_key
		FROM transactions
		WHERE user_id = ?
		ORDER BY timestamp ASC, created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		var (
			tx                                     ledger.Transaction
			amount, timestamp                      string
			taskID, referred, withdrawalID, reason sql.NullString
			idempotencyKey                         sql.NullString
		)
		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.Type, &amount, &timestamp, &tx.Status,
			&taskID, &referred, &withdrawalID, &reason, &idempotencyKey,
		); err != nil {
			return nil, unavailable(fmt.Errorf("failed to scan transaction: %w", err))
		}
		var p columnParser
		tx.Amount = p.amount("amount", amount)
		tx.Timestamp = p.timestamp("timestamp", timestamp)
		if p.err != nil {
			return nil, unavailable(fmt.Errorf("transaction %s: %w", tx.ID, p.err))
		}
		tx.TaskID = ledger.TaskID(taskID.String)
		tx.ReferredUserID = ledger.UserID(referred.String)
		tx.WithdrawalID = ledger.WithdrawalID(withdrawalID.String)
		tx.Reason = reason.String
		tx.IdempotencyKey = idempotencyKey.String
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// =============================================================================
// WITHDRAWAL READS
// =============================================================================

const withdrawalColumns = `
	id, user_id, amount, destination, status, requested_at, processed_at, processed_by, version
`

// GetWithdrawal retrieves a withdrawal by ID.
func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = ?", id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWithdrawalNotFound, id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &w, nil
}

// ListWithdrawals returns withdrawals matching filter, oldest request first.
func (s *Store) ListWithdrawals(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}

	query := "SELECT " + withdrawalColumns + " FROM withdrawals"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to query withdrawals: %w", err))
	}
	defer rows.Close()

	var withdrawals []ledger.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

func scanWithdrawal(row scanner) (ledger.Withdrawal, error) {
	var (
		w                   ledger.Withdrawal
		amount, requestedAt string
		processedAt, procBy sql.NullString
	)
	err := row.Scan(&w.ID, &w.UserID, &amount, &w.Destination, &w.Status,
		&requestedAt, &processedAt, &procBy, &w.Version)
	if err != nil {
		return w, err
	}
	var p columnParser
	w.Amount = p.amount("amount", amount)
	w.RequestedAt = p.timestamp("requested_at", requestedAt)
	w.ProcessedAt = p.nullTimestamp("processed_at", processedAt)
	if p.err != nil {
		return w, fmt.Errorf("withdrawal %s: %w", w.ID, p.err)
	}
	if procBy.Valid {
		s := procBy.String
		w.ProcessedBy = &s
	}
	return w, nil
}

// =============================================================================
// TASK SOURCE
// =============================================================================

// SaveTask creates or replaces a task record.
func (s *Store) SaveTask(ctx context.Context, t ledger.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO tasks (id, title, link, reward, category, verification_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			link = excluded.link,
			reward = excluded.reward,
			category = excluded.category,
			verification_type = excluded.verification_type
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Title, t.Link, t.Reward.String(), t.Category, t.VerificationType,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		return unavailable(fmt.Errorf("failed to save task: %w", err))
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id ledger.TaskID) (*ledger.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, link, reward, category, verification_type, created_at FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &t, nil
}

// ListTasks returns all tasks.
func (s *Store) ListTasks(ctx context.Context) ([]ledger.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, link, reward, category, verification_type, created_at FROM tasks ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to query tasks: %w", err))
	}
	defer rows.Close()

	var tasks []ledger.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scanner) (ledger.Task, error) {
	var (
		t                  ledger.Task
		reward, createdAt  string
		link, category, vt sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Title, &link, &reward, &category, &vt, &createdAt); err != nil {
		return t, err
	}
	var p columnParser
	t.Reward = p.amount("reward", reward)
	t.CreatedAt = p.timestamp("created_at", createdAt)
	if p.err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, p.err)
	}
	t.Link = link.String
	t.Category = category.String
	t.VerificationType = ledger.VerificationType(vt.String)
	return t, nil
}

// =============================================================================
// ADMIN / DEV HELPERS
// =============================================================================

// Reset clears all data. Used by tests and local development.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "withdrawals", "users", "tasks"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n != 1 {
		return ledger.ErrConflict
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
}

func marshalCompleted(m map[ledger.TaskID]time.Time) (string, error) {
	out := make(map[string]string, len(m))
	for id, at := range m {
		out[string(id)] = formatTime(at)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode completed tasks: %w", err)
	}
	return string(b), nil
}

func unmarshalCompleted(s string) (map[ledger.TaskID]time.Time, error) {
	raw := make(map[string]string)
	if s != "" {
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, fmt.Errorf("failed to decode completed tasks: %w", err)
		}
	}
	out := make(map[ledger.TaskID]time.Time, len(raw))
	for id, at := range raw {
		t, err := parseTime(at)
		if err != nil {
			return nil, fmt.Errorf("completed task %s: %w", id, err)
		}
		out[ledger.TaskID(id)] = t
	}
	return out, nil
}

// timeLayout is fixed width so text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// columnParser decodes text columns and keeps the first failure. A row
// that does not decode is never returned with zero values in its place.
type columnParser struct {
	err error
}

func (p *columnParser) amount(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", column, s, err)
	}
	return d
}

func (p *columnParser) timestamp(column, s string) time.Time {
	t, err := parseTime(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", column, err)
	}
	return t
}

func (p *columnParser) nullTimestamp(column string, s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := p.timestamp(column, s.String)
	return &t
}

func nullUserID(id *ledger.UserID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// compile-time check
var _ ledger.Store = (*Store)(nil)
