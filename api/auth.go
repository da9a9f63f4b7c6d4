/*
auth.go - Identity boundary for the Telegram mini-app

PURPOSE:
  The mini-app sends Telegram's signed initData with every request. When a
  bot token is configured, TelegramAuth verifies the signature and requires
  the signed user id to match the {id} path parameter, so a user can only
  act on their own ledger account. Admin routes are guarded by a shared
  token in the X-Admin-Token header.

SIGNATURE CHECK:
  secret   = HMAC_SHA256(key="WebAppData", msg=botToken)
  expected = hex(HMAC_SHA256(key=secret, msg=data_check_string))
  data_check_string is every field except hash, sorted by key, joined
  as "key=value" lines.

DEVELOPMENT MODE:
  With no bot token configured the middleware passes every request
  through and the path id is trusted as given.
*/
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	HeaderInitData   = "X-Telegram-Init-Data"
	HeaderAdminToken = "X-Admin-Token"
)

var (
	ErrMissingInitData = errors.New("missing init data")
	ErrInvalidHash     = errors.New("invalid init data hash")
	ErrAuthExpired     = errors.New("init data expired")
)

// TelegramUser is the subset of the signed user object we rely on.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// ValidateInitData verifies initData against botToken and returns the
// signed user. maxAge <= 0 disables the freshness check.
func ValidateInitData(initData, botToken string, maxAge time.Duration, now time.Time) (*TelegramUser, error) {
	if initData == "" {
		return nil, ErrMissingInitData
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("malformed init data: %w", err)
	}

	hash := values.Get("hash")
	values.Del("hash")

	expected := SignInitData(values, botToken)
	if !hmac.Equal([]byte(expected), []byte(hash)) {
		return nil, ErrInvalidHash
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid auth_date: %w", err)
	}
	if maxAge > 0 && now.Sub(time.Unix(authDate, 0)) > maxAge {
		return nil, ErrAuthExpired
	}

	var user TelegramUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil {
		return nil, fmt.Errorf("invalid user field: %w", err)
	}
	return &user, nil
}

// SignInitData computes the hash Telegram would attach to values.
func SignInitData(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range values[k] {
			lines = append(lines, k+"="+v)
		}
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	h := hmac.New(sha256.New, secret.Sum(nil))
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

type telegramUserKey struct{}

// TelegramUserFrom returns the authenticated user, if any.
func TelegramUserFrom(ctx context.Context) (*TelegramUser, bool) {
	u, ok := ctx.Value(telegramUserKey{}).(*TelegramUser)
	return u, ok
}

// TelegramAuth validates initData and enforces that the signed user id
// equals the {id} route parameter.
func TelegramAuth(botToken string, maxAge time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if botToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := ValidateInitData(r.Header.Get(HeaderInitData), botToken, maxAge, time.Now())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid Telegram init data", err)
				return
			}
			if id := chi.URLParam(r, "id"); id != "" && id != strconv.FormatInt(user.ID, 10) {
				writeError(w, http.StatusForbidden, "Init data does not match user", nil)
				return
			}

			ctx := context.WithValue(r.Context(), telegramUserKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth requires the X-Admin-Token header when token is set.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(HeaderAdminToken)), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "Admin token required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
