package api

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/metrics"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// Signature headers sent by API clients.
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderTimestamp = "X-TIMESTAMP"
	HeaderSignature = "X-SIGNATURE"
)

const credentialBytes = 32

type contextKey string

const accountIDKey contextKey = "account_id"

// AccountStore looks up API accounts for signature checks.
type AccountStore interface {
	FindByAPIKey(ctx context.Context, key string) (*storage.Account, error)
	TouchLastUsed(ctx context.Context, id int64) error
}

// NewCredentials generates an API key and signing secret, each 32 random
// bytes hex-encoded to 64 characters.
func NewCredentials() (key, secret string, err error) {
	b := make([]byte, 2*credentialBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate credentials: %w", err)
	}
	return hex.EncodeToString(b[:credentialBytes]), hex.EncodeToString(b[credentialBytes:]), nil
}

// AccountFromContext returns the account id the request was signed for.
// Unauthenticated requests report the root account and false.
func AccountFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(accountIDKey).(int64)
	return id, ok
}

func withAccountID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// Sign computes the signature a client sends for apiKey at timestamp.
func Sign(secret, apiKey, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(apiKey + "|" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureAuth verifies HMAC-signed requests. window bounds the clock skew
// of X-TIMESTAMP; zero disables the check.
func SignatureAuth(accounts AccountStore, window time.Duration) func(http.Handler) http.Handler {
	return signatureAuth(accounts, window, time.Now)
}

func signatureAuth(accounts AccountStore, window time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())

			apiKey := r.Header.Get(HeaderAPIKey)
			timestamp := r.Header.Get(HeaderTimestamp)
			signature := r.Header.Get(HeaderSignature)
			if apiKey == "" || timestamp == "" || signature == "" {
				authFailed(w, http.StatusUnauthorized, "missing_headers", "Missing authentication headers")
				return
			}

			if window > 0 {
				ts, err := strconv.ParseInt(timestamp, 10, 64)
				if err != nil || absDuration(now().Sub(time.Unix(ts, 0))) > window {
					authFailed(w, http.StatusUnauthorized, "expired", "Request timestamp expired")
					return
				}
			}

			account, err := accounts.FindByAPIKey(r.Context(), apiKey)
			if err != nil {
				if errors.Is(err, storage.ErrAccountNotFound) {
					authFailed(w, http.StatusUnauthorized, "unknown_key", "Invalid API Key")
					return
				}
				log.Error().Err(err).Msg("failed to look up api key")
				respondError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			if !account.Active {
				authFailed(w, http.StatusForbidden, "inactive", "Account Disabled")
				return
			}

			expected := Sign(account.APISecret, apiKey, timestamp)
			if !hmac.Equal([]byte(expected), []byte(signature)) {
				authFailed(w, http.StatusUnauthorized, "bad_signature", "Invalid Signature")
				return
			}

			if err := accounts.TouchLastUsed(r.Context(), account.ID); err != nil {
				log.Warn().Err(err).Int64("account", account.ID).Msg("failed to record api key use")
			}

			next.ServeHTTP(w, r.WithContext(withAccountID(r.Context(), account.AccountID)))
		})
	}
}

func authFailed(w http.ResponseWriter, status int, reason, message string) {
	metrics.APIAuthFailuresTotal.WithLabelValues(reason).Inc()
	respondError(w, status, message)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
