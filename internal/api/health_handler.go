package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sungwon/mail-dispatch/internal/metrics"
)

const (
	readinessTimeout = 2 * time.Second
	retryAfterSecs   = "30"
)

// Database is what the readiness probe checks.
type Database interface {
	Ping(ctx context.Context) error
	ConnStats() (acquired, idle int32)
}

var statusOK = map[string]string{"status": "ok"}

// HealthzHandler reports liveness only.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, statusOK)
	}
}

// ReadyzHandler pings the database and publishes the pool gauges. An
// unreachable database answers 503 with Retry-After.
func ReadyzHandler(db Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Retry-After", retryAfterSecs)
			respondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}

		acquired, idle := db.ConnStats()
		metrics.DBConnectionsActive.Set(float64(acquired))
		metrics.DBConnectionsIdle.Set(float64(idle))
		respondJSON(w, http.StatusOK, statusOK)
	}
}
