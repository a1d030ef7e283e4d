package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health responds with status 200 while the service and its database are up.
// A nil db only reports the process as alive.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				payload["status"] = "degraded"
				payload["database"] = err.Error()
				writeJSON(w, http.StatusServiceUnavailable, payload)
				return
			}
			payload["database"] = "ok"
		}

		writeJSON(w, http.StatusOK, payload)
	}
}
