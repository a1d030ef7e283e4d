package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
	"github.com/PortNumber53/creator-membership/backend/internal/store"
)

// SubscriptionReader loads a subscription row by provider id.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
}

// SeatReporter reports elite seat occupancy.
type SeatReporter interface {
	Summary(ctx context.Context) (models.SeatSummary, error)
}

// GetSubscription returns the stored subscription for the subscriptionID URL param.
func GetSubscription(reader SubscriptionReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "subscriptionID")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "subscription id is required"})
			return
		}

		sub, err := reader.GetSubscription(r.Context(), id)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "subscription not found"})
			return
		}
		if err != nil {
			logger.Error("[api] failed to load subscription", zap.String("subscription_id", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load subscription"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
	}
}

// EliteSeats returns capacity, occupied and available elite seats.
func EliteSeats(reporter SeatReporter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := reporter.Summary(r.Context())
		if err != nil {
			logger.Error("[api] failed to load seat summary", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load seats"})
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
