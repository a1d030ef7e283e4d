package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/billing"
)

// maxWebhookBody bounds the size of an inbound webhook body.
const maxWebhookBody = 1 << 20

var webhookCORSHeaders = strings.Join([]string{
	"Content-Type",
	billing.HeaderAuthAlgo,
	billing.HeaderCertURL,
	billing.HeaderTransmissionID,
	billing.HeaderTransmissionSig,
	billing.HeaderTransmissionTime,
}, ", ")

// WebhookVerifier authenticates a delivery before it is processed.
type WebhookVerifier interface {
	Verify(ctx context.Context, headers http.Header, body []byte) error
}

// EventProcessor applies one verified event.
type EventProcessor interface {
	Process(ctx context.Context, env billing.Envelope) billing.Report
}

// PayPalWebhookHandler serves the PayPal subscription webhook endpoint.
type PayPalWebhookHandler struct {
	Verifier  WebhookVerifier
	Processor EventProcessor
	logger    *zap.Logger
}

// NewPayPalWebhookHandler creates a PayPalWebhookHandler.
func NewPayPalWebhookHandler(verifier WebhookVerifier, processor EventProcessor, logger *zap.Logger) *PayPalWebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayPalWebhookHandler{Verifier: verifier, Processor: processor, logger: logger}
}

// RegisterRoutes registers the webhook route for every method; the handler
// answers preflight and rejects the rest itself.
func (h *PayPalWebhookHandler) RegisterRoutes(router chi.Router) {
	router.HandleFunc("/api/webhooks/paypal", h.HandleWebhook())
}

// HandleWebhook verifies and processes a PayPal webhook delivery. Processing
// problems past verification are logged and still answered 200 so the
// provider does not retry.
func (h *PayPalWebhookHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", webhookCORSHeaders)

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
			return
		case http.MethodPost:
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("[webhook] unexpected failure",
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": fmt.Sprint(rec)})
			}
		}()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
			return
		}

		env, err := billing.ParseEnvelope(body)
		if err != nil {
			h.logger.Warn("[webhook] malformed payload", zap.Error(err))
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON payload"})
			return
		}

		if err := h.Verifier.Verify(r.Context(), r.Header, body); err != nil {
			h.logger.Warn("[webhook] verification failed",
				zap.String("event_id", env.ID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "webhook verification failed"})
			return
		}

		report := h.Processor.Process(r.Context(), env)
		for _, step := range report.Failed() {
			h.logger.Error("[webhook] step failed",
				zap.String("event_id", report.EventID),
				zap.String("event_type", report.EventType),
				zap.String("step", step.Step),
				zap.String("detail", step.Detail),
				zap.Error(step.Err),
			)
		}

		if report.Duplicate {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
			return
		}

		h.logger.Info("[webhook] processed event",
			zap.String("event_id", report.EventID),
			zap.String("event_type", report.EventType),
			zap.Int("steps", len(report.Steps)),
		)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
