// Package billing turns verified PayPal subscription webhooks into membership
// state: the processed-event ledger, subscription rows and elite seats.
package billing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
	"github.com/PortNumber53/creator-membership/backend/internal/store"
)

// Ledger records processed event ids. A repeat id returns store.ErrDuplicateEvent.
type Ledger interface {
	RecordWebhookEvent(ctx context.Context, event models.WebhookEvent) error
}

// Processor runs one verified event through the ledger and the state machines.
type Processor struct {
	ledger    Ledger
	lifecycle *Lifecycle
	seats     *SeatAllocator
	logger    *zap.Logger
}

// NewProcessor wires the processing pipeline.
func NewProcessor(ledger Ledger, lifecycle *Lifecycle, seats *SeatAllocator, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{ledger: ledger, lifecycle: lifecycle, seats: seats, logger: logger}
}

// Process applies env. Sub-step failures are recorded in the report and never
// stop independent steps.
func (p *Processor) Process(ctx context.Context, env Envelope) Report {
	report := Report{EventID: env.ID, EventType: env.EventType}

	if !p.recordLedger(ctx, env, &report) {
		return report
	}

	switch ev := env.Decode().(type) {
	case ActivationEvent:
		res := p.lifecycle.Activate(ctx, ev, &report)
		p.afterPayment(ctx, res, ev.SubscriptionID, &report)

	case PaymentEvent:
		res := p.lifecycle.RecordPayment(ctx, ev, &report)
		p.afterPayment(ctx, res, ev.SubscriptionID, &report)

	case TerminationEvent:
		identity := p.lifecycle.Terminate(ctx, ev, &report)
		if identity.IsEliteMonthly() && p.seats != nil {
			p.seats.Release(ctx, identity.UserID, &report)
		}

	default:
		p.logger.Info("[webhook] ignoring event", zap.String("event_type", env.EventType), zap.String("event_id", env.ID))
		report.record(StepIgnored, OutcomeSkipped, env.EventType, nil)
	}

	return report
}

// recordLedger reports false when the event was already processed.
func (p *Processor) recordLedger(ctx context.Context, env Envelope, report *Report) bool {
	if env.ID == "" {
		p.logger.Warn("[webhook] event without id, cannot deduplicate", zap.String("event_type", env.EventType))
		report.record(StepLedger, OutcomeSkipped, "missing event id", nil)
		return true
	}

	err := p.ledger.RecordWebhookEvent(ctx, models.WebhookEvent{
		EventID:   env.ID,
		EventType: env.EventType,
		Payload:   env.Raw,
	})
	switch {
	case err == nil:
		report.record(StepLedger, OutcomeApplied, "", nil)
		return true
	case errors.Is(err, store.ErrDuplicateEvent):
		p.logger.Info("[webhook] duplicate event", zap.String("event_id", env.ID))
		report.Duplicate = true
		report.record(StepLedger, OutcomeSkipped, "duplicate", nil)
		return false
	default:
		p.logger.Error("[webhook] failed to record event, processing anyway",
			zap.String("event_id", env.ID),
			zap.Error(err),
		)
		report.record(StepLedger, OutcomeFailed, "", err)
		return true
	}
}

func (p *Processor) afterPayment(ctx context.Context, res PaymentResult, subscriptionID string, report *Report) {
	if !res.Counted || !res.Identity.IsEliteMonthly() || p.seats == nil {
		return
	}
	p.seats.RecordPayment(ctx, res.Identity.UserID, subscriptionID, res.PaidAt, report)
}
