package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
	"github.com/PortNumber53/creator-membership/backend/internal/store"
)

// Membership extension per paid cycle, in calendar months.
const (
	splitPlanExtensionMonths = 4
	monthlyExtensionMonths   = 1
	yearlyExtensionMonths    = 12
)

// SubscriptionStore persists subscription rows and the profile tier mirror.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	UpdateSubscriptionIdentity(ctx context.Context, subscriptionID string, id models.Identity) error
	ApplySubscriptionPayment(ctx context.Context, app models.PaymentApplication) (*models.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error
	SetUserMembershipTier(ctx context.Context, userID string, tier models.Tier) error
}

// ExtensionMonths returns how far one paid cycle extends the membership.
// It reports false when the cadence is unknown.
func ExtensionMonths(id models.Identity) (int, bool) {
	switch {
	case id.IsSplitPlan():
		return splitPlanExtensionMonths, true
	case id.Cadence == models.CadenceMonthly:
		return monthlyExtensionMonths, true
	case id.Cadence == models.CadenceYearly:
		return yearlyExtensionMonths, true
	}
	return 0, false
}

// ExtendExpiry adds months to the later of now and current. Month overflow
// rolls over into the next month, so Jan 31 plus one month is Mar 3.
func ExtendExpiry(now time.Time, current *time.Time, months int) time.Time {
	base := now.UTC()
	if current != nil && current.After(base) {
		base = current.UTC()
	}
	return base.AddDate(0, months, 0)
}

// Lifecycle applies provider events to subscription rows.
type Lifecycle struct {
	store    SubscriptionStore
	resolver *Resolver
	now      func() time.Time
	logger   *zap.Logger
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(st SubscriptionStore, resolver *Resolver, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{store: st, resolver: resolver, now: time.Now, logger: logger}
}

// PaymentResult tells the caller what a payment did, for seat handling.
type PaymentResult struct {
	Identity models.Identity
	// Counted is true when a new cycle was counted on the subscription.
	Counted bool
	PaidAt  time.Time
}

// Activate upserts the subscription row for a created or activated event.
// When the event already carries a completed payment, that cycle is applied too.
func (l *Lifecycle) Activate(ctx context.Context, ev ActivationEvent, report *Report) PaymentResult {
	identity, res := l.resolver.Resolve(ctx, models.Identity{}, ev.SubscriptionRef)
	report.add(res)

	if ev.SubscriptionID == "" {
		report.record(StepActivation, OutcomeSkipped, "missing subscription id", nil)
		return PaymentResult{Identity: identity}
	}

	row := models.Subscription{
		SubscriptionID:  ev.SubscriptionID,
		Tier:            identity.Tier,
		Cadence:         identity.Cadence,
		TotalCycles:     identity.TotalCycles(),
		Status:          models.SubscriptionActive,
		NextBillingTime: ev.NextBillingTime,
	}
	if identity.UserID != "" {
		userID := identity.UserID
		row.UserID = &userID
	}
	if identity.BillingOption != "" {
		opt := identity.BillingOption
		row.BillingOption = &opt
	}

	current, err := l.store.UpsertSubscription(ctx, row)
	if err != nil {
		l.logger.Error("[webhook] failed to upsert subscription",
			zap.String("subscription_id", ev.SubscriptionID),
			zap.Error(err),
		)
		report.record(StepActivation, OutcomeFailed, "upsert subscription", err)
		current = &row
	} else {
		report.record(StepActivation, OutcomeApplied, "", nil)
		identity = Merge(identity, current.Identity())
	}

	if !ev.HasLastPayment {
		return PaymentResult{Identity: identity}
	}

	l.logger.Info("[webhook] activation carries initial payment",
		zap.String("subscription_id", ev.SubscriptionID),
	)
	return l.applyCycle(ctx, current, identity, ev.NextBillingTime, ev.LastPaymentAt, report)
}

// RecordPayment applies one successful recurring payment to an existing row.
// Payments for unknown subscriptions are skipped.
func (l *Lifecycle) RecordPayment(ctx context.Context, ev PaymentEvent, report *Report) PaymentResult {
	if ev.SubscriptionID == "" {
		report.record(StepPayment, OutcomeSkipped, "missing subscription id", nil)
		return PaymentResult{}
	}

	current, err := l.store.GetSubscription(ctx, ev.SubscriptionID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		l.logger.Warn("[webhook] payment for unknown subscription",
			zap.String("subscription_id", ev.SubscriptionID),
		)
		report.record(StepPayment, OutcomeSkipped, "unknown subscription", nil)
		return PaymentResult{}
	}
	if err != nil {
		l.logger.Error("[webhook] failed to load subscription",
			zap.String("subscription_id", ev.SubscriptionID),
			zap.Error(err),
		)
		report.record(StepPayment, OutcomeFailed, "load subscription", err)
		return PaymentResult{}
	}

	known := current.Identity()
	identity, res := l.resolver.Resolve(ctx, known, ev.SubscriptionRef)
	report.add(res)

	if identity != known {
		if err := l.store.UpdateSubscriptionIdentity(ctx, ev.SubscriptionID, identity); err != nil {
			l.logger.Error("[webhook] failed to backfill subscription identity",
				zap.String("subscription_id", ev.SubscriptionID),
				zap.Error(err),
			)
			report.record(StepBackfill, OutcomeFailed, "", err)
		} else {
			report.record(StepBackfill, OutcomeApplied, "", nil)
		}
	}

	return l.applyCycle(ctx, current, identity, ev.NextBillingTime, ev.PaidAt, report)
}

// applyCycle counts one cycle, extends the expiry and syncs the profile tier.
func (l *Lifecycle) applyCycle(
	ctx context.Context,
	current *models.Subscription,
	identity models.Identity,
	nextBilling *time.Time,
	paidAt *time.Time,
	report *Report,
) PaymentResult {
	now := l.now().UTC()
	result := PaymentResult{Identity: identity, PaidAt: now}
	if paidAt != nil {
		result.PaidAt = *paidAt
	}

	app := models.PaymentApplication{
		SubscriptionID:  current.SubscriptionID,
		NextBillingTime: nextBilling,
		PaidAt:          paidAt,
	}

	months, known := ExtensionMonths(identity)
	if known {
		expiry := ExtendExpiry(now, current.MembershipExpiresAt, months)
		app.MembershipExpiresAt = &expiry
	}

	updated, err := l.store.ApplySubscriptionPayment(ctx, app)
	switch {
	case errors.Is(err, store.ErrPaymentAlreadyApplied):
		l.logger.Info("[webhook] payment cycle already applied",
			zap.String("subscription_id", current.SubscriptionID),
		)
		report.record(StepPayment, OutcomeSkipped, "cycle already applied", nil)
		return result
	case errors.Is(err, store.ErrSubscriptionNotFound):
		report.record(StepPayment, OutcomeSkipped, "unknown subscription", nil)
		return result
	case err != nil:
		l.logger.Error("[webhook] failed to apply payment",
			zap.String("subscription_id", current.SubscriptionID),
			zap.Error(err),
		)
		report.record(StepPayment, OutcomeFailed, "apply payment", err)
		// Downstream steps proceed on the in-memory values.
		result.Counted = true
	default:
		result.Counted = true
		detail := fmt.Sprintf("cycles_paid=%d", updated.CyclesPaid)
		if known {
			report.record(StepPayment, OutcomeApplied, detail, nil)
		} else {
			l.logger.Warn("[webhook] unknown cadence, membership expiry not extended",
				zap.String("subscription_id", current.SubscriptionID),
			)
			report.record(StepPayment, OutcomePartial, detail+", expiry not extended", nil)
		}
	}

	l.syncTier(ctx, identity, report)
	return result
}

func (l *Lifecycle) syncTier(ctx context.Context, identity models.Identity, report *Report) {
	if identity.UserID == "" || identity.Tier == "" {
		report.record(StepTierSync, OutcomeSkipped, "identity incomplete", nil)
		return
	}
	if err := l.store.SetUserMembershipTier(ctx, identity.UserID, identity.Tier); err != nil {
		l.logger.Warn("[webhook] failed to sync membership tier",
			zap.String("user_id", identity.UserID),
			zap.Error(err),
		)
		report.record(StepTierSync, OutcomeFailed, "", err)
		return
	}
	report.record(StepTierSync, OutcomeApplied, string(identity.Tier), nil)
}

// Terminate records a cancelled, suspended or expired status. It returns the
// best known identity so seat release can run.
func (l *Lifecycle) Terminate(ctx context.Context, ev TerminationEvent, report *Report) models.Identity {
	if ev.SubscriptionID == "" {
		report.record(StepStatus, OutcomeSkipped, "missing subscription id", nil)
		return l.resolver.fromSources(ev.CustomID, ev.PlanID)
	}

	var known models.Identity
	current, err := l.store.GetSubscription(ctx, ev.SubscriptionID)
	switch {
	case err == nil:
		known = current.Identity()
	case !errors.Is(err, store.ErrSubscriptionNotFound):
		l.logger.Warn("[webhook] failed to load subscription for status change",
			zap.String("subscription_id", ev.SubscriptionID),
			zap.Error(err),
		)
	}

	if err := l.store.UpdateSubscriptionStatus(ctx, ev.SubscriptionID, ev.Status); err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			report.record(StepStatus, OutcomeSkipped, "unknown subscription", nil)
		} else {
			l.logger.Error("[webhook] failed to update subscription status",
				zap.String("subscription_id", ev.SubscriptionID),
				zap.String("status", string(ev.Status)),
				zap.Error(err),
			)
			report.record(StepStatus, OutcomeFailed, string(ev.Status), err)
		}
	} else {
		report.record(StepStatus, OutcomeApplied, string(ev.Status), nil)
	}

	return Merge(known, l.resolver.fromSources(ev.CustomID, ev.PlanID))
}
