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

const (
	maxSeatClaimAttempts = 3
	lifetimeCancelReason = "Elite lifetime membership granted after 12 paid months"
)

// errSeatsFull means every seat in [1, capacity] is occupied.
var errSeatsFull = errors.New("all elite seats are occupied")

// EliteStore persists elite seat memberships.
type EliteStore interface {
	GetActiveEliteMembership(ctx context.Context, userID string) (*models.EliteMembership, error)
	ListOccupiedSeats(ctx context.Context) ([]int, error)
	CreateEliteMembership(ctx context.Context, m *models.EliteMembership) error
	RecordElitePayment(ctx context.Context, id string, paidAt time.Time) (*models.EliteMembership, error)
	GrantLifetime(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseEliteSeat(ctx context.Context, id string) (bool, error)
}

// ProviderCanceler stops billing on the provider side.
type ProviderCanceler interface {
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error
}

// FollowupQueue records provider cancels that must be retried later.
type FollowupQueue interface {
	EnqueueProviderCancel(ctx context.Context, subscriptionID, reason string) error
}

// SeatAllocator manages the fixed-capacity elite monthly tier.
type SeatAllocator struct {
	store     EliteStore
	canceler  ProviderCanceler
	followups FollowupQueue
	capacity  int
	now       func() time.Time
	logger    *zap.Logger
}

// NewSeatAllocator creates a SeatAllocator. A non-positive capacity uses
// models.EliteSeatCapacity; followups may be nil.
func NewSeatAllocator(st EliteStore, canceler ProviderCanceler, followups FollowupQueue, capacity int, logger *zap.Logger) *SeatAllocator {
	if capacity <= 0 {
		capacity = models.EliteSeatCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeatAllocator{
		store:     st,
		canceler:  canceler,
		followups: followups,
		capacity:  capacity,
		now:       time.Now,
		logger:    logger,
	}
}

// Capacity returns the configured seat count.
func (a *SeatAllocator) Capacity() int {
	return a.capacity
}

// lowestFreeSeat returns the smallest seat in [1, capacity] not in occupied.
func lowestFreeSeat(occupied []int, capacity int) (int, bool) {
	taken := make(map[int]struct{}, len(occupied))
	for _, s := range occupied {
		taken[s] = struct{}{}
	}
	for seat := 1; seat <= capacity; seat++ {
		if _, ok := taken[seat]; !ok {
			return seat, true
		}
	}
	return 0, false
}

// RecordPayment counts one paid elite month for userID. The first payment
// claims a seat; the payment that reaches the lifetime threshold grants
// lifetime and cancels the provider subscription.
func (a *SeatAllocator) RecordPayment(ctx context.Context, userID, subscriptionID string, paidAt time.Time, report *Report) {
	if userID == "" {
		report.record(StepSeat, OutcomeSkipped, "missing user id", nil)
		return
	}

	m, err := a.store.GetActiveEliteMembership(ctx, userID)
	if errors.Is(err, store.ErrEliteMembershipNotFound) {
		_, err = a.claimSeat(ctx, userID, paidAt, report)
		if !errors.Is(err, store.ErrEliteMembershipExists) {
			return
		}
		// Another delivery created the membership first; count this month on it.
		m, err = a.store.GetActiveEliteMembership(ctx, userID)
	}
	if err != nil {
		a.logger.Error("[seats] failed to load elite membership",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		report.record(StepSeat, OutcomeFailed, "load membership", err)
		return
	}

	a.countMonth(ctx, m, subscriptionID, paidAt, report)
}

func (a *SeatAllocator) claimSeat(ctx context.Context, userID string, paidAt time.Time, report *Report) (*models.EliteMembership, error) {
	for attempt := 1; attempt <= maxSeatClaimAttempts; attempt++ {
		occupied, err := a.store.ListOccupiedSeats(ctx)
		if err != nil {
			a.logger.Error("[seats] failed to list occupied seats", zap.Error(err))
			report.record(StepSeat, OutcomeFailed, "list seats", err)
			return nil, err
		}

		seat, ok := lowestFreeSeat(occupied, a.capacity)
		if !ok {
			a.logger.Warn("[seats] elite tier is full, no seat assigned",
				zap.String("user_id", userID),
				zap.Int("capacity", a.capacity),
			)
			report.record(StepSeat, OutcomeSkipped, "capacity reached", nil)
			return nil, errSeatsFull
		}

		paid := paidAt.UTC()
		m := &models.EliteMembership{
			UserID:          userID,
			Status:          models.EliteMonthlyActive,
			MonthsPaidCount: 1,
			SeatNumber:      &seat,
			LastPaymentAt:   &paid,
		}
		err = a.store.CreateEliteMembership(ctx, m)
		switch {
		case err == nil:
			a.logger.Info("[seats] assigned elite seat",
				zap.String("user_id", userID),
				zap.Int("seat_number", seat),
			)
			report.record(StepSeat, OutcomeApplied, fmt.Sprintf("seat %d assigned", seat), nil)
			return m, nil
		case errors.Is(err, store.ErrSeatTaken):
			a.logger.Info("[seats] seat claimed concurrently, retrying",
				zap.Int("seat_number", seat),
				zap.Int("attempt", attempt),
			)
			continue
		case errors.Is(err, store.ErrEliteMembershipExists):
			return nil, err
		default:
			a.logger.Error("[seats] failed to create elite membership",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			report.record(StepSeat, OutcomeFailed, "create membership", err)
			return nil, err
		}
	}

	err := fmt.Errorf("%w after %d attempts", store.ErrSeatTaken, maxSeatClaimAttempts)
	report.record(StepSeat, OutcomeFailed, "seat contention", err)
	return nil, err
}

func (a *SeatAllocator) countMonth(ctx context.Context, m *models.EliteMembership, subscriptionID string, paidAt time.Time, report *Report) {
	updated, err := a.store.RecordElitePayment(ctx, m.ID, paidAt)
	if err != nil {
		a.logger.Error("[seats] failed to record elite payment",
			zap.String("membership_id", m.ID),
			zap.Error(err),
		)
		report.record(StepSeat, OutcomeFailed, "record payment", err)
		return
	}

	detail := fmt.Sprintf("months_paid_count=%d", updated.MonthsPaidCount)
	if updated.MonthsPaidCount < models.EliteLifetimeMonths || updated.Status == models.EliteLifetime {
		report.record(StepSeat, OutcomeApplied, detail, nil)
		return
	}

	granted, err := a.store.GrantLifetime(ctx, updated.ID, a.now().UTC())
	if err != nil {
		a.logger.Error("[seats] failed to grant lifetime",
			zap.String("membership_id", updated.ID),
			zap.Error(err),
		)
		report.record(StepSeat, OutcomeFailed, "grant lifetime", err)
		return
	}
	if !granted {
		report.record(StepSeat, OutcomeApplied, detail, nil)
		return
	}

	a.logger.Info("[seats] lifetime granted",
		zap.String("user_id", updated.UserID),
		zap.String("membership_id", updated.ID),
	)
	report.record(StepSeat, OutcomeApplied, detail+", lifetime granted", nil)
	a.stopBilling(ctx, subscriptionID, report)
}

// stopBilling cancels the provider subscription after a lifetime grant. A
// failed call is queued for retry; the grant always stands.
func (a *SeatAllocator) stopBilling(ctx context.Context, subscriptionID string, report *Report) {
	if subscriptionID == "" || a.canceler == nil {
		report.record(StepProviderStop, OutcomeSkipped, "no subscription to cancel", nil)
		return
	}

	err := a.canceler.CancelSubscription(ctx, subscriptionID, lifetimeCancelReason)
	if err == nil {
		report.record(StepProviderStop, OutcomeApplied, "", nil)
		return
	}

	a.logger.Error("[seats] provider cancel failed after lifetime grant",
		zap.String("subscription_id", subscriptionID),
		zap.Error(err),
	)
	if a.followups == nil {
		report.record(StepProviderStop, OutcomeFailed, "cancel failed", err)
		return
	}
	if qerr := a.followups.EnqueueProviderCancel(ctx, subscriptionID, lifetimeCancelReason); qerr != nil {
		a.logger.Error("[seats] failed to enqueue provider cancel follow-up",
			zap.String("subscription_id", subscriptionID),
			zap.Error(qerr),
		)
		report.record(StepProviderStop, OutcomeFailed, "cancel failed, follow-up not queued", errors.Join(err, qerr))
		return
	}
	report.record(StepProviderStop, OutcomePartial, "cancel failed, follow-up queued", err)
}

// Release frees the seat of a monthly member who has not reached lifetime.
func (a *SeatAllocator) Release(ctx context.Context, userID string, report *Report) {
	if userID == "" {
		report.record(StepSeat, OutcomeSkipped, "missing user id", nil)
		return
	}

	m, err := a.store.GetActiveEliteMembership(ctx, userID)
	if errors.Is(err, store.ErrEliteMembershipNotFound) {
		report.record(StepSeat, OutcomeSkipped, "no elite membership", nil)
		return
	}
	if err != nil {
		a.logger.Error("[seats] failed to load elite membership",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		report.record(StepSeat, OutcomeFailed, "load membership", err)
		return
	}

	if m.Status == models.EliteLifetime || m.MonthsPaidCount >= models.EliteLifetimeMonths {
		report.record(StepSeat, OutcomeSkipped, "lifetime membership kept", nil)
		return
	}

	released, err := a.store.ReleaseEliteSeat(ctx, m.ID)
	if err != nil {
		a.logger.Error("[seats] failed to release elite seat",
			zap.String("membership_id", m.ID),
			zap.Error(err),
		)
		report.record(StepSeat, OutcomeFailed, "release seat", err)
		return
	}
	if !released {
		report.record(StepSeat, OutcomeSkipped, "membership changed concurrently", nil)
		return
	}

	fields := []zap.Field{zap.String("user_id", userID)}
	if m.SeatNumber != nil {
		fields = append(fields, zap.Int("seat_number", *m.SeatNumber))
	}
	a.logger.Info("[seats] released elite seat", fields...)
	report.record(StepSeat, OutcomeApplied, "seat released", nil)
}

// Summary returns the current seat occupancy.
func (a *SeatAllocator) Summary(ctx context.Context) (models.SeatSummary, error) {
	occupied, err := a.store.ListOccupiedSeats(ctx)
	if err != nil {
		return models.SeatSummary{}, err
	}
	n := len(occupied)
	available := a.capacity - n
	if available < 0 {
		available = 0
	}
	return models.SeatSummary{Capacity: a.capacity, Occupied: n, Available: available}, nil
}
