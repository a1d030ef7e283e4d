package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

var (
	// ErrDuplicateEvent is returned when the event id is already in the ledger.
	ErrDuplicateEvent = errors.New("store: webhook event already processed")
	// ErrSubscriptionNotFound is returned when no subscription row matches.
	ErrSubscriptionNotFound = errors.New("store: subscription not found")
	// ErrPaymentAlreadyApplied is returned when the payment timestamp matches the last applied cycle.
	ErrPaymentAlreadyApplied = errors.New("store: payment cycle already applied")
)

// Store provides database-backed accessors for membership billing data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr, true
	}
	return nil, false
}

// RecordWebhookEvent inserts the event into the processed-event ledger. A
// second insert of the same event id returns ErrDuplicateEvent.
func (s *Store) RecordWebhookEvent(ctx context.Context, event models.WebhookEvent) error {
	payload := event.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO webhook_events (event_id, event_type, payload)
		 VALUES ($1, $2, $3)`,
		event.EventID,
		event.EventType,
		[]byte(payload),
	)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("store: insert webhook event: %w", err)
	}
	return nil
}

const subscriptionColumns = `subscription_id, user_id, tier, cadence, billing_option, total_cycles,
       cycles_paid, status, next_billing_time, membership_expires_at, last_payment_at,
       created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub           models.Subscription
		userID        sql.NullString
		billingOption sql.NullString
		totalCycles   sql.NullInt64
		nextBilling   sql.NullTime
		expiresAt     sql.NullTime
		lastPayment   sql.NullTime
	)
	if err := row.Scan(
		&sub.SubscriptionID,
		&userID,
		&sub.Tier,
		&sub.Cadence,
		&billingOption,
		&totalCycles,
		&sub.CyclesPaid,
		&sub.Status,
		&nextBilling,
		&expiresAt,
		&lastPayment,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}

	sub.UserID = nullStringPtr(userID)
	if billingOption.Valid && billingOption.String != "" {
		opt := models.BillingOption(billingOption.String)
		sub.BillingOption = &opt
	}
	if totalCycles.Valid {
		n := int(totalCycles.Int64)
		sub.TotalCycles = &n
	}
	sub.NextBillingTime = nullTimePtr(nextBilling)
	sub.MembershipExpiresAt = nullTimePtr(expiresAt)
	sub.LastPaymentAt = nullTimePtr(lastPayment)
	return &sub, nil
}

// UpsertSubscription creates or updates the row keyed by subscription id.
// Empty or nil fields never overwrite values already stored.
func (s *Store) UpsertSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	status := sub.Status
	if status == "" {
		status = models.SubscriptionActive
	}

	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO subscriptions (subscription_id, user_id, tier, cadence, billing_option, total_cycles, status, next_billing_time)
		 VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8)
		 ON CONFLICT (subscription_id) DO UPDATE
		 SET user_id = COALESCE(EXCLUDED.user_id, subscriptions.user_id),
		     tier = COALESCE(NULLIF(EXCLUDED.tier, ''), subscriptions.tier),
		     cadence = COALESCE(NULLIF(EXCLUDED.cadence, ''), subscriptions.cadence),
		     billing_option = COALESCE(EXCLUDED.billing_option, subscriptions.billing_option),
		     total_cycles = COALESCE(EXCLUDED.total_cycles, subscriptions.total_cycles),
		     status = EXCLUDED.status,
		     next_billing_time = COALESCE(EXCLUDED.next_billing_time, subscriptions.next_billing_time),
		     updated_at = NOW()
		 RETURNING `+subscriptionColumns,
		sub.SubscriptionID,
		derefString(sub.UserID),
		string(sub.Tier),
		string(sub.Cadence),
		derefOption(sub.BillingOption),
		intPtrArg(sub.TotalCycles),
		string(status),
		timePtrArg(sub.NextBillingTime),
	)

	out, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("store: upsert subscription: %w", err)
	}
	return out, nil
}

// GetSubscription loads one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE subscription_id = $1`,
		subscriptionID,
	)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// UpdateSubscriptionIdentity fills identity columns that are still empty.
// Known values are never replaced.
func (s *Store) UpdateSubscriptionIdentity(ctx context.Context, subscriptionID string, id models.Identity) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE subscriptions
		 SET user_id = COALESCE(user_id, NULLIF($2, '')),
		     tier = COALESCE(NULLIF(tier, ''), $3),
		     cadence = COALESCE(NULLIF(cadence, ''), $4),
		     billing_option = COALESCE(billing_option, NULLIF($5, '')),
		     total_cycles = COALESCE(total_cycles, $6),
		     updated_at = NOW()
		 WHERE subscription_id = $1`,
		subscriptionID,
		id.UserID,
		string(id.Tier),
		string(id.Cadence),
		string(id.BillingOption),
		intPtrArg(id.TotalCycles()),
	)
	if err != nil {
		return fmt.Errorf("store: backfill subscription identity: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ApplySubscriptionPayment counts one paid cycle. The increment happens in SQL
// and the expiry only ever moves forward. When PaidAt equals the stored
// last_payment_at the cycle is not counted again and ErrPaymentAlreadyApplied
// is returned.
func (s *Store) ApplySubscriptionPayment(ctx context.Context, app models.PaymentApplication) (*models.Subscription, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE subscriptions
		 SET cycles_paid = cycles_paid + 1,
		     membership_expires_at = GREATEST(membership_expires_at, $2::timestamptz),
		     next_billing_time = COALESCE($3::timestamptz, next_billing_time),
		     last_payment_at = COALESCE($4::timestamptz, last_payment_at),
		     status = 'active',
		     updated_at = NOW()
		 WHERE subscription_id = $1
		   AND ($4::timestamptz IS NULL OR last_payment_at IS NULL OR last_payment_at <> $4::timestamptz)
		 RETURNING `+subscriptionColumns,
		app.SubscriptionID,
		timePtrArg(app.MembershipExpiresAt),
		timePtrArg(app.NextBillingTime),
		timePtrArg(app.PaidAt),
	)

	sub, err := scanSubscription(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: apply subscription payment: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE subscription_id = $1)`,
		app.SubscriptionID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("store: check subscription exists: %w", err)
	}
	if exists {
		return nil, ErrPaymentAlreadyApplied
	}
	return nil, ErrSubscriptionNotFound
}

// UpdateSubscriptionStatus sets only the status column.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE subscriptions
		 SET status = $2,
		     updated_at = NOW()
		 WHERE subscription_id = $1`,
		subscriptionID,
		string(status),
	)
	if err != nil {
		return fmt.Errorf("store: update subscription status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetUserMembershipTier mirrors the tier onto the platform profile used for
// access control.
func (s *Store) SetUserMembershipTier(ctx context.Context, userID string, tier models.Tier) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO profiles (id, membership_tier)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE
		 SET membership_tier = EXCLUDED.membership_tier,
		     updated_at = NOW()`,
		userID,
		string(tier),
	); err != nil {
		return fmt.Errorf("store: set membership tier: %w", err)
	}
	return nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	value := nt.Time.UTC()
	return &value
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefOption(o *models.BillingOption) string {
	if o == nil {
		return ""
	}
	return string(*o)
}

func intPtrArg(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
