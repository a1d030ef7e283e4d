package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
)

// Partial unique indexes on elite_memberships, see migrations.
const (
	eliteSeatIndex = "elite_memberships_active_seat_idx"
	eliteUserIndex = "elite_memberships_active_user_idx"
)

var (
	// ErrEliteMembershipNotFound is returned when the user holds no active or lifetime seat.
	ErrEliteMembershipNotFound = errors.New("store: elite membership not found")
	// ErrSeatTaken is returned when another membership claimed the seat number first.
	ErrSeatTaken = errors.New("store: elite seat already taken")
	// ErrEliteMembershipExists is returned when the user already holds a seat.
	ErrEliteMembershipExists = errors.New("store: elite membership already exists")
)

const eliteColumns = `id, user_id, status, months_paid_count, seat_number, last_payment_at,
       lifetime_granted_at, created_at, updated_at`

func scanEliteMembership(row rowScanner) (*models.EliteMembership, error) {
	var (
		m           models.EliteMembership
		seat        sql.NullInt64
		lastPayment sql.NullTime
		lifetimeAt  sql.NullTime
	)
	if err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.Status,
		&m.MonthsPaidCount,
		&seat,
		&lastPayment,
		&lifetimeAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if seat.Valid {
		n := int(seat.Int64)
		m.SeatNumber = &n
	}
	m.LastPaymentAt = nullTimePtr(lastPayment)
	m.LifetimeGrantedAt = nullTimePtr(lifetimeAt)
	return &m, nil
}

// GetActiveEliteMembership returns the user's monthly_active or lifetime membership.
func (s *Store) GetActiveEliteMembership(ctx context.Context, userID string) (*models.EliteMembership, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+eliteColumns+`
		 FROM elite_memberships
		 WHERE user_id = $1
		   AND status IN ('monthly_active', 'lifetime')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
	)

	m, err := scanEliteMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEliteMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get elite membership: %w", err)
	}
	return m, nil
}

// ListOccupiedSeats returns the seat numbers held by active or lifetime members, ascending.
func (s *Store) ListOccupiedSeats(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT seat_number
		 FROM elite_memberships
		 WHERE status IN ('monthly_active', 'lifetime')
		   AND seat_number IS NOT NULL
		 ORDER BY seat_number ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list occupied seats: %w", err)
	}
	defer rows.Close()

	var seats []int
	for rows.Next() {
		var seat int
		if err := rows.Scan(&seat); err != nil {
			return nil, fmt.Errorf("store: scan seat: %w", err)
		}
		seats = append(seats, seat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate seats: %w", err)
	}
	return seats, nil
}

// CreateEliteMembership inserts a new monthly_active membership. Losing a race
// for the seat number returns ErrSeatTaken.
func (s *Store) CreateEliteMembership(ctx context.Context, m *models.EliteMembership) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.EliteMonthlyActive
	}

	var seat any
	if m.SeatNumber != nil {
		seat = int64(*m.SeatNumber)
	}

	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO elite_memberships (id, user_id, status, months_paid_count, seat_number, last_payment_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		m.ID,
		m.UserID,
		string(m.Status),
		m.MonthsPaidCount,
		seat,
		timePtrArg(m.LastPaymentAt),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if pqErr, ok := isUniqueViolation(err); ok {
			switch pqErr.Constraint {
			case eliteUserIndex:
				return ErrEliteMembershipExists
			case eliteSeatIndex:
				return ErrSeatTaken
			}
			return fmt.Errorf("%w: %s", ErrSeatTaken, pqErr.Constraint)
		}
		return fmt.Errorf("store: create elite membership: %w", err)
	}
	return nil
}

// RecordElitePayment increments months_paid_count and returns the updated row.
func (s *Store) RecordElitePayment(ctx context.Context, id string, paidAt time.Time) (*models.EliteMembership, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE elite_memberships
		 SET months_paid_count = months_paid_count + 1,
		     last_payment_at = $2,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+eliteColumns,
		id,
		paidAt.UTC(),
	)

	m, err := scanEliteMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEliteMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: record elite payment: %w", err)
	}
	return m, nil
}

// GrantLifetime promotes a monthly_active membership to lifetime. It reports
// false when the row was already lifetime, so the grant happens once.
func (s *Store) GrantLifetime(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE elite_memberships
		 SET status = 'lifetime',
		     lifetime_granted_at = $2,
		     updated_at = NOW()
		 WHERE id = $1
		   AND status = 'monthly_active'`,
		id,
		at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("store: grant lifetime: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: grant lifetime rows: %w", err)
	}
	return affected > 0, nil
}

// ReleaseEliteSeat cancels a monthly_active membership below the lifetime
// threshold and frees its seat. Lifetime rows are never touched.
func (s *Store) ReleaseEliteSeat(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE elite_memberships
		 SET status = 'canceled',
		     seat_number = NULL,
		     updated_at = NOW()
		 WHERE id = $1
		   AND status = 'monthly_active'
		   AND months_paid_count < $2`,
		id,
		models.EliteLifetimeMonths,
	)
	if err != nil {
		return false, fmt.Errorf("store: release elite seat: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: release elite seat rows: %w", err)
	}
	return affected > 0, nil
}
