package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
)

var eliteRowColumns = []string{
	"id", "user_id", "status", "months_paid_count", "seat_number", "last_payment_at",
	"lifetime_granted_at", "created_at", "updated_at",
}

func TestGetActiveEliteMembershipNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM elite_memberships`)).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetActiveEliteMembership(context.Background(), "u1"); !errors.Is(err, ErrEliteMembershipNotFound) {
		t.Fatalf("expected ErrEliteMembershipNotFound, got %v", err)
	}
}

func TestListOccupiedSeats(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"seat_number"}).AddRow(1).AddRow(2).AddRow(4)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT seat_number`)).WillReturnRows(rows)

	seats, err := s.ListOccupiedSeats(context.Background())
	if err != nil {
		t.Fatalf("ListOccupiedSeats returned error: %v", err)
	}
	if len(seats) != 3 || seats[2] != 4 {
		t.Fatalf("unexpected seats: %v", seats)
	}
}

func TestCreateEliteMembershipAssignsID(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO elite_memberships`)).
		WithArgs(sqlmock.AnyArg(), "u1", "monthly_active", 1, int64(3), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	seat := 3
	m := &models.EliteMembership{UserID: "u1", MonthsPaidCount: 1, SeatNumber: &seat, LastPaymentAt: &now}
	if err := s.CreateEliteMembership(context.Background(), m); err != nil {
		t.Fatalf("CreateEliteMembership returned error: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected generated id")
	}
	if m.Status != models.EliteMonthlyActive {
		t.Fatalf("unexpected status %q", m.Status)
	}
}

func TestCreateEliteMembershipConstraintMapping(t *testing.T) {
	cases := []struct {
		constraint string
		want       error
	}{
		{eliteSeatIndex, ErrSeatTaken},
		{eliteUserIndex, ErrEliteMembershipExists},
	}

	for _, tc := range cases {
		t.Run(tc.constraint, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO elite_memberships`)).
				WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: tc.constraint})

			seat := 1
			err := s.CreateEliteMembership(context.Background(), &models.EliteMembership{UserID: "u1", SeatNumber: &seat})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRecordElitePaymentReturnsRow(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(eliteRowColumns).
		AddRow("m1", "u1", "monthly_active", 12, 7, now, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta(`SET months_paid_count = months_paid_count + 1`)).
		WithArgs("m1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	m, err := s.RecordElitePayment(context.Background(), "m1", now)
	if err != nil {
		t.Fatalf("RecordElitePayment returned error: %v", err)
	}
	if m.MonthsPaidCount != 12 || m.SeatNumber == nil || *m.SeatNumber != 7 {
		t.Fatalf("unexpected membership: %+v", m)
	}
	if m.LifetimeGrantedAt != nil {
		t.Fatal("expected nil lifetime_granted_at")
	}
}

func TestGrantLifetimeOnlyOnce(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'lifetime'`)).
		WithArgs("m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'lifetime'`)).
		WithArgs("m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	granted, err := s.GrantLifetime(context.Background(), "m1", time.Now())
	if err != nil || !granted {
		t.Fatalf("expected first grant, got %v %v", granted, err)
	}
	granted, err = s.GrantLifetime(context.Background(), "m1", time.Now())
	if err != nil || granted {
		t.Fatalf("expected no second grant, got %v %v", granted, err)
	}
}

func TestReleaseEliteSeat(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'canceled'`)).
		WithArgs("m1", models.EliteLifetimeMonths).
		WillReturnResult(sqlmock.NewResult(0, 1))

	released, err := s.ReleaseEliteSeat(context.Background(), "m1")
	if err != nil || !released {
		t.Fatalf("expected release, got %v %v", released, err)
	}
}
