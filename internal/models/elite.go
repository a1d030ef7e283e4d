package models

import "time"

// EliteStatus is the lifecycle state of an elite seat.
type EliteStatus string

const (
	EliteMonthlyActive EliteStatus = "monthly_active"
	EliteLifetime      EliteStatus = "lifetime"
	EliteCanceled      EliteStatus = "canceled"
)

const (
	// EliteSeatCapacity is the number of elite monthly seats.
	EliteSeatCapacity = 50
	// EliteLifetimeMonths is the paid month count that promotes a seat to lifetime.
	EliteLifetimeMonths = 12
)

// EliteMembership is a seat in the fixed-capacity elite monthly tier.
type EliteMembership struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	Status            EliteStatus `json:"status"`
	MonthsPaidCount   int         `json:"months_paid_count"`
	SeatNumber        *int        `json:"seat_number,omitempty"`
	LastPaymentAt     *time.Time  `json:"last_payment_at,omitempty"`
	LifetimeGrantedAt *time.Time  `json:"lifetime_granted_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Occupied reports whether the membership holds a seat.
func (m *EliteMembership) Occupied() bool {
	return m.Status == EliteMonthlyActive || m.Status == EliteLifetime
}

// SeatSummary is the public occupancy view of the elite tier.
type SeatSummary struct {
	Capacity  int `json:"capacity"`
	Occupied  int `json:"occupied"`
	Available int `json:"available"`
}
