package models

import (
	"encoding/json"
	"time"
)

// Tier is a membership tier sold through provider subscriptions.
type Tier string

const (
	TierSilver  Tier = "silver"
	TierGold    Tier = "gold"
	TierDiamond Tier = "diamond"
	TierElite   Tier = "elite"
)

// Cadence is the billing frequency of a subscription.
type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceYearly  Cadence = "yearly"
)

// BillingOption splits the diamond yearly cadence into a full or split payment.
type BillingOption string

const (
	BillingOptionFull  BillingOption = "full"
	BillingOptionSplit BillingOption = "split"
)

// SubscriptionStatus is the persisted state of a Subscription row.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// SplitPlanCycles is the fixed installment count of a diamond yearly split plan.
const SplitPlanCycles = 3

// WebhookEvent is one row of the processed-event ledger.
type WebhookEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// Subscription mirrors one provider billing agreement mapped to a platform user.
type Subscription struct {
	SubscriptionID      string             `json:"subscription_id"`
	UserID              *string            `json:"user_id,omitempty"`
	Tier                Tier               `json:"tier"`
	Cadence             Cadence            `json:"cadence"`
	BillingOption       *BillingOption     `json:"billing_option,omitempty"`
	TotalCycles         *int               `json:"total_cycles,omitempty"`
	CyclesPaid          int                `json:"cycles_paid"`
	Status              SubscriptionStatus `json:"status"`
	NextBillingTime     *time.Time         `json:"next_billing_time,omitempty"`
	MembershipExpiresAt *time.Time         `json:"membership_expires_at,omitempty"`
	LastPaymentAt       *time.Time         `json:"last_payment_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Identity returns the identity fields currently recorded on the row.
func (s *Subscription) Identity() Identity {
	id := Identity{Tier: s.Tier, Cadence: s.Cadence}
	if s.UserID != nil {
		id.UserID = *s.UserID
	}
	if s.BillingOption != nil {
		id.BillingOption = *s.BillingOption
	}
	return id
}

// PaymentApplication describes one confirmed cycle to apply to a subscription.
type PaymentApplication struct {
	SubscriptionID string
	// MembershipExpiresAt is the candidate new expiry; stores keep the later of it and the current value.
	MembershipExpiresAt *time.Time
	NextBillingTime     *time.Time
	// PaidAt is the provider-reported payment time, used as the cycle key when present.
	PaidAt *time.Time
}

// Identity is the (possibly partial) linkage of a subscription to a tier and user.
type Identity struct {
	UserID        string        `json:"user_id,omitempty"`
	Tier          Tier          `json:"tier,omitempty"`
	Cadence       Cadence       `json:"cadence,omitempty"`
	BillingOption BillingOption `json:"billing_option,omitempty"`
}

// Complete reports whether the user, tier and cadence are all known.
func (i Identity) Complete() bool {
	return i.UserID != "" && i.Tier != "" && i.Cadence != ""
}

// IsSplitPlan reports whether the identity is the diamond yearly split plan.
func (i Identity) IsSplitPlan() bool {
	return i.Tier == TierDiamond && i.Cadence == CadenceYearly && i.BillingOption == BillingOptionSplit
}

// IsEliteMonthly reports whether seat allocation applies.
func (i Identity) IsEliteMonthly() bool {
	return i.Tier == TierElite && i.Cadence == CadenceMonthly
}

// TotalCycles is 3 for the split plan and nil (indefinite) otherwise.
func (i Identity) TotalCycles() *int {
	if !i.IsSplitPlan() {
		return nil
	}
	n := SplitPlanCycles
	return &n
}

// PlanMapping binds a configured provider plan id to tier, cadence and billing option.
type PlanMapping struct {
	PlanID        string        `json:"plan_id" yaml:"plan_id" validate:"required"`
	Tier          Tier          `json:"tier" yaml:"tier" validate:"required"`
	Cadence       Cadence       `json:"cadence" yaml:"cadence" validate:"required,oneof=monthly yearly"`
	BillingOption BillingOption `json:"billing_option,omitempty" yaml:"billing_option" validate:"omitempty,oneof=full split"`
}
