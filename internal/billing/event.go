package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
)

// Recognized provider event types.
const (
	EventSubscriptionActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	EventSubscriptionCreated   = "BILLING.SUBSCRIPTION.CREATED"
	EventPaymentSucceeded      = "BILLING.SUBSCRIPTION.PAYMENT.SUCCEEDED"
	EventSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
	EventSubscriptionSuspended = "BILLING.SUBSCRIPTION.SUSPENDED"
	EventSubscriptionExpired   = "BILLING.SUBSCRIPTION.EXPIRED"
)

// ErrMalformedEvent is returned when the body is not a JSON object.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Envelope is the outer shape of a provider webhook delivery.
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`

	// Raw is the body exactly as received.
	Raw json.RawMessage `json:"-"`
}

// ParseEnvelope decodes the outer event. Only unparseable JSON is an error; a
// missing or odd resource decodes to an UnknownEvent later.
func ParseEnvelope(body []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: body is not a JSON object", ErrMalformedEvent)
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	env.Raw = append(json.RawMessage(nil), trimmed...)
	return env, nil
}

// Event is one decoded provider event. The concrete types are
// ActivationEvent, PaymentEvent, TerminationEvent and UnknownEvent.
type Event interface {
	Type() string
}

// SubscriptionRef is the linkage data every subscription event can carry.
type SubscriptionRef struct {
	SubscriptionID string
	CustomID       string
	PlanID         string
}

// ActivationEvent is a subscription created or activated event.
type ActivationEvent struct {
	EventType string
	SubscriptionRef
	NextBillingTime *time.Time
	// LastPaymentAt is set when the billing info already reports a completed payment.
	LastPaymentAt  *time.Time
	HasLastPayment bool
}

// PaymentEvent is a successful recurring payment.
type PaymentEvent struct {
	SubscriptionRef
	NextBillingTime *time.Time
	PaidAt          *time.Time
}

// TerminationEvent is a cancellation, suspension or expiry.
type TerminationEvent struct {
	EventType string
	SubscriptionRef
	Status models.SubscriptionStatus
}

// UnknownEvent is any event type or shape the processor does not act on.
type UnknownEvent struct {
	EventType string
}

func (e ActivationEvent) Type() string  { return e.EventType }
func (e PaymentEvent) Type() string     { return EventPaymentSucceeded }
func (e TerminationEvent) Type() string { return e.EventType }
func (e UnknownEvent) Type() string     { return e.EventType }

type moneyAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency_code"`
}

type eventResource struct {
	ID                 string `json:"id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	PlanID             string `json:"plan_id"`
	CustomID           string `json:"custom_id"`
	Custom             string `json:"custom"`
	CreateTime         string `json:"create_time"`
	BillingInfo        *struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     *struct {
			Time   string       `json:"time"`
			Amount *moneyAmount `json:"amount"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

func (r eventResource) subscriptionID() string {
	if r.BillingAgreementID != "" {
		return r.BillingAgreementID
	}
	return r.ID
}

func (r eventResource) customID() string {
	if r.CustomID != "" {
		return r.CustomID
	}
	return r.Custom
}

func (r eventResource) ref() SubscriptionRef {
	return SubscriptionRef{
		SubscriptionID: strings.TrimSpace(r.subscriptionID()),
		CustomID:       strings.TrimSpace(r.customID()),
		PlanID:         strings.TrimSpace(r.PlanID),
	}
}

func (r eventResource) nextBillingTime() *time.Time {
	if r.BillingInfo == nil {
		return nil
	}
	return parseTime(r.BillingInfo.NextBillingTime)
}

// Decode maps the envelope onto the tagged union of events.
func (e Envelope) Decode() Event {
	var res eventResource
	if len(e.Resource) == 0 || json.Unmarshal(e.Resource, &res) != nil {
		return UnknownEvent{EventType: e.EventType}
	}

	switch e.EventType {
	case EventSubscriptionActivated, EventSubscriptionCreated:
		ev := ActivationEvent{
			EventType:       e.EventType,
			SubscriptionRef: res.ref(),
			NextBillingTime: res.nextBillingTime(),
		}
		if res.BillingInfo != nil && res.BillingInfo.LastPayment != nil {
			lp := res.BillingInfo.LastPayment
			ev.LastPaymentAt = parseTime(lp.Time)
			ev.HasLastPayment = ev.LastPaymentAt != nil || (lp.Amount != nil && lp.Amount.Value != "")
		}
		return ev

	case EventPaymentSucceeded:
		ev := PaymentEvent{
			SubscriptionRef: res.ref(),
			NextBillingTime: res.nextBillingTime(),
		}
		if res.BillingInfo != nil && res.BillingInfo.LastPayment != nil {
			ev.PaidAt = parseTime(res.BillingInfo.LastPayment.Time)
		}
		// Sale resources carry the payment time as their creation time.
		if ev.PaidAt == nil && res.BillingAgreementID != "" {
			ev.PaidAt = parseTime(res.CreateTime)
		}
		return ev

	case EventSubscriptionCancelled:
		return TerminationEvent{EventType: e.EventType, SubscriptionRef: res.ref(), Status: models.SubscriptionCancelled}
	case EventSubscriptionSuspended:
		return TerminationEvent{EventType: e.EventType, SubscriptionRef: res.ref(), Status: models.SubscriptionSuspended}
	case EventSubscriptionExpired:
		return TerminationEvent{EventType: e.EventType, SubscriptionRef: res.ref(), Status: models.SubscriptionExpired}
	}

	return UnknownEvent{EventType: e.EventType}
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
