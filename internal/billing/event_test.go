package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
)

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	for _, body := range []string{"", "not json", "[1,2]", `{"id":`} {
		_, err := ParseEnvelope([]byte(body))
		assert.True(t, errors.Is(err, ErrMalformedEvent), "body %q", body)
	}
}

func TestDecodePaymentEvent(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"id": "evt_1",
		"event_type": "BILLING.SUBSCRIPTION.PAYMENT.SUCCEEDED",
		"resource": {
			"id": "sub_42",
			"billing_info": {
				"next_billing_time": "2025-03-01T00:00:00Z",
				"last_payment": {"time": "2025-02-01T10:00:00Z", "amount": {"value": "10.00", "currency_code": "USD"}}
			}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", env.ID)
	assert.NotEmpty(t, env.Raw)

	ev, ok := env.Decode().(PaymentEvent)
	require.True(t, ok)
	assert.Equal(t, "sub_42", ev.SubscriptionID)
	require.NotNil(t, ev.NextBillingTime)
	assert.True(t, ev.NextBillingTime.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, ev.PaidAt)
	assert.True(t, ev.PaidAt.Equal(time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)))
}

func TestDecodeSaleShape(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"id": "evt_2",
		"event_type": "BILLING.SUBSCRIPTION.PAYMENT.SUCCEEDED",
		"resource": {"id": "SALE-1", "billing_agreement_id": "I-SUB", "custom": "gold_monthly_user_u3"}
	}`))
	require.NoError(t, err)

	ev, ok := env.Decode().(PaymentEvent)
	require.True(t, ok)
	assert.Equal(t, "I-SUB", ev.SubscriptionID)
	assert.Equal(t, "gold_monthly_user_u3", ev.CustomID)
	assert.Nil(t, ev.PaidAt)
}

func TestDecodeActivationWithInitialPayment(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"id": "evt_3",
		"event_type": "BILLING.SUBSCRIPTION.ACTIVATED",
		"resource": {
			"id": "sub_9", "plan_id": "P-9", "custom_id": "silver_monthly_user_u9",
			"billing_info": {"last_payment": {"amount": {"value": "5.00", "currency_code": "USD"}}}
		}
	}`))
	require.NoError(t, err)

	ev, ok := env.Decode().(ActivationEvent)
	require.True(t, ok)
	assert.Equal(t, EventSubscriptionActivated, ev.Type())
	assert.Equal(t, SubscriptionRef{SubscriptionID: "sub_9", CustomID: "silver_monthly_user_u9", PlanID: "P-9"}, ev.SubscriptionRef)
	assert.True(t, ev.HasLastPayment)
	assert.Nil(t, ev.LastPaymentAt)
}

func TestDecodeTerminationStatuses(t *testing.T) {
	cases := map[string]models.SubscriptionStatus{
		EventSubscriptionCancelled: models.SubscriptionCancelled,
		EventSubscriptionSuspended: models.SubscriptionSuspended,
		EventSubscriptionExpired:   models.SubscriptionExpired,
	}
	for eventType, status := range cases {
		env := Envelope{ID: "e", EventType: eventType, Resource: []byte(`{"id":"sub_1"}`)}
		ev, ok := env.Decode().(TerminationEvent)
		require.True(t, ok, eventType)
		assert.Equal(t, status, ev.Status)
		assert.Equal(t, "sub_1", ev.SubscriptionID)
	}
}

func TestDecodeUnknownShapes(t *testing.T) {
	cases := []Envelope{
		{EventType: "PAYMENT.SALE.COMPLETED", Resource: []byte(`{"id":"x"}`)},
		{EventType: EventPaymentSucceeded},
		{EventType: EventPaymentSucceeded, Resource: []byte(`"text"`)},
	}
	for _, env := range cases {
		_, ok := env.Decode().(UnknownEvent)
		assert.True(t, ok, "%s %s", env.EventType, env.Resource)
	}
}

func TestDecodeSaleShapeUsesCreateTimeAsPaidAt(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"id": "evt_3",
		"event_type": "BILLING.SUBSCRIPTION.PAYMENT.SUCCEEDED",
		"resource": {"id": "SALE-2", "billing_agreement_id": "I-SUB", "create_time": "2025-01-01T00:00:00Z"}
	}`))
	require.NoError(t, err)

	ev, ok := env.Decode().(PaymentEvent)
	require.True(t, ok)
	require.NotNil(t, ev.PaidAt)
	assert.True(t, ev.PaidAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestDecodeSubscriptionCreateTimeIsNotPaidAt(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"id": "evt_4",
		"event_type": "BILLING.SUBSCRIPTION.PAYMENT.SUCCEEDED",
		"resource": {"id": "I-SUB", "create_time": "2024-06-01T00:00:00Z"}
	}`))
	require.NoError(t, err)

	ev, ok := env.Decode().(PaymentEvent)
	require.True(t, ok)
	assert.Nil(t, ev.PaidAt)
}
