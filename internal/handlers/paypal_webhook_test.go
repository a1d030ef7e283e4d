package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PortNumber53/creator-membership/backend/internal/billing"
)

type stubVerifier struct {
	err   error
	calls int
}

func (s *stubVerifier) Verify(context.Context, http.Header, []byte) error {
	s.calls++
	return s.err
}

type stubProcessor struct {
	report billing.Report
	panic  any
	last   billing.Envelope
	calls  int
}

func (s *stubProcessor) Process(_ context.Context, env billing.Envelope) billing.Report {
	s.calls++
	s.last = env
	if s.panic != nil {
		panic(s.panic)
	}
	return s.report
}

func serveWebhook(t *testing.T, h *PayPalWebhookHandler, method, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, "/api/webhooks/paypal", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleWebhook().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	}
	return rr, payload
}

func TestWebhookProcessesVerifiedEvent(t *testing.T) {
	proc := &stubProcessor{report: billing.Report{EventID: "evt_1"}}
	h := NewPayPalWebhookHandler(&stubVerifier{}, proc, zaptest.NewLogger(t))

	rr, payload := serveWebhook(t, h, http.MethodPost, `{"id":"evt_1","event_type":"BILLING.SUBSCRIPTION.CREATED","resource":{}}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"ok": true}, payload)
	assert.Equal(t, "evt_1", proc.last.ID)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebhookDuplicate(t *testing.T) {
	proc := &stubProcessor{report: billing.Report{EventID: "evt_1", Duplicate: true}}
	h := NewPayPalWebhookHandler(&stubVerifier{}, proc, zaptest.NewLogger(t))

	rr, payload := serveWebhook(t, h, http.MethodPost, `{"id":"evt_1"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"ok": true, "duplicate": true}, payload)
}

func TestWebhookFailedStepsStillReturnOK(t *testing.T) {
	proc := &stubProcessor{report: billing.Report{
		EventID: "evt_1",
		Steps:   []billing.StepResult{{Step: billing.StepPayment, Outcome: billing.OutcomeFailed, Err: errors.New("db down")}},
	}}
	h := NewPayPalWebhookHandler(&stubVerifier{}, proc, zaptest.NewLogger(t))

	rr, _ := serveWebhook(t, h, http.MethodPost, `{"id":"evt_1"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookMalformedJSON(t *testing.T) {
	verifier := &stubVerifier{}
	proc := &stubProcessor{}
	h := NewPayPalWebhookHandler(verifier, proc, zaptest.NewLogger(t))

	rr, payload := serveWebhook(t, h, http.MethodPost, `{not json`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, payload, "error")
	assert.Equal(t, 0, proc.calls)
}

func TestWebhookVerificationFailure(t *testing.T) {
	proc := &stubProcessor{}
	h := NewPayPalWebhookHandler(&stubVerifier{err: billing.ErrMissingHeaders}, proc, zaptest.NewLogger(t))

	rr, payload := serveWebhook(t, h, http.MethodPost, `{"id":"evt_1"}`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, payload, "error")
	assert.Equal(t, 0, proc.calls)
}

func TestWebhookPanicReturns500(t *testing.T) {
	proc := &stubProcessor{panic: "nil pointer somewhere"}
	h := NewPayPalWebhookHandler(&stubVerifier{}, proc, zaptest.NewLogger(t))

	rr, payload := serveWebhook(t, h, http.MethodPost, `{"id":"evt_1"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "nil pointer somewhere", payload["error"])
}

func TestWebhookMethods(t *testing.T) {
	verifier := &stubVerifier{}
	h := NewPayPalWebhookHandler(verifier, &stubProcessor{}, zaptest.NewLogger(t))

	rr, _ := serveWebhook(t, h, http.MethodOptions, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), billing.HeaderTransmissionSig)

	rr, _ = serveWebhook(t, h, http.MethodGet, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, 0, verifier.calls)
}
