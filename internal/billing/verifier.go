package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/paypal"
)

// Provider signature headers.
const (
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
)

var requiredHeaders = []string{
	HeaderAuthAlgo,
	HeaderCertURL,
	HeaderTransmissionID,
	HeaderTransmissionSig,
	HeaderTransmissionTime,
}

var (
	// ErrMissingHeaders is returned when any signature header is absent.
	ErrMissingHeaders = errors.New("missing webhook signature headers")
	// ErrWebhookIDNotConfigured is returned in live mode without a webhook id.
	ErrWebhookIDNotConfigured = errors.New("webhook id not configured")
	// ErrSignatureRejected is returned when the provider does not confirm the signature.
	ErrSignatureRejected = errors.New("webhook signature rejected")
)

// SignatureAPI asks the provider to verify a delivery.
type SignatureAPI interface {
	VerifyWebhookSignature(ctx context.Context, req paypal.VerifyRequest) (string, error)
}

// Verifier decides whether an inbound delivery is authentic.
type Verifier struct {
	api       SignatureAPI
	webhookID string
	live      bool
	logger    *zap.Logger
}

// NewVerifier creates a Verifier. live selects fail-closed behavior when
// webhookID is empty.
func NewVerifier(api SignatureAPI, webhookID string, live bool, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{api: api, webhookID: strings.TrimSpace(webhookID), live: live, logger: logger}
}

// Verify returns nil when the delivery is authentic. Any error from the
// provider call is a rejection.
func (v *Verifier) Verify(ctx context.Context, headers http.Header, body []byte) error {
	if v.webhookID == "" {
		if v.live {
			v.logger.Error("[webhook] PAYPAL_WEBHOOK_ID not set in live mode, rejecting event")
			return ErrWebhookIDNotConfigured
		}
		v.logger.Warn("[webhook] PAYPAL_WEBHOOK_ID not set, skipping signature verification")
		return nil
	}

	var missing []string
	for _, h := range requiredHeaders {
		if strings.TrimSpace(headers.Get(h)) == "" {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingHeaders, strings.Join(missing, ", "))
	}

	if v.api == nil {
		return fmt.Errorf("%w: no provider client", ErrSignatureRejected)
	}

	status, err := v.api.VerifyWebhookSignature(ctx, paypal.VerifyRequest{
		AuthAlgo:         headers.Get(HeaderAuthAlgo),
		CertURL:          headers.Get(HeaderCertURL),
		TransmissionID:   headers.Get(HeaderTransmissionID),
		TransmissionSig:  headers.Get(HeaderTransmissionSig),
		TransmissionTime: headers.Get(HeaderTransmissionTime),
		WebhookID:        v.webhookID,
		WebhookEvent:     body,
	})
	if err != nil {
		v.logger.Warn("[webhook] signature verification call failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSignatureRejected, err)
	}

	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "VERIFIED":
		return nil
	}
	return fmt.Errorf("%w: status %q", ErrSignatureRejected, status)
}
