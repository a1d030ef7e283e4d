// Package paypal wraps the PayPal REST endpoints the webhook service consumes:
// OAuth client-credentials tokens, webhook signature verification, subscription
// details and subscription cancellation.
package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"
	LiveBaseURL    = "https://api-m.paypal.com"

	tokenPath        = "/v1/oauth2/token"
	verifyPath       = "/v1/notifications/verify-webhook-signature"
	subscriptionPath = "/v1/billing/subscriptions/{id}"
	cancelPath       = "/v1/billing/subscriptions/{id}/cancel"

	// tokenExpirySlack is subtracted from the provider TTL before caching a token.
	tokenExpirySlack = 60 * time.Second
)

// BaseURL returns the API host for the configured environment.
func BaseURL(live bool) string {
	if live {
		return LiveBaseURL
	}
	return SandboxBaseURL
}

// TokenCache stores OAuth access tokens across requests. GetToken returns "" on a miss.
type TokenCache interface {
	GetToken(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string, ttl time.Duration) error
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// Cache defaults to a MemoryTokenCache.
	Cache        TokenCache
	Logger       *zap.Logger
}

// Client calls the PayPal REST API.
type Client struct {
	http         *resty.Client
	clientID     string
	clientSecret string
	cache        TokenCache
	logger       *zap.Logger
}

// NewClient creates a new PayPal API client
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := opts.Cache
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:         httpClient,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		cache:        tokens,
		logger:       logger,
	}
}

// APIError is a non-success HTTP response from the provider.
type APIError struct {
	Operation  string `json:"-"`
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	Code       string `json:"error"`
	CodeDesc   string `json:"error_description"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.CodeDesc
	}
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("paypal %s: API error (%d): %s", e.Operation, e.StatusCode, msg)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// AccessToken returns a short-lived bearer token, using the cache when configured.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if c.cache != nil {
		token, err := c.cache.GetToken(ctx)
		if err != nil {
			c.logger.Warn("[paypal] token cache read failed", zap.Error(err))
		} else if token != "" {
			return token, nil
		}
	}

	if c.clientID == "" || c.clientSecret == "" {
		return "", fmt.Errorf("paypal token: client credentials are not configured")
	}

	var result tokenResponse
	apiErr := &APIError{Operation: "token"}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&result).
		SetError(apiErr).
		Post(tokenPath)
	if err != nil {
		return "", fmt.Errorf("paypal token request failed: %w", err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		return "", apiErr
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("paypal token: missing access_token in response")
	}

	if c.cache != nil && result.ExpiresIn > 0 {
		ttl := time.Duration(result.ExpiresIn)*time.Second - tokenExpirySlack
		if ttl > 0 {
			if err := c.cache.SetToken(ctx, result.AccessToken, ttl); err != nil {
				c.logger.Warn("[paypal] token cache write failed", zap.Error(err))
			}
		}
	}

	return result.AccessToken, nil
}

// VerifyRequest carries the transmission headers and the event being verified.
type VerifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyWebhookSignature asks the provider to verify a webhook transmission and
// returns the reported verification status.
func (c *Client) VerifyWebhookSignature(ctx context.Context, req VerifyRequest) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	var result verifyResponse
	apiErr := &APIError{Operation: "verify webhook signature"}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&result).
		SetError(apiErr).
		Post(verifyPath)
	if err != nil {
		return "", fmt.Errorf("paypal verify request failed: %w", err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		return "", apiErr
	}

	return result.VerificationStatus, nil
}

// SubscriptionDetails is the subset of a provider subscription the resolver reads.
type SubscriptionDetails struct {
	ID       string `json:"id"`
	PlanID   string `json:"plan_id"`
	CustomID string `json:"custom_id"`
	Status   string `json:"status"`
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetails, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var result SubscriptionDetails
	apiErr := &APIError{Operation: "get subscription"}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("id", subscriptionID).
		SetResult(&result).
		SetError(apiErr).
		Get(subscriptionPath)
	if err != nil {
		return nil, fmt.Errorf("paypal get subscription failed: %w", err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		return nil, apiErr
	}

	return &result, nil
}

// CancelSubscription cancels a subscription so the provider stops billing it.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	apiErr := &APIError{Operation: "cancel subscription"}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetPathParam("id", subscriptionID).
		SetBody(map[string]string{"reason": reason}).
		SetError(apiErr).
		Post(cancelPath)
	if err != nil {
		return fmt.Errorf("paypal cancel subscription failed: %w", err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		return apiErr
	}

	c.logger.Info("[paypal] Cancelled subscription", zap.String("subscription_id", subscriptionID))
	return nil
}
