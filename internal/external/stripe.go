package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"subsync/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements BillingService by making direct HTTP calls to the
// Stripe REST API through BaseClient. Direct HTTP keeps all requests on the
// shared resilience path (circuit breaker, retries, error mapping) and makes
// testing with httptest straightforward; the stripe-go module is used only
// for webhook signature verification and the pinned API version.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient with a 20 second request timeout
// inherited from the supplied http client.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "subsync/1.0"),
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful in tests that need to control retry and breaker behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// stripeCustomer is the subset of the customer object this engine reads.
type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCustomerList struct {
	Data []stripeCustomer `json:"data"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// EnsureCustomer retrieves or creates a Stripe customer for the given email.
// Search-first so repeated checkouts for the same email reuse one customer:
//  1. List customers filtered by email (limit 1).
//  2. If found, return the existing customer id.
//  3. Otherwise create a new customer.
func (s *StripeClient) EnsureCustomer(ctx context.Context, email string) (string, error) {
	listParams := url.Values{}
	listParams.Set("email", email)
	listParams.Set("limit", "1")

	listResp, err := s.doGet(ctx, "/v1/customers", listParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.list", err)
	}
	defer listResp.Body.Close()

	if listResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(listResp, "EnsureCustomer.list")
	}

	var list stripeCustomerList
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode customer list response", err)
	}

	if len(list.Data) > 0 {
		return list.Data[0].ID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode customer creation response", err)
	}

	s.logger.InfoContext(ctx, "created billing customer", "customer_id", customer.ID)
	return customer.ID, nil
}

// CreateCheckoutSession opens a hosted checkout page in subscription mode.
// The client_reference_id ties the resulting webhook events back to the
// local user.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, string, error) {
	form := url.Values{}
	form.Set("customer", params.CustomerID)
	form.Set("mode", "subscription")
	form.Set("client_reference_id", params.ClientReferenceID)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", form)
	if err != nil {
		return "", "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode checkout session response", err)
	}

	return session.URL, session.ID, nil
}

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// wrapStripeError annotates a BaseClient error with the failing operation.
// BaseClient errors are already AppErrors; they pass through unchanged.
func (s *StripeClient) wrapStripeError(op string, err error) error {
	if appErr, ok := err.(*types.AppError); ok {
		s.logger.Warn("stripe call failed", "op", op, "code", appErr.Code)
		return appErr
	}
	return types.NewAppError(types.ErrCodeUpstreamBilling,
		fmt.Sprintf("stripe %s failed", op), err)
}

// stripeErrorBody is the provider's error envelope.
type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// handleErrorResponse maps a non-200 Stripe response to an AppError. The
// response body is read (bounded) so the provider's error message reaches
// the logs without leaking to API clients.
func (s *StripeClient) handleErrorResponse(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var stripeErr stripeErrorBody
	_ = json.Unmarshal(body, &stripeErr)

	s.logger.Warn("stripe returned error response",
		"op", op,
		"status", resp.StatusCode,
		"stripe_type", stripeErr.Error.Type,
		"stripe_code", stripeErr.Error.Code,
	)

	if resp.StatusCode == http.StatusTooManyRequests {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"billing provider rate limit exceeded", nil)
	}
	return types.NewAppError(types.ErrCodeUpstreamBilling,
		fmt.Sprintf("billing provider rejected %s (status %d)", op, resp.StatusCode), nil)
}

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature validation: HMAC-SHA256 over "{timestamp}.{body}" with a
// constant-time comparison and a replay tolerance window on the timestamp.
type StripeVerifier struct {
	// Tolerance bounds the age of the signed timestamp. Zero means
	// the default of 5 minutes.
	Tolerance time.Duration
}

// Verify validates the payload against the Stripe-Signature header.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance)
}

// Compile-time interface assertions.
var (
	_ BillingService  = (*StripeClient)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
