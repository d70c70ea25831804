package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"subsync/internal/billing"
	"subsync/internal/external"
	"subsync/internal/metrics"
	"subsync/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

// mockWebhookVerifier implements external.WebhookVerifier for testing.
type mockWebhookVerifier struct {
	shouldFail bool
	err        error
	calls      int
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	m.calls++
	if m.shouldFail {
		if m.err != nil {
			return m.err
		}
		return errors.New("signature verification failed")
	}
	return nil
}

// mockProcessor implements WebhookProcessor for testing.
type mockProcessor struct {
	events  []*billing.Event
	outcome billing.Outcome
	err     error
}

func (m *mockProcessor) ProcessEvent(ctx context.Context, evt *billing.Event) (billing.Outcome, error) {
	m.events = append(m.events, evt)
	if m.err != nil {
		return "", m.err
	}
	return m.outcome, nil
}

// spyRecorder implements metrics.Recorder for testing.
type spyRecorder struct {
	outcomes []recordedOutcome
}

type recordedOutcome struct {
	EventType string
	Outcome   metrics.Outcome
}

func (s *spyRecorder) RecordWebhookOutcome(ctx context.Context, eventType string, outcome metrics.Outcome) {
	s.outcomes = append(s.outcomes, recordedOutcome{EventType: eventType, Outcome: outcome})
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// buildProviderEvent creates a JSON-encoded provider event for testing.
func buildProviderEvent(eventType string, eventID string, dataObject interface{}) []byte {
	objBytes, _ := json.Marshal(dataObject)
	event := map[string]interface{}{
		"id":   eventID,
		"type": eventType,
		"data": map[string]interface{}{
			"object": json.RawMessage(objBytes),
		},
	}
	b, _ := json.Marshal(event)
	return b
}

// buildSubscriptionCreatedEvent creates a customer.subscription.created event.
func buildSubscriptionCreatedEvent() []byte {
	obj := map[string]interface{}{
		"id":                   "sub_wh_1",
		"customer":             "cus_wh_1",
		"status":               "active",
		"cancel_at_period_end": false,
		"current_period_end":   1700000000,
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]interface{}{"id": "price_pro"}},
			},
		},
	}
	return buildProviderEvent(external.EventSubCreated, "evt_wh_1", obj)
}

func newTestWebhookHandler(
	verifier *mockWebhookVerifier,
	engine *mockProcessor,
	recorder *spyRecorder,
) *WebhookHandler {
	return NewWebhookHandler(verifier, engine, recorder, "whsec_test_secret", nil)
}

// doWebhookRequest performs an HTTP request to the webhook handler.
func doWebhookRequest(handler *WebhookHandler, body []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)
	return rr
}

// decodeErrorCode extracts the error code from an error response body.
func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var errResp map[string]map[string]interface{}
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	code, _ := errResp["error"]["code"].(string)
	return code
}

// ---------------------------------------------------------------------------
// Tests: Signature Verification
// ---------------------------------------------------------------------------

func TestWebhookHandler_Handle_MissingSignature(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	engine := &mockProcessor{outcome: billing.OutcomeApplied}
	recorder := &spyRecorder{}
	handler := newTestWebhookHandler(verifier, engine, recorder)

	rr := doWebhookRequest(handler, buildSubscriptionCreatedEvent(), "")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != string(types.ErrCodeSignatureMissing) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeSignatureMissing, code)
	}
	if verifier.calls != 0 {
		t.Errorf("verifier should not run without a signature header, got %d calls", verifier.calls)
	}
	if len(engine.events) != 0 {
		t.Errorf("engine should never see an unverified payload, got %d calls", len(engine.events))
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].Outcome != metrics.OutcomeSignatureInvalid {
		t.Errorf("expected one signature_invalid metric, got %+v", recorder.outcomes)
	}
}

func TestWebhookHandler_Handle_InvalidSignature(t *testing.T) {
	verifier := &mockWebhookVerifier{shouldFail: true}
	engine := &mockProcessor{outcome: billing.OutcomeApplied}
	recorder := &spyRecorder{}
	handler := newTestWebhookHandler(verifier, engine, recorder)

	rr := doWebhookRequest(handler, buildSubscriptionCreatedEvent(), "t=12345,v1=bad_signature")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != string(types.ErrCodeSignatureInvalid) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeSignatureInvalid, code)
	}
	if len(engine.events) != 0 {
		t.Errorf("engine should never see an unverified payload, got %d calls", len(engine.events))
	}
}

// ---------------------------------------------------------------------------
// Tests: Payload Handling
// ---------------------------------------------------------------------------

func TestWebhookHandler_Handle_MalformedPayload(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	engine := &mockProcessor{outcome: billing.OutcomeApplied}
	recorder := &spyRecorder{}
	handler := newTestWebhookHandler(verifier, engine, recorder)

	rr := doWebhookRequest(handler, []byte("{not json"), "t=12345,v1=sig")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != string(types.ErrCodeValidationInvalidJSON) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeValidationInvalidJSON, code)
	}
	if len(engine.events) != 0 {
		t.Errorf("engine should not see a malformed payload, got %d calls", len(engine.events))
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].Outcome != metrics.OutcomeMalformed {
		t.Errorf("expected one malformed metric, got %+v", recorder.outcomes)
	}
}

func TestWebhookHandler_Handle_OversizedBody(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	engine := &mockProcessor{outcome: billing.OutcomeApplied}
	recorder := &spyRecorder{}
	handler := newTestWebhookHandler(verifier, engine, recorder)

	body := []byte(strings.Repeat("a", maxWebhookBodySize+1))
	rr := doWebhookRequest(handler, body, "t=12345,v1=sig")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != string(types.ErrCodeValidationBodyTooLarge) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeValidationBodyTooLarge, code)
	}
	if len(engine.events) != 0 {
		t.Errorf("engine should not see an oversized payload, got %d calls", len(engine.events))
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].Outcome != metrics.OutcomeMalformed {
		t.Errorf("expected one malformed metric, got %+v", recorder.outcomes)
	}
}

// ---------------------------------------------------------------------------
// Tests: Processing Outcomes
// ---------------------------------------------------------------------------

func TestWebhookHandler_Handle_AppliedEvent(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	engine := &mockProcessor{outcome: billing.OutcomeApplied}
	recorder := &spyRecorder{}
	handler := newTestWebhookHandler(verifier, engine, recorder)

	rr := doWebhookRequest(handler, buildSubscriptionCreatedEvent(), "t=12345,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	var ack webhookAck
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !ack.Received {
		t.Error("expected received=true")
	}
	if ack.Status != string(billing.OutcomeApplied) {
		t.Errorf("expected status %q, got %q", billing.OutcomeApplied, ack.Status)
	}

	if len(engine.events) != 1 {
		t.Fatalf("expected 1 engine call, got %d", len(engine.events))
	}
	evt := engine.events[0]
	if evt.ID != "evt_wh_1" || evt.Type != external.EventSubCreated {
		t.Errorf("unexpected event passed to engine: id=%q type=%q", evt.ID, evt.Type)
	}

	if len(recorder.outcomes) != 1 {
		t.Fatalf("expected 1 recorded outcome, got %d", len(recorder.outcomes))
	}
	got := recorder.outcomes[0]
	if got.EventType != external.EventSubCreated || got.Outcome != metrics.OutcomeProcessed {
		t.Errorf("unexpected metric: %+v", got)
	}
}

func TestWebhookHandler_Handle_DuplicateDelivery(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	engine := &mockProcessor{outcome: billing.OutcomeDuplicate}
	recorder := &spyRecorder{}
	handler := newTestWebhookHandler(verifier, engine, recorder)

	rr := doWebhookRequest(handler, buildSubscriptionCreatedEvent(), "t=12345,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d for a duplicate, got %d", http.StatusOK, rr.Code)
	}

	var ack webhookAck
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if ack.Status != string(billing.OutcomeDuplicate) {
		t.Errorf("expected status %q, got %q", billing.OutcomeDuplicate, ack.Status)
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].Outcome != metrics.OutcomeDuplicate {
		t.Errorf("expected one duplicate metric, got %+v", recorder.outcomes)
	}
}

func TestWebhookHandler_Handle_IgnoredEvent(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	engine := &mockProcessor{outcome: billing.OutcomeIgnored}
	recorder := &spyRecorder{}
	handler := newTestWebhookHandler(verifier, engine, recorder)

	body := buildProviderEvent(external.EventInvoicePaid, "evt_inv_1", map[string]interface{}{
		"subscription": "sub_wh_1",
	})
	rr := doWebhookRequest(handler, body, "t=12345,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].Outcome != metrics.OutcomeIgnored {
		t.Errorf("expected one ignored metric, got %+v", recorder.outcomes)
	}
}

func TestWebhookHandler_Handle_ProcessingFailure(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	engine := &mockProcessor{
		err: types.NewAppError(types.ErrCodeInternalDB, "transaction failed", errors.New("connection reset")),
	}
	recorder := &spyRecorder{}
	handler := newTestWebhookHandler(verifier, engine, recorder)

	rr := doWebhookRequest(handler, buildSubscriptionCreatedEvent(), "t=12345,v1=sig")

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d so the provider retries, got %d", http.StatusInternalServerError, rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != string(types.ErrCodeInternalDB) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeInternalDB, code)
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].Outcome != metrics.OutcomeFailed {
		t.Errorf("expected one failed metric, got %+v", recorder.outcomes)
	}
}
