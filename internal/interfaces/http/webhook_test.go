package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/webhook"
)

type mockProcessor struct {
	verifyFunc   func(rawBody []byte, header string) error
	dispatchFunc func(ctx context.Context, payload *webhook.Payload) error
}

func (m *mockProcessor) VerifySignature(rawBody []byte, header string) error {
	return m.verifyFunc(rawBody, header)
}

func (m *mockProcessor) Dispatch(ctx context.Context, payload *webhook.Payload) error {
	return m.dispatchFunc(ctx, payload)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	processor := &mockProcessor{
		verifyFunc: func(rawBody []byte, header string) error {
			return webhook.ErrBadSignature
		},
		dispatchFunc: func(ctx context.Context, payload *webhook.Payload) error {
			t.Fatal("dispatch must not run for an unauthenticated delivery")
			return nil
		},
	}
	handler := NewWebhookHandler(processor)

	body := []byte(`{"webhook_type":"ITEM_ERROR","item_id":"item-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/aggregator", bytes.NewReader(body))
	req.Header.Set("Aggregator-Signature", "v1,123,bogus")
	rr := httptest.NewRecorder()

	handler.HandleWebhook(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestHandleWebhookDispatchesPayload(t *testing.T) {
	var got *webhook.Payload
	processor := &mockProcessor{
		verifyFunc: func(rawBody []byte, header string) error { return nil },
		dispatchFunc: func(ctx context.Context, payload *webhook.Payload) error {
			got = payload
			return nil
		},
	}
	handler := NewWebhookHandler(processor)

	body := []byte(`{"webhook_type":"ITEM_ERROR","item_id":"item-X","error":{"error_code":"E","error_message":"m"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/aggregator", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	handler.HandleWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got == nil || got.WebhookType != "ITEM_ERROR" || got.ItemID != "item-X" {
		t.Fatalf("unexpected dispatched payload: %+v", got)
	}
	if got.Error == nil || got.Error.ErrorCode != "E" {
		t.Errorf("expected parsed error detail, got %+v", got.Error)
	}
}

func TestHandleWebhookAcknowledgesDispatchFailure(t *testing.T) {
	// The delivery was authentic; a dispatch failure must still be
	// acknowledged so the aggregator does not redeliver the same event.
	processor := &mockProcessor{
		verifyFunc: func(rawBody []byte, header string) error { return nil },
		dispatchFunc: func(ctx context.Context, payload *webhook.Payload) error {
			return fmt.Errorf("downstream failure")
		},
	}
	handler := NewWebhookHandler(processor)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/aggregator",
		bytes.NewReader([]byte(`{"webhook_type":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`)))
	rr := httptest.NewRecorder()

	handler.HandleWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 even when dispatch fails, got %d", rr.Code)
	}
}

func TestHandleWebhookRejectsMalformedBody(t *testing.T) {
	processor := &mockProcessor{
		verifyFunc: func(rawBody []byte, header string) error { return nil },
		dispatchFunc: func(ctx context.Context, payload *webhook.Payload) error {
			t.Fatal("dispatch must not run for an unparseable body")
			return nil
		},
	}
	handler := NewWebhookHandler(processor)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/aggregator", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()

	handler.HandleWebhook(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

// End-to-end through the real processor signature check.
func TestHandleWebhookRealSignature(t *testing.T) {
	secret := "shared-secret"
	processor := webhook.NewProcessor(nil, nil, nil, secret)
	handler := NewWebhookHandler(processor)

	body := []byte(`{"webhook_type":"UNKNOWN_TYPE","item_id":"item-1"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("1756728000"))
	mac.Write(body)
	header := "v1,1756728000," + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/aggregator", bytes.NewReader(body))
	req.Header.Set("Aggregator-Signature", header)
	rr := httptest.NewRecorder()

	handler.HandleWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 for a valid signature with unknown type, got %d: %s", rr.Code, rr.Body.String())
	}
}
