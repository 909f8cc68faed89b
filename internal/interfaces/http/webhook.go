package http

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/webhook"
)

const signatureHeader = "Aggregator-Signature"

// maxWebhookBody bounds how much of a delivery we are willing to read.
const maxWebhookBody = 1 << 20

// WebhookVerifier authenticates and dispatches aggregator deliveries.
type WebhookVerifier interface {
	VerifySignature(rawBody []byte, header string) error
	Dispatch(ctx context.Context, payload *webhook.Payload) error
}

type WebhookHandler struct {
	processor WebhookVerifier
}

func NewWebhookHandler(processor WebhookVerifier) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// HandleWebhook receives an aggregator delivery. Signature failures are
// rejected before any dispatch; everything after a valid signature is
// acknowledged with 200 so the aggregator does not redeliver.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if err := h.processor.VerifySignature(rawBody, r.Header.Get(signatureHeader)); err != nil {
		log.Printf("Webhook signature rejected: %v", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhook.Payload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		log.Printf("Error decoding webhook payload: %v", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.processor.Dispatch(r.Context(), &payload); err != nil {
		// Still acknowledge: the delivery was authentic, and redelivery
		// would just repeat the same failure.
		log.Printf("Webhook dispatch failed for item %s: %v", payload.ItemID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"acknowledged":true}`))
}
