package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/item"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/sync"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/transaction"
)

// Webhook event types delivered by the aggregator.
const (
	TypeItemError            = "ITEM_ERROR"
	TypeSyncUpdatesAvailable = "SYNC_UPDATES_AVAILABLE"
	TypeTransactionsRemoved  = "TRANSACTIONS_REMOVED"
)

const signatureVersion = "v1"

var (
	ErrMalformedHeader    = errors.New("malformed signature header")
	ErrUnsupportedVersion = errors.New("unsupported signature version")
	ErrBadSignature       = errors.New("signature mismatch")
)

var (
	webhookMeter     = otel.Meter("finance-sync/webhook")
	webhookEvents, _ = webhookMeter.Int64Counter("webhook.events",
		metric.WithDescription("Authenticated webhook deliveries by event type"))
)

// ItemError carries the aggregator's error detail on an ITEM_ERROR event.
type ItemError struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Payload is the parsed webhook body. Type-specific fields are nil or empty
// for types that do not carry them.
type Payload struct {
	WebhookType         string     `json:"webhook_type"`
	ItemID              string     `json:"item_id"`
	Error               *ItemError `json:"error,omitempty"`
	RemovedTransactions []string   `json:"removed_transactions,omitempty"`
}

// ItemSyncer runs a reconciliation for a single linked item.
type ItemSyncer interface {
	SyncItem(ctx context.Context, it *item.LinkedItem, eventType string) (*sync.Result, error)
}

// Processor authenticates inbound aggregator events and dispatches them.
type Processor struct {
	items  item.Repository
	txns   transaction.Repository
	syncer ItemSyncer
	secret string
}

func NewProcessor(items item.Repository, txns transaction.Repository, syncer ItemSyncer, secret string) *Processor {
	return &Processor{
		items:  items,
		txns:   txns,
		syncer: syncer,
		secret: secret,
	}
}

// VerifySignature checks the delivery's authenticity header, a
// "version,timestamp,signature" triplet. The signature is an HMAC-SHA256
// over timestamp concatenated with the raw body, hex-encoded. Comparison is
// constant-time.
func (p *Processor) VerifySignature(rawBody []byte, header string) error {
	parts := strings.Split(header, ",")
	if len(parts) != 3 {
		return ErrMalformedHeader
	}
	version, timestamp, signature := parts[0], parts[1], parts[2]
	if version != signatureVersion {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	if timestamp == "" || signature == "" {
		return ErrMalformedHeader
	}

	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write([]byte(timestamp))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Dispatch routes an authenticated payload by event type. Unrecognized types
// are logged and treated as handled so the aggregator does not redeliver.
func (p *Processor) Dispatch(ctx context.Context, payload *Payload) error {
	webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", payload.WebhookType)))

	switch payload.WebhookType {
	case TypeItemError:
		return p.handleItemError(ctx, payload)
	case TypeSyncUpdatesAvailable:
		return p.handleSyncUpdates(ctx, payload)
	case TypeTransactionsRemoved:
		return p.handleTransactionsRemoved(ctx, payload)
	default:
		log.Printf("webhook: ignoring unrecognized type %q for item %s", payload.WebhookType, payload.ItemID)
		return nil
	}
}

func (p *Processor) handleItemError(ctx context.Context, payload *Payload) error {
	code, message := "UNKNOWN", "the aggregator reported an item error"
	if payload.Error != nil {
		code = payload.Error.ErrorCode
		message = payload.Error.ErrorMessage
	}
	if err := p.items.SetError(ctx, payload.ItemID, code, message); err != nil {
		return fmt.Errorf("failed to mark item %s errored: %w", payload.ItemID, err)
	}
	log.Printf("webhook: item %s moved to error state (%s)", payload.ItemID, code)
	return nil
}

func (p *Processor) handleSyncUpdates(ctx context.Context, payload *Payload) error {
	// The lookup is filtered to active items, so updates for an item that
	// previously errored are a deliberate no-op.
	it, err := p.items.GetActiveByID(ctx, payload.ItemID)
	if err != nil {
		return fmt.Errorf("failed to look up item %s: %w", payload.ItemID, err)
	}
	if it == nil {
		log.Printf("webhook: no active item %s, skipping sync", payload.ItemID)
		return nil
	}

	result, err := p.syncer.SyncItem(ctx, it, sync.EventTypeWebhookSync)
	if err != nil {
		return fmt.Errorf("webhook-triggered sync failed for item %s: %w", payload.ItemID, err)
	}
	log.Printf("webhook: synced item %s (added=%d modified=%d removed=%d)",
		payload.ItemID, result.Added, result.Modified, result.Removed)
	return nil
}

func (p *Processor) handleTransactionsRemoved(ctx context.Context, payload *Payload) error {
	if len(payload.RemovedTransactions) == 0 {
		return nil
	}
	n, err := p.txns.MarkRemoved(ctx, payload.RemovedTransactions)
	if err != nil {
		return fmt.Errorf("failed to tombstone transactions for item %s: %w", payload.ItemID, err)
	}
	log.Printf("webhook: tombstoned %d of %d transactions for item %s",
		n, len(payload.RemovedTransactions), payload.ItemID)
	return nil
}
