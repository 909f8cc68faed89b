package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/item"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/syncevent"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/transaction"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/aggregator"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/retry"
)

var (
	syncMeter        = otel.Meter("finance-sync/orchestrator")
	syncPages, _     = syncMeter.Int64Counter("sync.pages",
		metric.WithDescription("Delta pages fetched from the aggregator"))
	syncTxns, _      = syncMeter.Int64Counter("sync.transactions",
		metric.WithDescription("Transactions ingested (added plus modified)"))
	syncItemFails, _ = syncMeter.Int64Counter("sync.item_failures",
		metric.WithDescription("Per-item sync runs that ended in an error"))
)

// Event types recorded in the audit log, named for what triggered the run.
const (
	EventTypeManualSync  = "MANUAL_SYNC"
	EventTypeWebhookSync = "WEBHOOK_SYNC"
)

const defaultPageSize = 100

// TokenDecrypter recovers a plaintext aggregator credential from its stored
// blob. Implemented by the crypto vault.
type TokenDecrypter interface {
	Decrypt(blob string) (string, error)
}

// Orchestrator runs cursor-based incremental transaction pulls for linked
// items. Each invocation is short-lived and stateless; the only durable
// state is the item's cursor and the transaction rows themselves.
type Orchestrator struct {
	client    aggregator.ClientInterface
	vault     TokenDecrypter
	items     item.Repository
	txns      transaction.Repository
	events    syncevent.Repository
	pageSize  int
	retryOpts retry.Options
}

// NewOrchestrator creates a sync orchestrator. A pageSize of zero or less
// falls back to the default of 100.
func NewOrchestrator(
	client aggregator.ClientInterface,
	vault TokenDecrypter,
	items item.Repository,
	txns transaction.Repository,
	events syncevent.Repository,
	pageSize int,
	retryOpts retry.Options,
) *Orchestrator {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Orchestrator{
		client:    client,
		vault:     vault,
		items:     items,
		txns:      txns,
		events:    events,
		pageSize:  pageSize,
		retryOpts: retryOpts,
	}
}

// Result summarizes one item's reconciliation run.
type Result struct {
	ItemID     string `json:"itemId"`
	Added      int    `json:"added"`
	Modified   int    `json:"modified"`
	Removed    int    `json:"removed"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ItemResult pairs one item with either its result or its failure, so a
// multi-item run can report both without one aborting the other.
type ItemResult struct {
	ItemID          string  `json:"itemId"`
	InstitutionName string  `json:"institutionName"`
	Result          *Result `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// UserResult aggregates a run across all of one user's active items.
type UserResult struct {
	TotalAdded    int          `json:"totalAdded"`
	TotalModified int          `json:"totalModified"`
	TotalRemoved  int          `json:"totalRemoved"`
	Items         []ItemResult `json:"items"`
}

// SyncItem reconciles one linked item against the aggregator's delta feed.
//
// The cursor is read once up front (null means full historical pull) and
// committed only after each page's added, modified and removed rows have
// been durably persisted. A crash or persistence failure mid-page therefore
// leaves the cursor pointing at the same page, and the next run re-fetches
// and re-reconciles it; the upsert's natural-key conflict target makes that
// replay convergent rather than duplicating.
func (o *Orchestrator) SyncItem(ctx context.Context, it *item.LinkedItem, eventType string) (*Result, error) {
	token, err := o.vault.Decrypt(it.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for item %s: %w", it.ID, err)
	}

	cursor := ""
	if it.Cursor != nil {
		cursor = *it.Cursor
	}

	result := &Result{ItemID: it.ID}
	hasMore := true

	for hasMore {
		page, err := retry.DoValue(ctx, o.retryOpts, func(ctx context.Context) (*aggregator.SyncResponse, error) {
			return o.client.SyncTransactions(ctx, token, cursor, o.pageSize)
		})
		if err != nil {
			if aggregator.IsCredentialError(err) {
				o.recordItemError(ctx, it.ID, err)
			}
			return nil, fmt.Errorf("sync call failed for item %s: %w", it.ID, err)
		}

		added, err := o.upsertPage(ctx, it.ID, page.Added)
		if err != nil {
			return nil, err
		}
		modified, err := o.upsertPage(ctx, it.ID, page.Modified)
		if err != nil {
			return nil, err
		}

		removed := int64(0)
		if len(page.Removed) > 0 {
			ids := make([]string, 0, len(page.Removed))
			for _, txn := range page.Removed {
				ids = append(ids, txn.TransactionID)
			}
			removed, err = o.txns.MarkRemoved(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("failed to tombstone removed transactions for item %s: %w", it.ID, err)
			}
		}

		// The cursor commit is the last write of the batch. Everything the
		// page described is already durable at this point.
		if err := o.items.UpdateCursor(ctx, it.ID, page.NextCursor); err != nil {
			return nil, fmt.Errorf("failed to advance cursor for item %s: %w", it.ID, err)
		}

		syncPages.Add(ctx, 1)
		syncTxns.Add(ctx, int64(added+modified))

		result.Added += added
		result.Modified += modified
		result.Removed += int(removed)
		result.NextCursor = page.NextCursor
		cursor = page.NextCursor
		hasMore = page.HasMore
	}

	o.appendEvent(ctx, it, eventType, result)
	return result, nil
}

// SyncUser runs SyncItem over every active item the user has linked. Each
// item's failure is captured in its ItemResult slot and does not stop the
// iteration.
func (o *Orchestrator) SyncUser(ctx context.Context, userID int64, eventType string) (*UserResult, error) {
	items, err := o.items.ListActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active items for user %d: %w", userID, err)
	}

	userResult := &UserResult{Items: make([]ItemResult, 0, len(items))}
	for _, it := range items {
		entry := ItemResult{ItemID: it.ID, InstitutionName: it.InstitutionName}

		result, err := o.SyncItem(ctx, it, eventType)
		if err != nil {
			syncItemFails.Add(ctx, 1)
			log.Printf("sync failed for item %s (user %d): %v", it.ID, userID, err)
			entry.Error = err.Error()
			userResult.Items = append(userResult.Items, entry)
			continue
		}

		entry.Result = result
		userResult.TotalAdded += result.Added
		userResult.TotalModified += result.Modified
		userResult.TotalRemoved += result.Removed
		userResult.Items = append(userResult.Items, entry)
	}
	return userResult, nil
}

func (o *Orchestrator) upsertPage(ctx context.Context, itemID string, txns []aggregator.Txn) (int, error) {
	count := 0
	for _, txn := range txns {
		params, err := toUpsertParams(itemID, txn)
		if err != nil {
			return count, fmt.Errorf("failed to map transaction %s: %w", txn.TransactionID, err)
		}
		if _, err := o.txns.Upsert(ctx, params); err != nil {
			return count, fmt.Errorf("failed to upsert transaction %s: %w", txn.TransactionID, err)
		}
		count++
	}
	return count, nil
}

func toUpsertParams(itemID string, txn aggregator.Txn) (transaction.UpsertParams, error) {
	date, err := txn.GetDate()
	if err != nil {
		return transaction.UpsertParams{}, err
	}

	params := transaction.UpsertParams{
		ExternalTransactionID: txn.TransactionID,
		ItemID:                itemID,
		AccountID:             txn.AccountID,
		Amount:                txn.Amount,
		Date:                  date,
		Pending:               txn.Pending,
	}
	if category := txn.PrimaryCategory(); category != "" {
		params.Category = &category
	}
	if txn.MerchantName != "" {
		params.MerchantName = &txn.MerchantName
	} else if txn.Name != "" {
		params.MerchantName = &txn.Name
	}
	if txn.PaymentChannel != "" {
		params.PaymentChannel = &txn.PaymentChannel
	}

	metadata, err := buildMetadata(txn)
	if err != nil {
		return transaction.UpsertParams{}, err
	}
	params.Metadata = metadata
	return params, nil
}

func buildMetadata(txn aggregator.Txn) (json.RawMessage, error) {
	meta := map[string]any{}
	if txn.ISOCurrencyCode != "" {
		meta["iso_currency_code"] = txn.ISOCurrencyCode
	}
	if txn.Name != "" {
		meta["name"] = txn.Name
	}
	if len(txn.Location) > 0 {
		meta["location"] = json.RawMessage(txn.Location)
	}
	if len(txn.PaymentMeta) > 0 {
		meta["payment_meta"] = json.RawMessage(txn.PaymentMeta)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction metadata: %w", err)
	}
	return data, nil
}

func (o *Orchestrator) recordItemError(ctx context.Context, itemID string, err error) {
	code := "UNKNOWN"
	message := err.Error()
	var upstream *aggregator.UpstreamError
	if errors.As(err, &upstream) {
		code = upstream.Code
		message = upstream.Message
	}
	if setErr := o.items.SetError(ctx, itemID, code, message); setErr != nil {
		log.Printf("failed to record error state for item %s: %v", itemID, setErr)
	}
}

// appendEvent records the run in the audit log. The sync itself already
// committed, so a logging failure here is reported but not propagated.
func (o *Orchestrator) appendEvent(ctx context.Context, it *item.LinkedItem, eventType string, result *Result) {
	params := syncevent.AppendParams{
		UserID:        it.UserID,
		ItemID:        it.ID,
		EventType:     eventType,
		AddedCount:    result.Added,
		ModifiedCount: result.Modified,
		RemovedCount:  result.Removed,
	}
	if result.NextCursor != "" {
		cursor := result.NextCursor
		params.NextCursor = &cursor
	}
	if _, err := o.events.Append(ctx, params); err != nil {
		log.Printf("failed to append sync event for item %s: %v", it.ID, err)
	}
}
