package transaction

import (
	"context"
	"encoding/json"
	"time"
)

// UpsertParams carries one aggregator transaction into the store. The
// conflict target is ExternalTransactionID; on conflict only the mutable
// fields (amount, category, merchant, channel, pending, date, metadata) are
// updated, which is what makes replays idempotent rather than destructive.
type UpsertParams struct {
	ExternalTransactionID string
	ItemID                string
	AccountID             string
	Amount                float64
	Category              *string
	Date                  time.Time
	MerchantName          *string
	PaymentChannel        *string
	Pending               bool
	Metadata              json.RawMessage
}

// Repository is the persistence contract for transaction records.
type Repository interface {
	Upsert(ctx context.Context, params UpsertParams) (*Record, error)

	// MarkRemoved tombstones the named external ids, preserving the rows
	// for audit. Returns the number of rows transitioned.
	MarkRemoved(ctx context.Context, externalIDs []string) (int64, error)

	// GetByExternalID returns (nil, nil) when no row matches.
	GetByExternalID(ctx context.Context, externalID string) (*Record, error)

	// ListByUserID returns the user's records newest-first. Tombstoned
	// rows are excluded unless includeRemoved is set.
	ListByUserID(ctx context.Context, userID int64, includeRemoved bool, limit, offset int) ([]*Record, error)
}
