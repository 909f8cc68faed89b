package syncevent

import (
	"context"
	"time"
)

// SyncEvent is one append-only audit record of a reconciliation run.
// Events are never mutated or deleted.
type SyncEvent struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"userId"`
	ItemID        string    `json:"itemId"`
	EventType     string    `json:"eventType"`
	AddedCount    int       `json:"addedCount"`
	ModifiedCount int       `json:"modifiedCount"`
	RemovedCount  int       `json:"removedCount"`
	NextCursor    *string   `json:"nextCursor,omitempty"`
	CreatedAt     time.Time `json:"timestamp"`
}

// AppendParams describes one completed reconciliation run.
type AppendParams struct {
	UserID        int64
	ItemID        string
	EventType     string
	AddedCount    int
	ModifiedCount int
	RemovedCount  int
	NextCursor    *string
}

// Repository is the persistence contract for the audit log.
type Repository interface {
	Append(ctx context.Context, params AppendParams) (*SyncEvent, error)
	ListByItemID(ctx context.Context, itemID string, limit int) ([]*SyncEvent, error)
}
