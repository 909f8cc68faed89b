package item

import (
	"context"
)

// CreateParams holds the fields set when a credential exchange succeeds.
type CreateParams struct {
	ID                   string
	UserID               int64
	EncryptedAccessToken string
	InstitutionName      string
}

// Repository is the persistence contract for linked items. Lookup methods
// return (nil, nil) when no row matches.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*LinkedItem, error)
	GetByID(ctx context.Context, id string) (*LinkedItem, error)

	// GetActiveByID looks up an item filtered to status=active, so callers
	// reacting to aggregator events naturally no-op on errored items.
	GetActiveByID(ctx context.Context, id string) (*LinkedItem, error)

	ListByUserID(ctx context.Context, userID int64) ([]*LinkedItem, error)
	ListActiveByUserID(ctx context.Context, userID int64) ([]*LinkedItem, error)

	// UpdateCursor commits the next sync position. Called only after the
	// page it describes has been durably persisted.
	UpdateCursor(ctx context.Context, id, cursor string) error

	// SetError transitions the item to status=error and records the cause.
	SetError(ctx context.Context, id, code, message string) error

	SetStatus(ctx context.Context, id string, status Status) error
}
