package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/syncevent"
)

// SyncEventRepository persists the append-only reconciliation audit log.
// The table has no update or delete statements; events are immutable.
type SyncEventRepository struct {
	db *DB
}

var _ syncevent.Repository = (*SyncEventRepository)(nil)

func NewSyncEventRepository(db *DB) *SyncEventRepository {
	return &SyncEventRepository{db: db}
}

func (r *SyncEventRepository) Append(ctx context.Context, params syncevent.AppendParams) (*syncevent.SyncEvent, error) {
	query := `
		INSERT INTO sync_events (id, user_id, item_id, event_type, added_count, modified_count, removed_count, next_cursor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, user_id, item_id, event_type, added_count, modified_count, removed_count, next_cursor, created_at
	`

	event, err := scanSyncEvent(r.db.QueryRowContext(ctx, query,
		uuid.New().String(), params.UserID, params.ItemID, params.EventType,
		params.AddedCount, params.ModifiedCount, params.RemovedCount, params.NextCursor,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to append sync event: %w", err)
	}
	return event, nil
}

func (r *SyncEventRepository) ListByItemID(ctx context.Context, itemID string, limit int) ([]*syncevent.SyncEvent, error) {
	query := `
		SELECT id, user_id, item_id, event_type, added_count, modified_count, removed_count, next_cursor, created_at
		FROM sync_events
		WHERE item_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync events: %w", err)
	}
	defer rows.Close()

	var events []*syncevent.SyncEvent
	for rows.Next() {
		event, err := scanSyncEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		events = append(events, event)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync events: %w", err)
	}
	return events, nil
}

func scanSyncEvent(row rowScanner) (*syncevent.SyncEvent, error) {
	var event syncevent.SyncEvent
	var nextCursor sql.NullString

	err := row.Scan(
		&event.ID, &event.UserID, &event.ItemID, &event.EventType,
		&event.AddedCount, &event.ModifiedCount, &event.RemovedCount,
		&nextCursor, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if nextCursor.Valid {
		event.NextCursor = &nextCursor.String
	}
	return &event, nil
}
