package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/item"
)

type ItemRepository struct {
	db *DB
}

// Ensure ItemRepository implements the domain contract.
var _ item.Repository = (*ItemRepository)(nil)

func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

const itemColumns = `id, user_id, encrypted_access_token, institution_name, status, cursor,
	       last_error_code, last_error_message, created_at, updated_at`

func (r *ItemRepository) Create(ctx context.Context, params item.CreateParams) (*item.LinkedItem, error) {
	query := `
		INSERT INTO linked_items (id, user_id, encrypted_access_token, institution_name, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING ` + itemColumns

	it, err := scanItem(r.db.QueryRowContext(ctx, query,
		params.ID, params.UserID, params.EncryptedAccessToken, params.InstitutionName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create linked item: %w", err)
	}
	return it, nil
}

func (r *ItemRepository) GetByID(ctx context.Context, id string) (*item.LinkedItem, error) {
	query := `SELECT ` + itemColumns + ` FROM linked_items WHERE id = $1`

	it, err := scanItem(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get linked item: %w", err)
	}
	return it, nil
}

func (r *ItemRepository) GetActiveByID(ctx context.Context, id string) (*item.LinkedItem, error) {
	query := `SELECT ` + itemColumns + ` FROM linked_items WHERE id = $1 AND status = 'active'`

	it, err := scanItem(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil // Not found or not active
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active linked item: %w", err)
	}
	return it, nil
}

func (r *ItemRepository) ListByUserID(ctx context.Context, userID int64) ([]*item.LinkedItem, error) {
	query := `SELECT ` + itemColumns + ` FROM linked_items WHERE user_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, userID)
}

func (r *ItemRepository) ListActiveByUserID(ctx context.Context, userID int64) ([]*item.LinkedItem, error) {
	query := `SELECT ` + itemColumns + ` FROM linked_items
		WHERE user_id = $1 AND status = 'active' ORDER BY created_at DESC`
	return r.list(ctx, query, userID)
}

func (r *ItemRepository) list(ctx context.Context, query string, args ...any) ([]*item.LinkedItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked items: %w", err)
	}
	defer rows.Close()

	var items []*item.LinkedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan linked item: %w", err)
		}
		items = append(items, it)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating linked items: %w", err)
	}
	return items, nil
}

func (r *ItemRepository) UpdateCursor(ctx context.Context, id, cursor string) error {
	query := `
		UPDATE linked_items
		SET cursor = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`

	result, err := r.db.ExecContext(ctx, query, cursor, id)
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("linked item not found")
	}
	return nil
}

func (r *ItemRepository) SetError(ctx context.Context, id, code, message string) error {
	query := `
		UPDATE linked_items
		SET status = 'error', last_error_code = $1, last_error_message = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, code, message, id)
	if err != nil {
		return fmt.Errorf("failed to set item error: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("linked item not found")
	}
	return nil
}

func (r *ItemRepository) SetStatus(ctx context.Context, id string, status item.Status) error {
	query := `
		UPDATE linked_items
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`

	result, err := r.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set item status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("linked item not found")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*item.LinkedItem, error) {
	var it item.LinkedItem
	var cursor, errCode, errMsg sql.NullString

	err := row.Scan(
		&it.ID, &it.UserID, &it.EncryptedAccessToken, &it.InstitutionName,
		&it.Status, &cursor, &errCode, &errMsg,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cursor.Valid {
		it.Cursor = &cursor.String
	}
	if errCode.Valid {
		it.LastErrorCode = &errCode.String
	}
	if errMsg.Valid {
		it.LastErrorMessage = &errMsg.String
	}
	return &it, nil
}
