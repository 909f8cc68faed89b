package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/transaction"
)

type TransactionRepository struct {
	db *DB
}

var _ transaction.Repository = (*TransactionRepository)(nil)

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `id, external_transaction_id, item_id, account_id, amount, category,
	       date, merchant_name, payment_channel, pending, status, metadata, created_at, updated_at`

// Upsert inserts or updates a record keyed by its external transaction id.
// On conflict only the mutable fields change; status in particular is left
// alone so a tombstone survives a replayed insert.
func (r *TransactionRepository) Upsert(ctx context.Context, params transaction.UpsertParams) (*transaction.Record, error) {
	query := `
		INSERT INTO transaction_records (id, external_transaction_id, item_id, account_id, amount,
		                                 category, date, merchant_name, payment_channel, pending, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'active', $11)
		ON CONFLICT (external_transaction_id) DO UPDATE SET
		    amount = EXCLUDED.amount,
		    category = EXCLUDED.category,
		    date = EXCLUDED.date,
		    merchant_name = EXCLUDED.merchant_name,
		    payment_channel = EXCLUDED.payment_channel,
		    pending = EXCLUDED.pending,
		    metadata = EXCLUDED.metadata,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING ` + transactionColumns

	metadata := params.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	record, err := scanTransaction(r.db.QueryRowContext(ctx, query,
		uuid.New().String(), params.ExternalTransactionID, params.ItemID, params.AccountID,
		params.Amount, params.Category, params.Date, params.MerchantName,
		params.PaymentChannel, params.Pending, []byte(metadata),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert transaction: %w", err)
	}
	return record, nil
}

// MarkRemoved tombstones the named external ids. Missing ids are ignored;
// the aggregator may announce removals we never ingested.
func (r *TransactionRepository) MarkRemoved(ctx context.Context, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE transaction_records
		SET status = 'removed', updated_at = CURRENT_TIMESTAMP
		WHERE external_transaction_id = ANY($1) AND status <> 'removed'
	`

	result, err := r.db.ExecContext(ctx, query, pq.Array(externalIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to mark transactions removed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows, nil
}

func (r *TransactionRepository) GetByExternalID(ctx context.Context, externalID string) (*transaction.Record, error) {
	query := `SELECT ` + transactionColumns + ` FROM transaction_records WHERE external_transaction_id = $1`

	record, err := scanTransaction(r.db.QueryRowContext(ctx, query, externalID))
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return record, nil
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, includeRemoved bool, limit, offset int) ([]*transaction.Record, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transaction_records
		WHERE item_id IN (SELECT id FROM linked_items WHERE user_id = $1)
	`
	if !includeRemoved {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY date DESC, created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var records []*transaction.Record
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		records = append(records, record)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return records, nil
}

func scanTransaction(row rowScanner) (*transaction.Record, error) {
	var record transaction.Record
	var category, merchantName, paymentChannel sql.NullString
	var metadata []byte

	err := row.Scan(
		&record.ID, &record.ExternalTransactionID, &record.ItemID, &record.AccountID,
		&record.Amount, &category, &record.Date, &merchantName, &paymentChannel,
		&record.Pending, &record.Status, &metadata,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if category.Valid {
		record.Category = &category.String
	}
	if merchantName.Valid {
		record.MerchantName = &merchantName.String
	}
	if paymentChannel.Valid {
		record.PaymentChannel = &paymentChannel.String
	}
	record.Metadata = metadata
	return &record, nil
}
