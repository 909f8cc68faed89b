package transaction

import (
	"encoding/json"
	"time"
)

// Status marks whether a record is live or tombstoned.
type Status string

const (
	StatusActive  Status = "active"
	StatusRemoved Status = "removed"
)

// Record is one aggregator transaction as persisted. ExternalTransactionID
// is the unique natural key: re-ingesting the same transaction converges on
// one row instead of duplicating it.
type Record struct {
	ID                    string          `json:"id"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	ItemID                string          `json:"itemId"`
	AccountID             string          `json:"accountId"`
	Amount                float64         `json:"amount"`
	Category              *string         `json:"category,omitempty"`
	Date                  time.Time       `json:"date"`
	MerchantName          *string         `json:"merchantName,omitempty"`
	PaymentChannel        *string         `json:"paymentChannel,omitempty"`
	Pending               bool            `json:"pending"`
	Status                Status          `json:"status"`
	Metadata              json.RawMessage `json:"metadata,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}
