package item

import (
	"time"
)

// Status is the lifecycle state of a linked institution connection.
type Status string

const (
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// LinkedItem is one user's connection to one institution via the aggregator.
// Items are never hard-deleted, only status-changed.
type LinkedItem struct {
	ID              string  `json:"id"`
	UserID          int64   `json:"userId"`
	InstitutionName string  `json:"institutionName"`
	Status          Status  `json:"status"`
	Cursor          *string `json:"cursor,omitempty"`

	// EncryptedAccessToken is the vault blob; the plaintext credential
	// never leaves the sync path and the field never serializes.
	EncryptedAccessToken string `json:"-"`

	LastErrorCode    *string   `json:"lastErrorCode,omitempty"`
	LastErrorMessage *string   `json:"lastErrorMessage,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
