package aggregator

import (
	"context"
)

// ClientInterface defines the methods required from the aggregator API client
type ClientInterface interface {
	SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*SyncResponse, error)
	CreateLinkToken(ctx context.Context, clientUserID, webhookURL string) (string, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResult, error)
}
