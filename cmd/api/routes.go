package main

import (
	"log"
	"net/http"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/config"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/middleware"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/telemetry"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check and metrics
	mux.HandleFunc("/health", deps.HealthHandler.HandleHealth)
	mux.Handle("/metrics", telemetry.MetricsHandler())

	// Webhook entry point authenticates with its own signature check, not
	// a user session.
	mux.HandleFunc("/api/webhooks/aggregator", deps.WebhookHandler.HandleWebhook)

	// Protected routes
	authMiddleware := middleware.Auth(deps.JWT)

	mux.Handle("/api/link/token", authMiddleware(http.HandlerFunc(deps.LinkHandler.HandleCreateLinkToken)))
	mux.Handle("/api/link/exchange", authMiddleware(http.HandlerFunc(deps.LinkHandler.HandleExchangeToken)))
	mux.Handle("/api/sync/transactions", authMiddleware(http.HandlerFunc(deps.SyncHandler.HandleSyncTransactions)))
	mux.Handle("/api/transactions", authMiddleware(http.HandlerFunc(deps.TransactionHandler.HandleListTransactions)))
	mux.Handle("/api/items", authMiddleware(http.HandlerFunc(deps.ItemHandler.HandleListItems)))

	// Apply global middleware
	handler := middleware.Logging(mux)

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		log.Println("TLS security middleware enabled (HSTS)")
	}

	return handler
}
