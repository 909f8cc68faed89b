package main

import (
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/sync"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/webhook"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/aggregator"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/crypto"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/postgres"
	httphandlers "github.com/josiahdevine/personal-finance-dashboard-sub004/internal/interfaces/http"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/auth"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/config"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/ratelimit"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/retry"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB    *postgres.DB
	Redis *redis.Client

	// Handlers
	LinkHandler        *httphandlers.LinkHandler
	SyncHandler        *httphandlers.SyncHandler
	TransactionHandler *httphandlers.TransactionHandler
	ItemHandler        *httphandlers.ItemHandler
	WebhookHandler     *httphandlers.WebhookHandler
	HealthHandler      *httphandlers.HealthHandler

	// Auth
	JWT *auth.JWT

	// Core services (also used by the CLI entry point)
	Orchestrator *sync.Orchestrator
	ItemRepo     *postgres.ItemRepository
}

// NewDependencies initializes all application dependencies.
func NewDependencies(cfg *config.Config) (*Dependencies, error) {
	// Connect to database
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	log.Println("Connected to database")

	// Initialize credential vault
	vault, err := crypto.NewVault(cfg.Vault.MasterKey, cfg.Vault.Iterations)
	if err != nil {
		return nil, err
	}

	// Redis backs the rate limiter only; an unreachable instance degrades
	// enforcement rather than failing startup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	limiter := ratelimit.NewLimiter(rdb)

	// Initialize repositories
	itemRepo := postgres.NewItemRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)
	syncEventRepo := postgres.NewSyncEventRepository(db)

	// Initialize aggregator client and orchestrator
	aggClient := aggregator.NewClient(
		cfg.Aggregator.BaseURL,
		cfg.Aggregator.ClientID,
		cfg.Aggregator.ClientSecret,
		cfg.Aggregator.Timeout,
	)
	retryOpts := retry.Options{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialDelay:   cfg.Retry.InitialDelay,
		PerCallTimeout: cfg.Retry.PerCallTimeout,
	}
	orchestrator := sync.NewOrchestrator(aggClient, vault, itemRepo, transactionRepo, syncEventRepo, cfg.Aggregator.PageSize, retryOpts)

	// Webhook processing
	processor := webhook.NewProcessor(itemRepo, transactionRepo, orchestrator, cfg.Aggregator.WebhookSecret)

	// Auth
	jwt := auth.NewJWT(cfg.JWT.Secret)

	// Handlers
	syncRule := ratelimit.Rule{
		MaxRequests: cfg.RateLimit.SyncMaxRequests,
		Window:      cfg.RateLimit.SyncWindow,
	}

	return &Dependencies{
		DB:                 db,
		Redis:              rdb,
		LinkHandler:        httphandlers.NewLinkHandler(aggClient, vault, itemRepo, cfg.Aggregator.WebhookURL),
		SyncHandler:        httphandlers.NewSyncHandler(limiter, orchestrator, syncRule),
		TransactionHandler: httphandlers.NewTransactionHandler(transactionRepo),
		ItemHandler:        httphandlers.NewItemHandler(itemRepo),
		WebhookHandler:     httphandlers.NewWebhookHandler(processor),
		HealthHandler:      httphandlers.NewHealthHandler(db),
		JWT:                jwt,
		Orchestrator:       orchestrator,
		ItemRepo:           itemRepo,
	}, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			log.Printf("Error closing redis client: %v", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}
}
