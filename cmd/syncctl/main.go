package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/sync"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/aggregator"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/crypto"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/postgres"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/config"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/retry"
)

const usage = `syncctl - One-shot transaction sync driver

Syncs are normally triggered by callers or aggregator webhooks; this tool
drives the same reconciliation from the command line, one invocation per run.

Usage:
  syncctl <command> [options]

Commands:
  sync     Run a transaction sync for one or more users
  events   Show recent sync events for an item

Examples:
  # Sync all active items for one user
  syncctl sync --user-id=1

  # Sync several users sequentially
  syncctl sync --user-id=1,2,3

  # Bound the whole run
  syncctl sync --user-id=1 --timeout=5m

  # Inspect the audit log for an item
  syncctl events --item-id=abc123 --limit=20
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sync":
		runSync(os.Args[2:])
	case "events":
		runEvents(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		fmt.Print(usage)
		os.Exit(1)
	}
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	userIDStr := fs.String("user-id", "", "User ID(s) to sync (comma-separated for multiple)")
	timeoutStr := fs.String("timeout", "30m", "Timeout for the whole run (e.g., 5m, 1h)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *userIDStr == "" {
		fmt.Println("Error: must specify --user-id")
		fs.Usage()
		os.Exit(1)
	}

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		log.Fatalf("Invalid timeout: %v", err)
	}

	userIDs, err := parseUserIDs(*userIDStr)
	if err != nil {
		log.Fatalf("Invalid --user-id: %v", err)
	}

	orchestrator, db := buildOrchestrator()
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	exitCode := 0
	for _, userID := range userIDs {
		result, err := orchestrator.SyncUser(ctx, userID, sync.EventTypeManualSync)
		if err != nil {
			log.Printf("Sync failed for user %d: %v", userID, err)
			exitCode = 1
			continue
		}

		fmt.Printf("user %d: added=%d modified=%d removed=%d across %d item(s)\n",
			userID, result.TotalAdded, result.TotalModified, result.TotalRemoved, len(result.Items))
		for _, entry := range result.Items {
			if entry.Error != "" {
				fmt.Printf("  %s (%s): FAILED: %s\n", entry.ItemID, entry.InstitutionName, entry.Error)
				exitCode = 1
				continue
			}
			fmt.Printf("  %s (%s): added=%d modified=%d removed=%d\n",
				entry.ItemID, entry.InstitutionName,
				entry.Result.Added, entry.Result.Modified, entry.Result.Removed)
		}
	}
	os.Exit(exitCode)
}

func runEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	itemID := fs.String("item-id", "", "Linked item ID")
	limit := fs.Int("limit", 20, "Maximum events to show")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *itemID == "" {
		fmt.Println("Error: must specify --item-id")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	events, err := postgres.NewSyncEventRepository(db).ListByItemID(context.Background(), *itemID, *limit)
	if err != nil {
		log.Fatalf("Failed to list sync events: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		log.Fatalf("Failed to encode events: %v", err)
	}
}

func buildOrchestrator() (*sync.Orchestrator, *postgres.DB) {
	cfg := loadConfig()

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	vault, err := crypto.NewVault(cfg.Vault.MasterKey, cfg.Vault.Iterations)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}

	client := aggregator.NewClient(
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

	orchestrator := sync.NewOrchestrator(
		client,
		vault,
		postgres.NewItemRepository(db),
		postgres.NewTransactionRepository(db),
		postgres.NewSyncEventRepository(db),
		cfg.Aggregator.PageSize,
		retryOpts,
	)
	return orchestrator, db
}

func loadConfig() *config.Config {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}

func parseUserIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a user id", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
