package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/item"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/syncevent"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/transaction"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/aggregator"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/retry"
)

type mockAggregatorClient struct {
	syncFunc func(ctx context.Context, accessToken, cursor string, count int) (*aggregator.SyncResponse, error)
}

func (m *mockAggregatorClient) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*aggregator.SyncResponse, error) {
	return m.syncFunc(ctx, accessToken, cursor, count)
}

func (m *mockAggregatorClient) CreateLinkToken(ctx context.Context, clientUserID, webhookURL string) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockAggregatorClient) ExchangePublicToken(ctx context.Context, publicToken string) (*aggregator.ExchangeResult, error) {
	return nil, errors.New("not implemented")
}

type mockDecrypter struct {
	decryptFunc func(blob string) (string, error)
}

func (m *mockDecrypter) Decrypt(blob string) (string, error) {
	return m.decryptFunc(blob)
}

// fakeItemRepo keeps item state in memory so cursor advancement and error
// transitions can be asserted after a run.
type fakeItemRepo struct {
	mu      sync.Mutex
	items   map[string]*item.LinkedItem
	cursors []string
}

func newFakeItemRepo(items ...*item.LinkedItem) *fakeItemRepo {
	repo := &fakeItemRepo{items: make(map[string]*item.LinkedItem)}
	for _, it := range items {
		copied := *it
		repo.items[it.ID] = &copied
	}
	return repo
}

func (f *fakeItemRepo) Create(ctx context.Context, params item.CreateParams) (*item.LinkedItem, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeItemRepo) GetByID(ctx context.Context, id string) (*item.LinkedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	copied := *it
	return &copied, nil
}

func (f *fakeItemRepo) GetActiveByID(ctx context.Context, id string) (*item.LinkedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok || it.Status != item.StatusActive {
		return nil, nil
	}
	copied := *it
	return &copied, nil
}

func (f *fakeItemRepo) ListByUserID(ctx context.Context, userID int64) ([]*item.LinkedItem, error) {
	return f.list(userID, false)
}

func (f *fakeItemRepo) ListActiveByUserID(ctx context.Context, userID int64) ([]*item.LinkedItem, error) {
	return f.list(userID, true)
}

func (f *fakeItemRepo) list(userID int64, activeOnly bool) ([]*item.LinkedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*item.LinkedItem
	for _, it := range f.items {
		if it.UserID != userID {
			continue
		}
		if activeOnly && it.Status != item.StatusActive {
			continue
		}
		copied := *it
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeItemRepo) UpdateCursor(ctx context.Context, id, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return errors.New("linked item not found")
	}
	c := cursor
	it.Cursor = &c
	f.cursors = append(f.cursors, cursor)
	return nil
}

func (f *fakeItemRepo) SetError(ctx context.Context, id, code, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return errors.New("linked item not found")
	}
	it.Status = item.StatusError
	it.LastErrorCode = &code
	it.LastErrorMessage = &message
	return nil
}

func (f *fakeItemRepo) SetStatus(ctx context.Context, id string, status item.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return errors.New("linked item not found")
	}
	it.Status = status
	return nil
}

func (f *fakeItemRepo) cursor(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.items[id]
	if it == nil || it.Cursor == nil {
		return ""
	}
	return *it.Cursor
}

// fakeTransactionRepo is an in-memory store keyed by external id, matching
// the upsert's conflict semantics so replay tests exercise real convergence.
type fakeTransactionRepo struct {
	mu      sync.Mutex
	records map[string]*transaction.Record
	upserts int

	// failUpsertAt makes the Nth upsert (1-based, cumulative) fail once.
	failUpsertAt int
	failed       bool
}

func newFakeTransactionRepo() *fakeTransactionRepo {
	return &fakeTransactionRepo{records: make(map[string]*transaction.Record)}
}

func (f *fakeTransactionRepo) Upsert(ctx context.Context, params transaction.UpsertParams) (*transaction.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failUpsertAt > 0 && f.upserts == f.failUpsertAt && !f.failed {
		f.failed = true
		return nil, errors.New("storage unavailable")
	}

	rec, ok := f.records[params.ExternalTransactionID]
	if !ok {
		rec = &transaction.Record{
			ID:                    fmt.Sprintf("rec-%d", len(f.records)+1),
			ExternalTransactionID: params.ExternalTransactionID,
			Status:                transaction.StatusActive,
		}
		f.records[params.ExternalTransactionID] = rec
	}
	rec.ItemID = params.ItemID
	rec.AccountID = params.AccountID
	rec.Amount = params.Amount
	rec.Category = params.Category
	rec.Date = params.Date
	rec.MerchantName = params.MerchantName
	rec.PaymentChannel = params.PaymentChannel
	rec.Pending = params.Pending
	rec.Metadata = params.Metadata
	copied := *rec
	return &copied, nil
}

func (f *fakeTransactionRepo) MarkRemoved(ctx context.Context, externalIDs []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range externalIDs {
		rec, ok := f.records[id]
		if ok && rec.Status != transaction.StatusRemoved {
			rec.Status = transaction.StatusRemoved
			n++
		}
	}
	return n, nil
}

func (f *fakeTransactionRepo) GetByExternalID(ctx context.Context, externalID string) (*transaction.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[externalID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeTransactionRepo) ListByUserID(ctx context.Context, userID int64, includeRemoved bool, limit, offset int) ([]*transaction.Record, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransactionRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeSyncEventRepo struct {
	mu     sync.Mutex
	events []syncevent.AppendParams
}

func (f *fakeSyncEventRepo) Append(ctx context.Context, params syncevent.AppendParams) (*syncevent.SyncEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, params)
	return &syncevent.SyncEvent{ID: "evt-1"}, nil
}

func (f *fakeSyncEventRepo) ListByItemID(ctx context.Context, itemID string, limit int) ([]*syncevent.SyncEvent, error) {
	return nil, nil
}

// pagedAggregator serves a fixed transaction set in cursor-ordered pages,
// the way the delta endpoint pages a large pull.
type pagedAggregator struct {
	mu    sync.Mutex
	txns  []aggregator.Txn
	calls []string
}

func makeTxns(n int) []aggregator.Txn {
	txns := make([]aggregator.Txn, 0, n)
	for i := 0; i < n; i++ {
		txns = append(txns, aggregator.Txn{
			TransactionID:  fmt.Sprintf("txn-%03d", i),
			AccountID:      "acct-1",
			Amount:         float64(i) + 0.5,
			Category:       []string{"Food and Drink", "Restaurants"},
			Date:           "2026-08-15",
			MerchantName:   "Merchant",
			PaymentChannel: "online",
		})
	}
	return txns
}

func (p *pagedAggregator) sync(ctx context.Context, accessToken, cursor string, count int) (*aggregator.SyncResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, cursor)
	p.mu.Unlock()

	offset := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "cursor-%d", &offset); err != nil {
			return nil, fmt.Errorf("unexpected cursor %q", cursor)
		}
	}
	end := offset + count
	if end > len(p.txns) {
		end = len(p.txns)
	}
	return &aggregator.SyncResponse{
		Added:      p.txns[offset:end],
		HasMore:    end < len(p.txns),
		NextCursor: fmt.Sprintf("cursor-%d", end),
	}, nil
}

func testOrchestrator(agg *mockAggregatorClient, items *fakeItemRepo, txns *fakeTransactionRepo, events *fakeSyncEventRepo) *Orchestrator {
	vault := &mockDecrypter{decryptFunc: func(blob string) (string, error) {
		return "access-" + blob, nil
	}}
	opts := retry.Options{MaxRetries: 2, InitialDelay: time.Millisecond}
	return NewOrchestrator(agg, vault, items, txns, events, 100, opts)
}

func activeItem(id string) *item.LinkedItem {
	return &item.LinkedItem{
		ID:                   id,
		UserID:               42,
		InstitutionName:      "Test Bank",
		Status:               item.StatusActive,
		EncryptedAccessToken: "blob-" + id,
	}
}

func TestSyncItemFullHistoricalPull(t *testing.T) {
	paged := &pagedAggregator{txns: makeTxns(250)}
	agg := &mockAggregatorClient{syncFunc: paged.sync}
	items := newFakeItemRepo(activeItem("item-1"))
	txns := newFakeTransactionRepo()
	events := &fakeSyncEventRepo{}
	orch := testOrchestrator(agg, items, txns, events)

	it, _ := items.GetByID(context.Background(), "item-1")
	result, err := orch.SyncItem(context.Background(), it, EventTypeManualSync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Added != 250 || result.Modified != 0 || result.Removed != 0 {
		t.Errorf("expected 250/0/0, got %d/%d/%d", result.Added, result.Modified, result.Removed)
	}
	if len(paged.calls) != 3 {
		t.Errorf("expected 3 pages, got %d: %v", len(paged.calls), paged.calls)
	}
	if paged.calls[0] != "" {
		t.Errorf("first pull should send an empty cursor, got %q", paged.calls[0])
	}
	if got := items.cursor("item-1"); got != "cursor-250" {
		t.Errorf("expected final cursor cursor-250, got %q", got)
	}
	if txns.count() != 250 {
		t.Errorf("expected 250 stored records, got %d", txns.count())
	}

	// The cursor is committed once per page, after that page persisted.
	want := []string{"cursor-100", "cursor-200", "cursor-250"}
	if len(items.cursors) != len(want) {
		t.Fatalf("expected cursor commits %v, got %v", want, items.cursors)
	}
	for i, c := range want {
		if items.cursors[i] != c {
			t.Errorf("cursor commit %d: expected %q, got %q", i, c, items.cursors[i])
		}
	}

	if len(events.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events.events))
	}
	evt := events.events[0]
	if evt.EventType != EventTypeManualSync || evt.AddedCount != 250 || evt.UserID != 42 {
		t.Errorf("unexpected audit event: %+v", evt)
	}
	if evt.NextCursor == nil || *evt.NextCursor != "cursor-250" {
		t.Errorf("audit event should record the final cursor, got %v", evt.NextCursor)
	}
}

func TestSyncItemReplayConvergence(t *testing.T) {
	paged := &pagedAggregator{txns: makeTxns(250)}
	agg := &mockAggregatorClient{syncFunc: paged.sync}
	items := newFakeItemRepo(activeItem("item-1"))
	txns := newFakeTransactionRepo()
	txns.failUpsertAt = 150 // mid second page
	events := &fakeSyncEventRepo{}
	orch := testOrchestrator(agg, items, txns, events)

	it, _ := items.GetByID(context.Background(), "item-1")
	if _, err := orch.SyncItem(context.Background(), it, EventTypeManualSync); err == nil {
		t.Fatal("expected the first run to fail")
	}

	// Page 1 committed, page 2 did not, so the cursor still points at the
	// failed page.
	if got := items.cursor("item-1"); got != "cursor-100" {
		t.Fatalf("expected cursor cursor-100 after failed run, got %q", got)
	}
	if len(events.events) != 0 {
		t.Fatalf("no audit event should be written for a failed run, got %d", len(events.events))
	}

	it, _ = items.GetByID(context.Background(), "item-1")
	result, err := orch.SyncItem(context.Background(), it, EventTypeManualSync)
	if err != nil {
		t.Fatalf("replay run failed: %v", err)
	}

	// The replay re-fetches the failed page; upserts converge on one row
	// per external id, so totals and stored state match an uninterrupted run.
	if txns.count() != 250 {
		t.Errorf("expected 250 records after replay, got %d", txns.count())
	}
	if result.Added != 150 {
		t.Errorf("replay run should report the remaining 150 transactions, got %d", result.Added)
	}
	if got := items.cursor("item-1"); got != "cursor-250" {
		t.Errorf("expected final cursor cursor-250, got %q", got)
	}
}

func TestSyncItemTombstonesRemoved(t *testing.T) {
	pages := []*aggregator.SyncResponse{
		{
			Added:      makeTxns(3),
			HasMore:    true,
			NextCursor: "cursor-a",
		},
		{
			Removed:    []aggregator.Txn{{TransactionID: "txn-001"}},
			HasMore:    false,
			NextCursor: "cursor-b",
		},
	}
	call := 0
	agg := &mockAggregatorClient{syncFunc: func(ctx context.Context, accessToken, cursor string, count int) (*aggregator.SyncResponse, error) {
		page := pages[call]
		call++
		return page, nil
	}}
	items := newFakeItemRepo(activeItem("item-1"))
	txns := newFakeTransactionRepo()
	events := &fakeSyncEventRepo{}
	orch := testOrchestrator(agg, items, txns, events)

	it, _ := items.GetByID(context.Background(), "item-1")
	result, err := orch.SyncItem(context.Background(), it, EventTypeWebhookSync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Added != 3 || result.Removed != 1 {
		t.Errorf("expected added=3 removed=1, got %d/%d", result.Added, result.Removed)
	}
	rec, _ := txns.GetByExternalID(context.Background(), "txn-001")
	if rec == nil || rec.Status != transaction.StatusRemoved {
		t.Errorf("txn-001 should be tombstoned, got %+v", rec)
	}

	// Tombstoned rows stay retrievable for audit.
	if txns.count() != 3 {
		t.Errorf("tombstoning must not delete rows, have %d", txns.count())
	}
}

func TestSyncItemCredentialErrorMarksItem(t *testing.T) {
	agg := &mockAggregatorClient{syncFunc: func(ctx context.Context, accessToken, cursor string, count int) (*aggregator.SyncResponse, error) {
		return nil, &aggregator.UpstreamError{
			StatusCode: 400,
			Code:       "ITEM_LOGIN_REQUIRED",
			Message:    "the login details have changed",
		}
	}}
	items := newFakeItemRepo(activeItem("item-1"))
	orch := testOrchestrator(agg, items, newFakeTransactionRepo(), &fakeSyncEventRepo{})

	it, _ := items.GetByID(context.Background(), "item-1")
	_, err := orch.SyncItem(context.Background(), it, EventTypeManualSync)
	if err == nil {
		t.Fatal("expected an error")
	}

	updated, _ := items.GetByID(context.Background(), "item-1")
	if updated.Status != item.StatusError {
		t.Errorf("expected status error, got %s", updated.Status)
	}
	if updated.LastErrorCode == nil || *updated.LastErrorCode != "ITEM_LOGIN_REQUIRED" {
		t.Errorf("expected stored error code ITEM_LOGIN_REQUIRED, got %v", updated.LastErrorCode)
	}
}

func TestSyncItemTransientErrorLeavesItemActive(t *testing.T) {
	agg := &mockAggregatorClient{syncFunc: func(ctx context.Context, accessToken, cursor string, count int) (*aggregator.SyncResponse, error) {
		return nil, &aggregator.UpstreamError{StatusCode: 503, Code: "SERVER_ERROR", Message: "down", Transient: true}
	}}
	items := newFakeItemRepo(activeItem("item-1"))
	orch := testOrchestrator(agg, items, newFakeTransactionRepo(), &fakeSyncEventRepo{})

	it, _ := items.GetByID(context.Background(), "item-1")
	if _, err := orch.SyncItem(context.Background(), it, EventTypeManualSync); err == nil {
		t.Fatal("expected an error")
	}

	updated, _ := items.GetByID(context.Background(), "item-1")
	if updated.Status != item.StatusActive {
		t.Errorf("a transient outage must not error the item, got %s", updated.Status)
	}
}

func TestSyncUserIsolatesItemFailures(t *testing.T) {
	good := activeItem("item-good")
	bad := activeItem("item-bad")
	items := newFakeItemRepo(good, bad)

	agg := &mockAggregatorClient{syncFunc: func(ctx context.Context, accessToken, cursor string, count int) (*aggregator.SyncResponse, error) {
		if accessToken == "access-blob-item-bad" {
			return nil, &aggregator.UpstreamError{StatusCode: 400, Code: "INVALID_REQUEST", Message: "bad token"}
		}
		return &aggregator.SyncResponse{Added: makeTxns(2), NextCursor: "cursor-2"}, nil
	}}
	orch := testOrchestrator(agg, items, newFakeTransactionRepo(), &fakeSyncEventRepo{})

	result, err := orch.SyncUser(context.Background(), 42, EventTypeManualSync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Items) != 2 {
		t.Fatalf("expected 2 item results, got %d", len(result.Items))
	}
	if result.TotalAdded != 2 {
		t.Errorf("expected totals from the healthy item only, got %d", result.TotalAdded)
	}

	var failed, succeeded int
	for _, entry := range result.Items {
		switch entry.ItemID {
		case "item-bad":
			if entry.Error == "" || entry.Result != nil {
				t.Errorf("item-bad should carry an error, got %+v", entry)
			}
			if !strings.Contains(entry.Error, "INVALID_REQUEST") {
				t.Errorf("error should name the upstream code, got %q", entry.Error)
			}
			failed++
		case "item-good":
			if entry.Error != "" || entry.Result == nil || entry.Result.Added != 2 {
				t.Errorf("item-good should carry a result, got %+v", entry)
			}
			succeeded++
		}
	}
	if failed != 1 || succeeded != 1 {
		t.Errorf("expected one failed and one successful item, got %d/%d", failed, succeeded)
	}
}

// Two overlapping runs for the same item converge without a lock: the
// natural-key upsert absorbs double ingestion and cursor commits are
// monotone in practice because both runs write page-derived cursors.
func TestConcurrentRunsConverge(t *testing.T) {
	paged := &pagedAggregator{txns: makeTxns(250)}
	agg := &mockAggregatorClient{syncFunc: paged.sync}
	items := newFakeItemRepo(activeItem("item-1"))
	txns := newFakeTransactionRepo()
	events := &fakeSyncEventRepo{}
	orch := testOrchestrator(agg, items, txns, events)

	it, _ := items.GetByID(context.Background(), "item-1")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *it
			if _, err := orch.SyncItem(context.Background(), &snapshot, EventTypeManualSync); err != nil {
				t.Errorf("concurrent run failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if txns.count() != 250 {
		t.Errorf("overlapping runs must converge on 250 rows, got %d", txns.count())
	}
	if got := items.cursor("item-1"); got != "cursor-250" {
		t.Errorf("expected final cursor cursor-250, got %q", got)
	}
}

func TestSyncItemDecryptFailureIsFatal(t *testing.T) {
	agg := &mockAggregatorClient{syncFunc: func(ctx context.Context, accessToken, cursor string, count int) (*aggregator.SyncResponse, error) {
		t.Fatal("aggregator must not be called when decryption fails")
		return nil, nil
	}}
	vault := &mockDecrypter{decryptFunc: func(blob string) (string, error) {
		return "", errors.New("cipher: message authentication failed")
	}}
	items := newFakeItemRepo(activeItem("item-1"))
	orch := NewOrchestrator(agg, vault, items, newFakeTransactionRepo(), &fakeSyncEventRepo{}, 100, retry.Options{MaxRetries: 1, InitialDelay: time.Millisecond})

	it, _ := items.GetByID(context.Background(), "item-1")
	if _, err := orch.SyncItem(context.Background(), it, EventTypeManualSync); err == nil {
		t.Fatal("expected an error")
	}
}

func TestParseFilter(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		startDate string
		endDate   string
		wantField string
	}{
		{"no filters", "", "", ""},
		{"valid range", "2026-06-01", "2026-08-01", ""},
		{"start only", "2026-01-15", "", ""},
		{"malformed start", "06/01/2026", "", "start_date"},
		{"start too old", "2025-06-01", "", "start_date"},
		{"malformed end", "", "yesterday", "end_date"},
		{"end in future", "", "2026-09-02", "end_date"},
		{"end before start", "2026-08-01", "2026-07-01", "end_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := ParseFilter(tt.startDate, tt.endDate, now)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if filter == nil {
					t.Fatal("expected a filter")
				}
				return
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q", tt.wantField, vErr.Field)
			}
		})
	}
}
