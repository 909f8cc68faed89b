package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/sync"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/middleware"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/ratelimit"
)

const syncAction = "transactions_sync"

// RateChecker gates the caller-triggered sync entry point.
type RateChecker interface {
	Check(ctx context.Context, subject, action string, rule ratelimit.Rule) ratelimit.Result
}

// UserSyncer runs a reconciliation across a user's active items.
type UserSyncer interface {
	SyncUser(ctx context.Context, userID int64, eventType string) (*sync.UserResult, error)
}

type SyncHandler struct {
	limiter RateChecker
	syncer  UserSyncer
	rule    ratelimit.Rule
	now     func() time.Time
}

func NewSyncHandler(limiter RateChecker, syncer UserSyncer, rule ratelimit.Rule) *SyncHandler {
	return &SyncHandler{
		limiter: limiter,
		syncer:  syncer,
		rule:    rule,
		now:     time.Now,
	}
}

// HandleSyncTransactions triggers a sync across the authenticated user's
// active items. Date filters are validated before anything upstream is
// called, and the rate limit gates only this entry point.
func (h *SyncHandler) HandleSyncTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := r.Context().Value(middleware.UserIDKey).(int64)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := sync.ParseFilter(r.URL.Query().Get("start_date"), r.URL.Query().Get("end_date"), h.now()); err != nil {
		var vErr *sync.ValidationError
		if errors.As(err, &vErr) {
			http.Error(w, vErr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	limit := h.limiter.Check(r.Context(), strconv.FormatInt(userID, 10), syncAction, h.rule)
	if !limit.Allowed {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(limit.NextAllowedAt)/time.Second)+1))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":         "Too many sync requests",
			"nextAllowedAt": limit.NextAllowedAt,
		})
		return
	}

	result, err := h.syncer.SyncUser(r.Context(), userID, sync.EventTypeManualSync)
	if err != nil {
		log.Printf("Error syncing transactions for user %d: %v", userID, err)
		http.Error(w, "Failed to sync transactions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
