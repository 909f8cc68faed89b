package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/item"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/middleware"
)

type ItemHandler struct {
	itemRepo item.Repository
}

func NewItemHandler(itemRepo item.Repository) *ItemHandler {
	return &ItemHandler{itemRepo: itemRepo}
}

// HandleListItems returns all of the authenticated user's linked items,
// including errored and disconnected ones so the caller can surface
// re-link prompts.
func (h *ItemHandler) HandleListItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := r.Context().Value(middleware.UserIDKey).(int64)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	items, err := h.itemRepo.ListByUserID(r.Context(), userID)
	if err != nil {
		log.Printf("Error listing items for user %d: %v", userID, err)
		http.Error(w, "Failed to list items", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*item.LinkedItem{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}
