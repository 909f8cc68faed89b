package http

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/domain/item"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/aggregator"
	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/shared/middleware"
)

// TokenEncrypter seals a plaintext aggregator credential into its stored
// blob. Implemented by the crypto vault.
type TokenEncrypter interface {
	Encrypt(secret string) (string, error)
}

type LinkHandler struct {
	client     aggregator.ClientInterface
	vault      TokenEncrypter
	itemRepo   item.Repository
	webhookURL string
}

func NewLinkHandler(client aggregator.ClientInterface, vault TokenEncrypter, itemRepo item.Repository, webhookURL string) *LinkHandler {
	return &LinkHandler{
		client:     client,
		vault:      vault,
		itemRepo:   itemRepo,
		webhookURL: webhookURL,
	}
}

// HandleCreateLinkToken starts the account-linking flow for the
// authenticated user.
func (h *LinkHandler) HandleCreateLinkToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := r.Context().Value(middleware.UserIDKey).(int64)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	linkToken, err := h.client.CreateLinkToken(r.Context(), strconv.FormatInt(userID, 10), h.webhookURL)
	if err != nil {
		log.Printf("Error creating link token for user %d: %v", userID, err)
		http.Error(w, "Failed to create link token", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"linkToken": linkToken})
}

type exchangeTokenRequest struct {
	PublicToken     string `json:"publicToken"`
	InstitutionName string `json:"institutionName"`
}

// HandleExchangeToken trades a public token for a long-lived credential,
// seals it in the vault and records the linked item. The plaintext
// credential exists only inside this call.
func (h *LinkHandler) HandleExchangeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := r.Context().Value(middleware.UserIDKey).(int64)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req exchangeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("Error decoding exchange request: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PublicToken == "" || req.InstitutionName == "" {
		http.Error(w, "publicToken and institutionName are required", http.StatusBadRequest)
		return
	}

	result, err := h.client.ExchangePublicToken(r.Context(), req.PublicToken)
	if err != nil {
		log.Printf("Error exchanging public token for user %d: %v", userID, err)
		http.Error(w, "Failed to exchange public token", http.StatusBadGateway)
		return
	}

	blob, err := h.vault.Encrypt(result.AccessToken)
	if err != nil {
		log.Printf("Error encrypting access token for user %d: %v", userID, err)
		http.Error(w, "Failed to store credential", http.StatusInternalServerError)
		return
	}

	linked, err := h.itemRepo.Create(r.Context(), item.CreateParams{
		ID:                   result.ItemID,
		UserID:               userID,
		EncryptedAccessToken: blob,
		InstitutionName:      req.InstitutionName,
	})
	if err != nil {
		log.Printf("Error creating linked item for user %d: %v", userID, err)
		http.Error(w, "Failed to create linked item", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(linked)
}
