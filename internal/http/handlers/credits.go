package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pixelkiln/server/internal/domain"
)

// CreditsBalance returns the caller's authoritative balance.
func (a *App) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		balance = 0
	} else if err != nil {
		a.Logger.Error().Err(err).Msg("http: balance read failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read balance")
		return
	}
	a.json(w, http.StatusOK, map[string]int{"balance": balance})
}

// CreditsTransactions returns the newest-first transaction log.
func (a *App) CreditsTransactions(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txs, err := a.Ledger.Transactions(r.Context(), userID, limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: transactions read failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read transactions")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"transactions": txs})
}

type purchaseRequest struct {
	Amount int `json:"amount"`
}

// CreditsPurchase credits the account. Payment capture happens upstream;
// this endpoint records the grant.
func (a *App) CreditsPurchase(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "amount must be positive")
		return
	}
	if err := a.Ledger.Credit(r.Context(), userID, req.Amount, domain.TransactionPurchase, "credit pack purchase"); err != nil {
		a.Logger.Error().Err(err).Msg("http: purchase failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to apply purchase")
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to read balance")
		return
	}
	a.json(w, http.StatusOK, map[string]int{"balance": balance})
}
