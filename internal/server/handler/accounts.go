package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/service"
)

// AccountService defines the methods the account handler requires from the
// service layer.
type AccountService interface {
	Signup(ctx context.Context, username string) (domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	GetBalance(ctx context.Context, id string) (int64, error)
	GetLedgerHistory(ctx context.Context, id string, opts domain.ListOpts) ([]domain.LedgerEntry, error)
	Deactivate(ctx context.Context, id string) (domain.Account, error)
	AdminAdjust(ctx context.Context, in service.AdjustInput) (domain.LedgerEntry, error)
}

// AccountHandler serves account, balance and ledger endpoints.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logger}
}

type signupRequest struct {
	Username string `json:"username"`
}

// Signup creates an account credited with the signup bonus.
// POST /api/accounts
func (h *AccountHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	acct, err := h.accounts.Signup(r.Context(), req.Username)
	if err != nil {
		h.fail(w, r, "signup", err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount returns one account.
// GET /api/accounts/{id}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.GetAccount(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get account", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetBalance returns the current balance.
// GET /api/accounts/{id}/balance
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	bal, err := h.accounts.GetBalance(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "balance": bal})
}

// GetLedger returns ledger entries, newest first.
// GET /api/accounts/{id}/ledger?limit=50&offset=0
func (h *AccountHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.accounts.GetLedgerHistory(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		h.fail(w, r, "get ledger", err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Deactivate stops an account from betting.
// POST /api/accounts/{id}/deactivate
func (h *AccountHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.Deactivate(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "deactivate", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type adjustRequest struct {
	Delta          int64  `json:"delta"`
	IdempotencyKey string `json:"idempotency_key"`
	Memo           string `json:"memo"`
}

// Adjust applies an operator balance correction.
// POST /api/admin/accounts/{id}/adjustments
func (h *AccountHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	entry, err := h.accounts.AdminAdjust(r.Context(), service.AdjustInput{
		AccountID: pathParam(r, "id"),
		Delta:     req.Delta,
		Key:       req.IdempotencyKey,
		Memo:      req.Memo,
	})
	if err != nil {
		h.fail(w, r, "adjust", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *AccountHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if statusFor(domain.Kind(err)) == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
	}
	writeServiceError(w, err)
}
