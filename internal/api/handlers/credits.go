package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"roomio/internal/core"
	"roomio/internal/types"
)

// CreditOperator is the credit economy surface the HTTP layer exposes.
type CreditOperator interface {
	Balance(ctx context.Context, userHash string) (*types.BalanceSnapshot, error)
	Check(ctx context.Context, userHash string, amount int64) (bool, int64, error)
	Debit(ctx context.Context, userHash, generationID string, amount int64) (int64, error)
	GrantFree(ctx context.Context, userHash string) (int64, error)
	Sweep(ctx context.Context) (int64, error)
}

// CreditsHandler serves the credit endpoints called by the generation
// pipeline (balance, check, deduct), onboarding (grant-free), and the
// sweep cron (expire).
type CreditsHandler struct {
	credits     CreditOperator
	validator   *core.Validator
	sweepSecret string
	logger      *slog.Logger
}

// NewCreditsHandler creates a CreditsHandler.
func NewCreditsHandler(credits CreditOperator, validator *core.Validator, sweepSecret string, logger *slog.Logger) *CreditsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditsHandler{
		credits:     credits,
		validator:   validator,
		sweepSecret: sweepSecret,
		logger:      logger,
	}
}

// RegisterRoutes mounts the credit endpoints under /credits.
func (h *CreditsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/credits", func(r chi.Router) {
		r.Get("/balance", h.HandleBalance)
		r.Post("/check", h.HandleCheck)
		r.Post("/deduct", h.HandleDeduct)
		r.Post("/grant-free", h.HandleGrantFree)
		r.Post("/expire", h.HandleExpire)
	})
}

// HandleBalance returns the user's balance snapshot.
func (h *CreditsHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userHash := r.URL.Query().Get("user_hash")
	if userHash == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"user_hash query parameter is required",
			nil,
		))
		return
	}

	snapshot, err := h.credits.Balance(r.Context(), userHash)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: snapshot})
}

type checkRequest struct {
	UserHash string `json:"user_hash" validate:"required"`
	Amount   int64  `json:"amount" validate:"gte=0"`
}

type checkResponse struct {
	Available bool  `json:"available"`
	Balance   int64 `json:"balance"`
}

// HandleCheck reports whether a debit of the given (or default) amount
// would succeed right now.
func (h *CreditsHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	available, balance, err := h.credits.Check(r.Context(), req.UserHash, req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: checkResponse{
		Available: available,
		Balance:   balance,
	}})
}

type deductRequest struct {
	UserHash     string `json:"user_hash" validate:"required"`
	GenerationID string `json:"generation_id" validate:"required"`
	Amount       int64  `json:"amount" validate:"gte=0"`
}

type deductResponse struct {
	Success bool  `json:"success"`
	Balance int64 `json:"balance"`
}

// HandleDeduct debits credits for one completed generation. Responds 402
// when the balance cannot cover the debit.
func (h *CreditsHandler) HandleDeduct(w http.ResponseWriter, r *http.Request) {
	var req deductRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	balance, err := h.credits.Debit(r.Context(), req.UserHash, req.GenerationID, req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: deductResponse{
		Success: true,
		Balance: balance,
	}})
}

type grantFreeRequest struct {
	UserHash string `json:"user_hash" validate:"required"`
}

type grantFreeResponse struct {
	Granted bool  `json:"granted"`
	Amount  int64 `json:"amount"`
}

// HandleGrantFree issues the one-time starter grant. A repeat claim
// responds 409.
func (h *CreditsHandler) HandleGrantFree(w http.ResponseWriter, r *http.Request) {
	var req grantFreeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	amount, err := h.credits.GrantFree(r.Context(), req.UserHash)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: grantFreeResponse{
		Granted: true,
		Amount:  amount,
	}})
}

type expireResponse struct {
	EntriesExpired int64 `json:"entries_expired"`
}

// HandleExpire runs the expiration sweep. Guarded by a bearer secret so
// only the scheduler can trigger it.
func (h *CreditsHandler) HandleExpire(w http.ResponseWriter, r *http.Request) {
	if err := h.authorizeSweep(r); err != nil {
		core.Error(w, r, err)
		return
	}

	expired, err := h.credits.Sweep(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: expireResponse{EntriesExpired: expired}})
}

// authorizeSweep checks the Authorization bearer token against the sweep
// secret in constant time.
func (h *CreditsHandler) authorizeSweep(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Authorization header", nil)
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "Authorization header must use the Bearer scheme", nil)
	}
	if h.sweepSecret == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.sweepSecret)) != 1 {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid sweep token", nil)
	}
	return nil
}
