// Package admin provides the operator HTTP API: account overrides, the
// billing audit log and a diagnostics report.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/comparellm/app"
	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Deps contains dependencies for the admin handler.
type Deps struct {
	Accounts *app.AccountService
	Audit    ports.AuditStore
	Hasher   ports.Hasher

	// TokenHash is the hash of the admin bearer token. Empty disables the API.
	TokenHash []byte

	// Diagnostics feeds the doctor report. Optional.
	Diagnostics Diagnostics

	Logger zerolog.Logger
}

// Handler provides admin API endpoints.
type Handler struct {
	accounts *app.AccountService
	audit    ports.AuditStore
	hasher   ports.Hasher
	diag     Diagnostics
	logger   zerolog.Logger

	mu        sync.RWMutex
	tokenHash []byte
}

// NewHandler creates a new admin API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		accounts:  deps.Accounts,
		audit:     deps.Audit,
		hasher:    deps.Hasher,
		diag:      deps.Diagnostics,
		logger:    deps.Logger.With().Str("component", "admin").Logger(),
		tokenHash: deps.TokenHash,
	}
}

// SetTokenHash replaces the admin token hash. Used on config reload.
func (h *Handler) SetTokenHash(hash []byte) {
	h.mu.Lock()
	h.tokenHash = hash
	h.mu.Unlock()
}

// Router returns the admin API router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.AuthMiddleware)

	// Accounts
	r.Post("/accounts/{id}/reset", h.ResetAccount)
	r.Post("/accounts/tier", h.SetTier)

	// Billing
	r.Get("/billing/audit", h.ListAudit)

	// Diagnostics
	r.Get("/doctor", h.Doctor)

	return r
}

// -----------------------------------------------------------------------------
// Authentication
// -----------------------------------------------------------------------------

// AuthMiddleware requires the admin bearer token.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		hash := h.tokenHash
		h.mu.RUnlock()

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if len(hash) == 0 || !ok || token == "" || !h.hasher.Compare(hash, token) {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

// AccountResponse is the admin view of an account.
type AccountResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	Credits          int64      `json:"credits"`
	CustomerRef      string     `json:"customerRef,omitempty"`
	SubscriptionRef  string     `json:"subscriptionRef,omitempty"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func accountToResponse(a account.Account) AccountResponse {
	return AccountResponse{
		ID:               a.ID,
		Email:            a.Email,
		Tier:             string(a.Tier),
		Status:           string(a.Status),
		Credits:          a.Credits,
		CustomerRef:      a.CustomerRef,
		SubscriptionRef:  a.SubscriptionRef,
		CurrentPeriodEnd: a.CurrentPeriodEnd,
		UpdatedAt:        a.UpdatedAt,
	}
}

// ResetAccount puts an account back on the free tier with the free allotment.
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.accounts.AdminReset(r.Context(), id)
	if errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", id).Msg("failed to reset account")
		writeError(w, http.StatusInternalServerError, "failed to reset account")
		return
	}
	writeJSON(w, http.StatusOK, accountToResponse(a))
}

// SetTierRequest is the body of POST /accounts/tier.
type SetTierRequest struct {
	Email string `json:"email"`
	Tier  string `json:"tier"`
}

// SetTier fixes the tier of the account with the given email.
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	var req SetTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	a, err := h.accounts.AdminSetTier(r.Context(), req.Email, account.Tier(req.Tier))
	switch {
	case errors.Is(err, app.ErrInvalidTier):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("email", req.Email).Msg("failed to set tier")
		writeError(w, http.StatusInternalServerError, "failed to set tier")
		return
	}
	writeJSON(w, http.StatusOK, accountToResponse(a))
}

// -----------------------------------------------------------------------------
// Billing audit
// -----------------------------------------------------------------------------

// AuditResponse is one reconciliation audit entry.
type AuditResponse struct {
	ID              string          `json:"id"`
	EventID         string          `json:"eventId"`
	EventType       string          `json:"eventType"`
	Livemode        bool            `json:"livemode"`
	AccountID       string          `json:"accountId,omitempty"`
	Tier            string          `json:"tier,omitempty"`
	Outcome         string          `json:"outcome"`
	Success         bool            `json:"success"`
	Error           string          `json:"error,omitempty"`
	AttemptedUpdate json.RawMessage `json:"attemptedUpdate,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func auditToResponse(e billing.AuditEntry) AuditResponse {
	resp := AuditResponse{
		ID:        e.ID,
		EventID:   e.EventID,
		EventType: e.EventType,
		Livemode:  e.Livemode,
		AccountID: e.AccountID,
		Tier:      string(e.Tier),
		Outcome:   string(e.Outcome),
		Success:   e.Success,
		Error:     e.Error,
		CreatedAt: e.CreatedAt,
	}
	if e.AttemptedUpdate != "" && json.Valid([]byte(e.AttemptedUpdate)) {
		resp.AttemptedUpdate = json.RawMessage(e.AttemptedUpdate)
	}
	return resp
}

// ListAudit returns the newest reconciliation audit entries.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list audit log")
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}

	resp := make([]AuditResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditToResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": resp,
		"total":   len(resp),
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseIntQuery(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
