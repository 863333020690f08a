package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/comparellm/app"
	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/compare"
	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/domain/streaming"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// APIHandler serves the authenticated end-user API.
type APIHandler struct {
	compare       *app.CompareService
	accounts      *app.AccountService
	subscriptions *app.SubscriptionService
	registry      *model.Registry
	logger        zerolog.Logger
}

// NewAPIHandler creates the end-user API handler.
func NewAPIHandler(
	compareSvc *app.CompareService,
	accounts *app.AccountService,
	subscriptions *app.SubscriptionService,
	registry *model.Registry,
	logger zerolog.Logger,
) *APIHandler {
	return &APIHandler{
		compare:       compareSvc,
		accounts:      accounts,
		subscriptions: subscriptions,
		registry:      registry,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// caller returns the account set by the auth middleware.
func caller(w http.ResponseWriter, r *http.Request) (account.Account, bool) {
	a, ok := AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return a, ok
}

// -----------------------------------------------------------------------------
// Comparison
// -----------------------------------------------------------------------------

// Compare runs a batch comparison.
func (h *APIHandler) Compare(w http.ResponseWriter, r *http.Request) {
	a, ok := caller(w, r)
	if !ok {
		return
	}
	var req compare.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.compare.Compare(r.Context(), a, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RetryRequest is the body of POST /api/compare/retry.
type RetryRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// Retry re-runs a single model, charged like a one-model comparison.
func (h *APIHandler) Retry(w http.ResponseWriter, r *http.Request) {
	a, ok := caller(w, r)
	if !ok {
		return
	}
	var req RetryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.compare.Retry(r.Context(), a, req.Prompt, req.Model)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CompareStream runs a comparison and streams typed server-sent events.
// Rejections are reported as plain JSON errors before the stream starts.
func (h *APIHandler) CompareStream(w http.ResponseWriter, r *http.Request) {
	a, ok := caller(w, r)
	if !ok {
		return
	}
	var req compare.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	events, err := h.compare.CompareStream(r.Context(), a, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	// The channel is drained to the end even after the client goes away.
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		sse, err := ev.SSE()
		if err != nil {
			h.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode stream event")
			continue
		}
		if _, err := w.Write(streaming.Encode(sse)); err != nil {
			h.logger.Debug().Err(err).Str("account_id", a.ID).Msg("stream client went away")
			broken = true
			continue
		}
		_ = rc.Flush()
	}
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

// ModelResponse is one catalog entry.
type ModelResponse struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Credits              int64           `json:"credits"`
	InputCostPerMillion  decimal.Decimal `json:"inputCostPerMillion"`
	OutputCostPerMillion decimal.Decimal `json:"outputCostPerMillion"`
}

// BucketResponse groups the models of one pricing bucket.
type BucketResponse struct {
	Bucket  string          `json:"bucket"`
	Credits int64           `json:"credits"`
	Models  []ModelResponse `json:"models"`
}

// ListModels returns the catalog grouped by bucket, most expensive first.
func (h *APIHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	buckets := make([]BucketResponse, 0, len(model.Buckets()))
	for _, b := range model.Buckets() {
		models := h.registry.ListByBucket(b)
		if len(models) == 0 {
			continue
		}
		br := BucketResponse{Bucket: string(b), Credits: b.Credits(), Models: make([]ModelResponse, 0, len(models))}
		for _, m := range models {
			br.Models = append(br.Models, ModelResponse{
				ID:                   m.ID,
				Name:                 m.DisplayName,
				Credits:              m.CreditsPerQuestion(),
				InputCostPerMillion:  m.InputCostPerMillion,
				OutputCostPerMillion: m.OutputCostPerMillion,
			})
		}
		buckets = append(buckets, br)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

// -----------------------------------------------------------------------------
// Account
// -----------------------------------------------------------------------------

// AccountResponse is the caller's view of their account.
type AccountResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	Credits          int64      `json:"credits"`
	Allotment        int64      `json:"allotment"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
}

func accountToResponse(a account.Account) AccountResponse {
	return AccountResponse{
		ID:               a.ID,
		Email:            a.Email,
		Tier:             string(a.Tier),
		Status:           string(a.Status),
		Credits:          a.Credits,
		Allotment:        a.Tier.Allotment(),
		CurrentPeriodEnd: a.CurrentPeriodEnd,
	}
}

// GetAccount returns the caller's tier, status and balance.
func (h *APIHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, accountToResponse(a))
}

// UsageEventResponse is one usage log row.
type UsageEventResponse struct {
	ID               string          `json:"id"`
	ModelID          string          `json:"modelId"`
	Summary          bool            `json:"summary"`
	PromptTokens     int64           `json:"promptTokens"`
	CompletionTokens int64           `json:"completionTokens"`
	CostUSD          decimal.Decimal `json:"costUsd"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// UsageResponse is the body of GET /api/usage.
type UsageResponse struct {
	Events  []UsageEventResponse `json:"events"`
	Summary usage.Summary        `json:"summary"`
}

// ListUsage returns the caller's newest usage events and their totals.
func (h *APIHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	a, ok := caller(w, r)
	if !ok {
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, summary, err := h.accounts.History(r.Context(), a.ID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := UsageResponse{Events: make([]UsageEventResponse, 0, len(events)), Summary: summary}
	for _, e := range events {
		resp.Events = append(resp.Events, UsageEventResponse{
			ID:               e.ID,
			ModelID:          e.ModelID,
			Summary:          e.IsSummary(),
			PromptTokens:     e.PromptTokens,
			CompletionTokens: e.CompletionTokens,
			CostUSD:          e.CostUSD,
			CreatedAt:        e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Billing
// -----------------------------------------------------------------------------

// CheckoutRequest is the body of POST /api/billing/checkout.
type CheckoutRequest struct {
	Tier string `json:"tier"`
}

// Checkout starts a hosted checkout for a paid tier.
func (h *APIHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	a, ok := caller(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	url, err := h.subscriptions.Checkout(r.Context(), a, account.Tier(req.Tier))
	if errors.Is(err, app.ErrNoPrice) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Cancel schedules cancellation of the caller's subscription at period end.
func (h *APIHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	a, ok := caller(w, r)
	if !ok {
		return
	}
	updated, err := h.subscriptions.Cancel(r.Context(), a)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, accountToResponse(updated))
}

// Portal returns a billing portal URL for the caller.
func (h *APIHandler) Portal(w http.ResponseWriter, r *http.Request) {
	a, ok := caller(w, r)
	if !ok {
		return
	}
	url, err := h.subscriptions.Portal(r.Context(), a)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
