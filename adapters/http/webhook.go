package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/artpar/comparellm/app"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
)

// maxWebhookBody bounds billing webhook payloads. Invoices with many line
// items run to hundreds of kilobytes.
const maxWebhookBody = 1 << 20

// WebhookHandler receives billing provider webhooks.
type WebhookHandler struct {
	reconcile *app.ReconcileService
	logger    zerolog.Logger
}

// NewWebhookHandler creates the Stripe webhook handler.
func NewWebhookHandler(reconcile *app.ReconcileService, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconcile: reconcile,
		logger:    logger.With().Str("component", "webhook").Logger(),
	}
}

// ServeHTTP verifies and reconciles one event. Every verified event is
// acknowledged with 200, including ones no account could be matched to;
// those are kept in the audit log.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(payload) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	entry, err := h.reconcile.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, ports.ErrInvalidSignature) {
		h.logger.Warn().Err(err).Msg("webhook signature rejected")
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("webhook could not be parsed")
		writeError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	h.logger.Debug().
		Str("event_id", entry.EventID).
		Str("outcome", string(entry.Outcome)).
		Msg("webhook acknowledged")
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
