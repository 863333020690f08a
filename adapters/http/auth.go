package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/artpar/comparellm/app"
	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
)

type ctxKey string

const ctxAccountKey ctxKey = "account"

// AccountFromContext returns the authenticated account of a request.
func AccountFromContext(ctx context.Context) (account.Account, bool) {
	a, ok := ctx.Value(ctxAccountKey).(account.Account)
	return a, ok
}

// WithAccount stores an authenticated account in ctx.
func WithAccount(ctx context.Context, a account.Account) context.Context {
	return context.WithValue(ctx, ctxAccountKey, a)
}

// Authenticator turns identity-provider bearer tokens into accounts.
type Authenticator struct {
	verifier ports.IdentityVerifier
	accounts *app.AccountService
	logger   zerolog.Logger
}

// NewAuthenticator creates the account authentication middleware.
func NewAuthenticator(verifier ports.IdentityVerifier, accounts *app.AccountService, logger zerolog.Logger) *Authenticator {
	return &Authenticator{verifier: verifier, accounts: accounts, logger: logger}
}

// Middleware requires a valid bearer token and loads (or provisions) the
// caller's account.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		id, err := a.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			a.logger.Debug().Err(err).Msg("token rejected")
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		acct, err := a.accounts.Provision(r.Context(), id)
		if errors.Is(err, app.ErrMissingEmail) {
			writeError(w, http.StatusUnauthorized, "token carries no email")
			return
		}
		if errors.Is(err, app.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email is registered to another account")
			return
		}
		if err != nil {
			a.logger.Error().Err(err).Str("account_id", id.Subject).Msg("failed to load account")
			writeError(w, http.StatusInternalServerError, "failed to load account")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acct)))
	})
}
