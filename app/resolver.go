package app

import (
	"context"
	"errors"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/ports"
)

// ErrUnresolved is returned when no resolver matches an event to an account.
var ErrUnresolved = errors.New("no account matched billing event")

// Resolver is one identity-matching strategy. It returns ports.ErrNotFound
// when it has no match; any other error aborts resolution.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, e billing.Event) (account.Account, error)
}

// emailResolver marks resolvers that need the event's customer email.
type emailResolver interface {
	usesEmail()
}

// DefaultResolvers returns the resolution chain in trust order. dir may be nil.
func DefaultResolvers(accounts ports.AccountStore, dir ports.IdentityDirectory, clock ports.Clock) []Resolver {
	chain := []Resolver{
		ClientReferenceResolver{accounts},
		CustomerRefResolver{accounts},
		ExactEmailResolver{accounts},
		BaseEmailResolver{accounts},
	}
	if dir != nil {
		chain = append(chain, DirectoryResolver{accounts: accounts, dir: dir, clock: clock})
	}
	return chain
}

// ClientReferenceResolver matches the account id embedded at checkout.
type ClientReferenceResolver struct{ Accounts ports.AccountStore }

func (ClientReferenceResolver) Name() string { return "client_reference" }

func (r ClientReferenceResolver) Resolve(ctx context.Context, e billing.Event) (account.Account, error) {
	if e.ClientReferenceID == "" {
		return account.Account{}, ports.ErrNotFound
	}
	return r.Accounts.Get(ctx, e.ClientReferenceID)
}

// CustomerRefResolver matches the account already linked to the billing customer.
type CustomerRefResolver struct{ Accounts ports.AccountStore }

func (CustomerRefResolver) Name() string { return "customer_ref" }

func (r CustomerRefResolver) Resolve(ctx context.Context, e billing.Event) (account.Account, error) {
	if e.CustomerRef == "" {
		return account.Account{}, ports.ErrNotFound
	}
	return r.Accounts.GetByCustomerRef(ctx, e.CustomerRef)
}

// ExactEmailResolver matches the normalized email.
type ExactEmailResolver struct{ Accounts ports.AccountStore }

func (ExactEmailResolver) Name() string { return "email" }
func (ExactEmailResolver) usesEmail()   {}

func (r ExactEmailResolver) Resolve(ctx context.Context, e billing.Event) (account.Account, error) {
	if e.Email == "" {
		return account.Account{}, ports.ErrNotFound
	}
	return r.Accounts.GetByEmail(ctx, account.NormalizeEmail(e.Email))
}

// BaseEmailResolver matches after removing a "+suffix" alias on both sides.
type BaseEmailResolver struct{ Accounts ports.AccountStore }

func (BaseEmailResolver) Name() string { return "base_email" }
func (BaseEmailResolver) usesEmail()   {}

func (r BaseEmailResolver) Resolve(ctx context.Context, e billing.Event) (account.Account, error) {
	if e.Email == "" {
		return account.Account{}, ports.ErrNotFound
	}
	return r.Accounts.GetByBaseEmail(ctx, account.BaseEmail(e.Email))
}

// DirectoryResolver scans the identity provider's users, exact email first,
// then base email. A matched user without an account gets one.
type DirectoryResolver struct {
	accounts ports.AccountStore
	dir      ports.IdentityDirectory
	clock    ports.Clock
}

func (DirectoryResolver) Name() string { return "directory" }
func (DirectoryResolver) usesEmail()   {}

func (r DirectoryResolver) Resolve(ctx context.Context, e billing.Event) (account.Account, error) {
	if e.Email == "" {
		return account.Account{}, ports.ErrNotFound
	}
	users, err := r.dir.ListUsers(ctx)
	if err != nil {
		return account.Account{}, err
	}

	user, ok := matchIdentity(users, e.Email)
	if !ok {
		return account.Account{}, ports.ErrNotFound
	}

	a, err := r.accounts.Get(ctx, user.Subject)
	if err == nil || !errors.Is(err, ports.ErrNotFound) {
		return a, err
	}
	a = account.New(user.Subject, user.Email, r.clock.Now())
	if err := r.accounts.Create(ctx, a); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			return r.accounts.Get(ctx, user.Subject)
		}
		return account.Account{}, err
	}
	return a, nil
}

func matchIdentity(users []ports.Identity, email string) (ports.Identity, bool) {
	exact := account.NormalizeEmail(email)
	for _, u := range users {
		if account.NormalizeEmail(u.Email) == exact {
			return u, true
		}
	}
	base := account.BaseEmail(email)
	for _, u := range users {
		if u.Email != "" && account.BaseEmail(u.Email) == base {
			return u, true
		}
	}
	return ports.Identity{}, false
}
