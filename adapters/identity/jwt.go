// Package identity adapts the external identity provider: access token
// verification and the admin user directory.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/comparellm/ports"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid access token")

// Claims are the access token claims issued by the identity provider.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig configures token verification.
type VerifierConfig struct {
	Secret   string
	Issuer   string // checked when set
	Audience string // checked when set
	Leeway   time.Duration
}

// Verifier validates HS256 access tokens. Safe for concurrent use.
type Verifier struct {
	secret []byte
	opts   []jwt.ParserOption
	issuer string
	aud    string
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("identity: jwt secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	return &Verifier{
		secret: []byte(cfg.Secret),
		opts:   opts,
		issuer: cfg.Issuer,
		aud:    cfg.Audience,
	}, nil
}

// Verify validates a token and returns the identity it carries.
func (v *Verifier) Verify(tokenString string) (ports.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return ports.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return ports.Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return ports.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return ports.Identity{Subject: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for subject with the verifier's secret, issuer and
// audience. Used by local tooling and tests.
func (v *Verifier) Issue(subject, email string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.aud != "" {
		claims.Audience = jwt.ClaimStrings{v.aud}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Ensure interface compliance.
var _ ports.IdentityVerifier = (*Verifier)(nil)
