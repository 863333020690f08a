// Package hasher provides secret hashing for the admin token.
package hasher

import (
	"crypto/subtle"

	"github.com/artpar/comparellm/ports"
	"golang.org/x/crypto/bcrypt"
)

// Bcrypt uses bcrypt for hashing.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher; out-of-range costs fall back to the default.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Hash generates a bcrypt hash of secret.
func (h *Bcrypt) Hash(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), h.cost)
}

// Compare checks secret against a bcrypt hash.
func (h *Bcrypt) Compare(hash []byte, secret string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

// Plain stores secrets verbatim. Tests only.
type Plain struct{}

// Hash returns the secret bytes.
func (Plain) Hash(secret string) ([]byte, error) {
	return []byte(secret), nil
}

// Compare is a constant-time equality check.
func (Plain) Compare(hash []byte, secret string) bool {
	return subtle.ConstantTimeCompare(hash, []byte(secret)) == 1
}

var (
	_ ports.Hasher = (*Bcrypt)(nil)
	_ ports.Hasher = Plain{}
)
