// Package idgen provides ID generation implementations.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/artpar/comparellm/ports"
	"github.com/google/uuid"
)

// UUID generates random v4 UUIDs, optionally prefixed ("acct_", "aud_").
type UUID struct {
	Prefix string
}

// New generates a new id.
func (g UUID) New() string {
	return g.Prefix + uuid.NewString()
}

// Sequential generates predictable ids for tests: prefix1, prefix2, ...
type Sequential struct {
	prefix string
	n      atomic.Uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New returns the next id.
func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(s.n.Add(1), 10)
}

var (
	_ ports.IDGenerator = UUID{}
	_ ports.IDGenerator = (*Sequential)(nil)
)
