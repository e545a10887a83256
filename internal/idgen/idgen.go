// Package idgen mints correlation and request identifiers for the filter chain.
package idgen

import (
	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per id.
	uuid.EnableRandPool()
}

// New returns a globally-unique identifier suitable for correlation and
// request ids.
func New() string {
	return uuid.NewString()
}
