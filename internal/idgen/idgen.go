// Package idgen generates identifiers for events, requests and lock tokens.
// Aggregate rows use database-assigned int64 IDs instead.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a UUID without dashes, e.g. "evt_3f2a...".
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])
}

// Hex returns a random hex string of numBytes bytes.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
