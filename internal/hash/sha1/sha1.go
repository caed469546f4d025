// Package sha1 provides the SHA-1 digest used for synthetic item keys.
package sha1

import (
	"crypto/sha1" //nolint:gosec // key derivation must match existing ledgers, not a security boundary
	"encoding/hex"
)

// Hasher implements monitor.Hasher using SHA-1.
type Hasher struct{}

// New returns a SHA-1 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}
