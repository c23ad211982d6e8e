// Package sha256 provides SHA-256 digests for fingerprints and read-back
// verification of stored artifacts.
package sha256

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hasher implements bylaw.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Matches reports whether data hashes to the hex digest want.
func (h *Hasher) Matches(data []byte, want string) bool {
	got, _ := h.Hash(data)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
