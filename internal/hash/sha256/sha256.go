// Package sha256 names archived pages by content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements harvest.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a hasher whose digests are truncated to length hex characters. Zero
// keeps the full 64-character digest.
func New(length int) (*Hasher, error) {
	if length < 0 || length > sha256.Size*2 {
		return nil, fmt.Errorf("digest length must be between 0 and %d, got %d", sha256.Size*2, length)
	}
	return &Hasher{length: length}, nil
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 {
		digest = digest[:h.length]
	}
	return digest, nil
}
