package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Pseudonymizer produces the salted one-way user hash stored on events.
// Raw identities never enter the ledger; the same deployment secret always
// maps a user to the same hash so access-log queries stay joinable.
type Pseudonymizer struct {
	key []byte
}

// NewPseudonymizer derives a dedicated 32-byte hashing key from the
// deployment secret via HKDF-SHA256, domain-separated from any other use of
// the secret.
func NewPseudonymizer(secret, salt []byte) (*Pseudonymizer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("pseudonymizer: empty secret")
	}
	r := hkdf.New(sha256.New, secret, salt, []byte("neuroledger/user-hash/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("pseudonymizer: derive key: %w", err)
	}
	return &Pseudonymizer{key: key}, nil
}

// HashUserID returns the hex HMAC-SHA256 of the raw identity. Empty input
// maps to empty output so optional user fields stay optional.
func (p *Pseudonymizer) HashUserID(userID string) string {
	if userID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}
