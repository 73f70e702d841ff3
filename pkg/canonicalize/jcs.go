// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// serializations. Every hash and signature in the ledger is computed over
// the canonical form; replaying a partition must reproduce byte-identical
// output across versions and processes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS marshals v and returns its RFC 8785 canonical form. The initial
// json.Marshal pass respects struct tags; the transform then sorts object
// keys by UTF-8 byte order, normalizes number formatting to the ES6
// serialization, and undoes the HTML escaping Go's encoder applies.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
