// Package signing attaches and verifies asymmetric signatures on critical
// ledger events. The signer holds no private key material itself: it
// delegates to a KeyCapability (an external key-management service in
// production, a file-backed local keystore in dev and tests) and fails
// closed when that capability is unavailable.
package signing

import "context"

// KeyCapability is the opaque external signing service: sign a digest under
// a key id, verify a signature against a key id. Availability and latency
// are the capability's own concern; callers bound calls with a context.
type KeyCapability interface {
	// Sign signs digest with the key identified by keyID.
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature of digest under keyID.
	Verify(ctx context.Context, keyID string, digest []byte, sig []byte) (bool, error)

	// ActiveKeyID returns the key id new signatures are produced with.
	ActiveKeyID() string
}
