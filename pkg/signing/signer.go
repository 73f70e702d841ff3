package signing

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/synaptiq/neuroledger/pkg/ledger"
)

// EventSigner signs critical events and verifies signatures on read.
type EventSigner struct {
	capability KeyCapability
	timeout    time.Duration
}

// NewEventSigner wraps a key capability. timeout bounds each signing call so
// an unresponsive capability fails the whole event atomically instead of
// stalling ingestion.
func NewEventSigner(capability KeyCapability, timeout time.Duration) *EventSigner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EventSigner{capability: capability, timeout: timeout}
}

// SignEvent attaches a signature to ev when its type is in the critical set.
// Non-critical events pass through untouched. Fail-closed: any capability
// failure rejects the event with ErrSigningUnavailable so it is never
// persisted unsigned.
func (s *EventSigner) SignEvent(ctx context.Context, ev *ledger.Event) error {
	if !ledger.IsCritical(ev.EventType) {
		return nil
	}
	if s.capability == nil {
		return ledger.ErrSigningUnavailable
	}

	digest, err := ledger.SigningDigest(ev)
	if err != nil {
		return fmt.Errorf("sign event %s: %w", ev.EventID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keyID := s.capability.ActiveKeyID()
	sig, err := s.capability.Sign(ctx, keyID, digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrSigningUnavailable, err)
	}

	ev.Signature = hex.EncodeToString(sig)
	ev.SigningKeyID = keyID
	return nil
}

// VerifyEvent checks the signature state of ev. A critical event with a
// missing or invalid signature, or a non-critical event carrying one, is an
// IntegrityViolation, never silently ignored.
func (s *EventSigner) VerifyEvent(ctx context.Context, ev *ledger.Event) error {
	if !ledger.IsCritical(ev.EventType) {
		if ev.Signature != "" {
			return &ledger.IntegrityViolation{EventID: ev.EventID, Reason: "unexpected signature on non-critical event"}
		}
		return nil
	}

	if ev.Signature == "" || ev.SigningKeyID == "" {
		return &ledger.IntegrityViolation{EventID: ev.EventID, Reason: "missing signature on critical event"}
	}

	digest, err := ledger.SigningDigest(ev)
	if err != nil {
		return fmt.Errorf("verify event %s: %w", ev.EventID, err)
	}

	sig, err := hex.DecodeString(ev.Signature)
	if err != nil {
		return &ledger.IntegrityViolation{EventID: ev.EventID, Reason: "malformed signature encoding"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.capability.Verify(ctx, ev.SigningKeyID, digest, sig)
	if err != nil {
		return fmt.Errorf("verify event %s: %w", ev.EventID, err)
	}
	if !ok {
		return &ledger.IntegrityViolation{EventID: ev.EventID, Reason: "signature does not match event digest"}
	}
	return nil
}
