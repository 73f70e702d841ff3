package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrSigningUnavailable means the signing capability was unreachable.
	// The event is rejected, never persisted unsigned; the producer retries.
	ErrSigningUnavailable = errors.New("signing capability unavailable")

	// ErrOverloaded is a retryable rejection raised when a partition mailbox
	// or the intake gate is saturated. Producers apply their own backoff.
	ErrOverloaded = errors.New("ledger overloaded")

	// ErrEventNotFound is returned by stores for unknown event IDs.
	ErrEventNotFound = errors.New("event not found")

	// ErrPartitionNotFound is returned when a partition has no events.
	ErrPartitionNotFound = errors.New("partition not found")
)

// ValidationError rejects a malformed submission, naming the offending field.
// The event is never partially admitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: field %q: %s", e.Field, e.Reason)
}

// ChainConflictError means a concurrent writer raced the chain head: the
// candidate's previous_hash no longer matches the partition head. Recoverable
// by re-reading the head and retrying the single event.
type ChainConflictError struct {
	PartitionKey string
	ExpectedHead string
	ActualHead   string
}

func (e *ChainConflictError) Error() string {
	return fmt.Sprintf("chain conflict on partition %q: candidate chained to %s but head is %s",
		e.PartitionKey, e.ExpectedHead, e.ActualHead)
}

// StorageWriteFailure means the hot store (source of truth for chain-head
// advancement) did not acknowledge the write. Warm and cold tier failures are
// retried in the background and never surface through this type.
type StorageWriteFailure struct {
	Tier string
	Err  error
}

func (e *StorageWriteFailure) Error() string {
	return fmt.Sprintf("storage write failure on %s tier: %v", e.Tier, e.Err)
}

func (e *StorageWriteFailure) Unwrap() error { return e.Err }

// ChainCorruptionError is a structural integrity violation detected at read
// or verify time. It is fatal for automated trust in the partition and is
// never auto-corrected; repair is an out-of-band operator action that is
// itself logged as a ledger event.
type ChainCorruptionError struct {
	PartitionKey string
	EventID      string
	Position     int
	Reason       string
}

func (e *ChainCorruptionError) Error() string {
	return fmt.Sprintf("chain corruption in partition %q at position %d (event %s): %s",
		e.PartitionKey, e.Position, e.EventID, e.Reason)
}

// IntegrityViolation means a signature failed verification on read.
type IntegrityViolation struct {
	EventID string
	Reason  string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation on event %s: %s", e.EventID, e.Reason)
}
