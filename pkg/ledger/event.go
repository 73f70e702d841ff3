// Package ledger defines the event model and hash-chain rules for the
// neural audit ledger. An Event is immutable once finalized: corrections are
// recorded as new compensating events, never as updates.
package ledger

import (
	"time"
)

// EventType is the closed set of event categories the ledger accepts.
// New types are additive; existing types are never reinterpreted. Schema
// evolution happens by introducing a new variant.
type EventType string

const (
	EventSessionStart  EventType = "session.start"
	EventSessionEnd    EventType = "session.end"
	EventSessionPause  EventType = "session.pause"
	EventSessionResume EventType = "session.resume"

	EventDataRecorded EventType = "data.recorded"
	EventDataExport   EventType = "data.export"

	EventDeviceConnected    EventType = "device.connected"
	EventDeviceDisconnected EventType = "device.disconnected"
	EventDeviceFault        EventType = "device.fault"
	EventDeviceEmergencyStop EventType = "device.emergency_stop"

	EventMLInference   EventType = "ml.inference"
	EventMLModelLoaded EventType = "ml.model_loaded"

	EventAuthLogin   EventType = "auth.login"
	EventAuthLogout  EventType = "auth.logout"
	EventAuthFailure EventType = "auth.failure"

	EventAccessGranted        EventType = "access.granted"
	EventAccessDenied         EventType = "access.denied"
	EventConsentGranted       EventType = "access.consent_granted"
	EventConsentRevoked       EventType = "access.consent_revoked"

	// Self-referential audit of the ledger's own failures. These are emitted
	// by the ingestion gate on its own system partition so that rejected or
	// corrupted submissions never vanish silently.
	EventLedgerRejected   EventType = "ledger.rejected"
	EventLedgerCorruption EventType = "ledger.corruption"
)

// SystemPartition receives auth events that have no session scope.
const SystemPartition = "system"

// LedgerPartition receives the ledger's self-audit events, kept separate from
// clinical timelines.
const LedgerPartition = "system.ledger"

// GenesisHash is the previous_hash sentinel for the first event of a partition.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimestampLayout is the fixed-precision encoding used in the canonical form.
// Millisecond precision, always UTC, always 'Z'.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// knownTypes is the admission allowlist.
var knownTypes = map[EventType]bool{
	EventSessionStart: true, EventSessionEnd: true,
	EventSessionPause: true, EventSessionResume: true,
	EventDataRecorded: true, EventDataExport: true,
	EventDeviceConnected: true, EventDeviceDisconnected: true,
	EventDeviceFault: true, EventDeviceEmergencyStop: true,
	EventMLInference: true, EventMLModelLoaded: true,
	EventAuthLogin: true, EventAuthLogout: true, EventAuthFailure: true,
	EventAccessGranted: true, EventAccessDenied: true,
	EventConsentGranted: true, EventConsentRevoked: true,
	EventLedgerRejected: true, EventLedgerCorruption: true,
}

// criticalTypes require an asymmetric signature before persistence.
var criticalTypes = map[EventType]bool{
	EventSessionStart:        true,
	EventSessionEnd:          true,
	EventConsentGranted:      true,
	EventConsentRevoked:      true,
	EventDataExport:          true,
	EventAuthFailure:         true,
	EventDeviceEmergencyStop: true,
}

// IsKnownType reports whether t is in the closed variant set.
func IsKnownType(t EventType) bool {
	return knownTypes[t]
}

// IsCritical reports whether events of type t must carry a signature.
func IsCritical(t EventType) bool {
	return criticalTypes[t]
}

// IsAccessType reports whether t belongs to the auth/access families queried
// by access-log audits.
func IsAccessType(t EventType) bool {
	switch t {
	case EventAuthLogin, EventAuthLogout, EventAuthFailure,
		EventAccessGranted, EventAccessDenied,
		EventConsentGranted, EventConsentRevoked:
		return true
	}
	return false
}

// Event is the atomic, immutable unit of the ledger.
//
// EventHash covers the canonical serialization of every field above it
// (including PreviousHash), so any post-hoc change to a stored event breaks
// verification at exactly that position. Signature, when present, covers the
// canonical form including EventHash and therefore also attests to chain
// position.
type Event struct {
	EventID      string                 `json:"event_id"`
	Sequence     uint64                 `json:"sequence"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	PartitionKey string                 `json:"partition_key"`
	DeviceID     string                 `json:"device_id,omitempty"`
	UserHash     string                 `json:"user_hash,omitempty"`
	DataHash     string                 `json:"data_hash,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	PreviousHash string                 `json:"previous_hash"`
	EventHash    string                 `json:"event_hash"`
	Signature    string                 `json:"signature,omitempty"`
	SigningKeyID string                 `json:"signing_key_id,omitempty"`
}

// Submission is the raw shape accepted from producers, before validation,
// ordering, hashing and signing.
type Submission struct {
	EventType      EventType              `json:"event_type"`
	PartitionKey   string                 `json:"partition_key"`
	Timestamp      time.Time              `json:"timestamp"`
	DeviceID       string                 `json:"device_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	DataHash       string                 `json:"data_hash,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}
