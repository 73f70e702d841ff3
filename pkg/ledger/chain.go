package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/synaptiq/neuroledger/pkg/canonicalize"
)

// hashView is the canonical field set covered by event_hash: every field of
// the event except the hash itself and the signature. Optional fields are
// present only when non-empty, mirroring the wire form.
func hashView(ev *Event) map[string]interface{} {
	m := map[string]interface{}{
		"event_id":      ev.EventID,
		"sequence":      json.Number(fmt.Sprintf("%d", ev.Sequence)),
		"timestamp":     ev.Timestamp.UTC().Format(TimestampLayout),
		"event_type":    string(ev.EventType),
		"partition_key": ev.PartitionKey,
		"previous_hash": ev.PreviousHash,
	}
	if ev.DeviceID != "" {
		m["device_id"] = ev.DeviceID
	}
	if ev.UserHash != "" {
		m["user_hash"] = ev.UserHash
	}
	if ev.DataHash != "" {
		m["data_hash"] = ev.DataHash
	}
	if len(ev.Metadata) > 0 {
		m["metadata"] = ev.Metadata
	}
	return m
}

// ComputeEventHash derives event_hash from the canonical serialization of the
// event's content chained to its previous_hash. Pure function: replay always
// reproduces identical hashes.
func ComputeEventHash(ev *Event) (string, error) {
	return canonicalize.CanonicalHash(hashView(ev))
}

// SigningDigest is the canonical digest covered by the event signature. It
// includes event_hash, so a valid signature also attests to chain position.
func SigningDigest(ev *Event) ([]byte, error) {
	view := hashView(ev)
	view["event_hash"] = ev.EventHash
	b, err := canonicalize.JCS(view)
	if err != nil {
		return nil, fmt.Errorf("signing digest: %w", err)
	}
	return b, nil
}

// CanonicalBytes is the persisted record layout: one serialization, written
// byte-identical to every store tier. Timestamps use the fixed-precision
// layout so the bytes survive any decode/encode round trip.
func CanonicalBytes(ev *Event) ([]byte, error) {
	view := hashView(ev)
	view["event_hash"] = ev.EventHash
	if ev.Signature != "" {
		view["signature"] = ev.Signature
		view["signing_key_id"] = ev.SigningKeyID
	}
	return canonicalize.JCS(view)
}

// DecodeEvent parses a persisted record back into an Event.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// VerifyChain replays an ordered partition slice and checks every link:
// previous_hash continuity from the genesis sentinel, and a recomputed
// event_hash at every position. Events must be in chain order. Returns nil
// for a valid chain (including the empty one).
func VerifyChain(partitionKey string, events []*Event) *ChainCorruptionError {
	expectedPrev := GenesisHash
	for i, ev := range events {
		if ev.PartitionKey != partitionKey {
			return &ChainCorruptionError{
				PartitionKey: partitionKey,
				EventID:      ev.EventID,
				Position:     i,
				Reason:       fmt.Sprintf("event belongs to partition %q", ev.PartitionKey),
			}
		}
		if ev.PreviousHash != expectedPrev {
			return &ChainCorruptionError{
				PartitionKey: partitionKey,
				EventID:      ev.EventID,
				Position:     i,
				Reason:       fmt.Sprintf("previous_hash %s does not match predecessor hash %s", ev.PreviousHash, expectedPrev),
			}
		}
		computed, err := ComputeEventHash(ev)
		if err != nil {
			return &ChainCorruptionError{
				PartitionKey: partitionKey,
				EventID:      ev.EventID,
				Position:     i,
				Reason:       fmt.Sprintf("hash recomputation failed: %v", err),
			}
		}
		if computed != ev.EventHash {
			return &ChainCorruptionError{
				PartitionKey: partitionKey,
				EventID:      ev.EventID,
				Position:     i,
				Reason:       fmt.Sprintf("stored event_hash %s, recomputed %s", ev.EventHash, computed),
			}
		}
		expectedPrev = ev.EventHash
	}
	return nil
}
