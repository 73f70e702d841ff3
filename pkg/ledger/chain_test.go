package ledger

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func buildChain(t *testing.T, partitionKey string, n int) []*Event {
	t.Helper()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := make([]*Event, n)
	prev := GenesisHash
	for i := 0; i < n; i++ {
		ev := &Event{
			EventID:      fmt.Sprintf("evt-%03d", i+1),
			Sequence:     uint64(i + 1),
			Timestamp:    base.Add(time.Duration(i) * time.Second),
			EventType:    EventDataRecorded,
			PartitionKey: partitionKey,
			DeviceID:     "implant-7",
			DataHash:     strings.Repeat("ab", 32),
			PreviousHash: prev,
		}
		hash, err := ComputeEventHash(ev)
		if err != nil {
			t.Fatalf("hash event %d: %v", i, err)
		}
		ev.EventHash = hash
		prev = hash
		events[i] = ev
	}
	return events
}

func TestComputeEventHash_Deterministic(t *testing.T) {
	ev := buildChain(t, "session-1", 1)[0]

	again, err := ComputeEventHash(ev)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if again != ev.EventHash {
		t.Errorf("hash not deterministic: %s vs %s", again, ev.EventHash)
	}
	if len(ev.EventHash) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(ev.EventHash))
	}
}

func TestComputeEventHash_CoversPreviousHash(t *testing.T) {
	ev := buildChain(t, "session-1", 1)[0]

	mutated := *ev
	mutated.PreviousHash = strings.Repeat("ff", 32)
	hash, err := ComputeEventHash(&mutated)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == ev.EventHash {
		t.Error("changing previous_hash must change event_hash")
	}
}

func TestComputeEventHash_SignatureExcluded(t *testing.T) {
	ev := buildChain(t, "session-1", 1)[0]

	signed := *ev
	signed.Signature = strings.Repeat("cd", 64)
	signed.SigningKeyID = "key-1"
	hash, err := ComputeEventHash(&signed)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash != ev.EventHash {
		t.Error("signature must not be covered by event_hash")
	}
}

func TestVerifyChain_Valid(t *testing.T) {
	events := buildChain(t, "session-1", 10)

	if err := VerifyChain("session-1", events); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	if err := VerifyChain("session-1", nil); err != nil {
		t.Fatalf("empty chain rejected: %v", err)
	}
}

func TestVerifyChain_GenesisRequired(t *testing.T) {
	events := buildChain(t, "session-1", 3)
	events[0].PreviousHash = strings.Repeat("11", 32)

	err := VerifyChain("session-1", events)
	if err == nil {
		t.Fatal("chain not anchored at genesis should fail")
	}
	if err.Position != 0 {
		t.Errorf("expected corruption at position 0, got %d", err.Position)
	}
}

func TestVerifyChain_TamperedFieldDetectedAtExactPosition(t *testing.T) {
	events := buildChain(t, "session-1", 5)

	// Tamper with event 3's payload without recomputing its hash.
	events[2].DeviceID = "implant-replaced"

	err := VerifyChain("session-1", events)
	if err == nil {
		t.Fatal("tampered chain should fail verification")
	}
	if err.Position != 2 {
		t.Errorf("expected corruption at position 2, got %d", err.Position)
	}
	if err.EventID != "evt-003" {
		t.Errorf("expected evt-003 named, got %s", err.EventID)
	}
}

func TestVerifyChain_BrokenLink(t *testing.T) {
	events := buildChain(t, "session-1", 5)

	// Recompute event 4's hash over a forged previous_hash. The hash checks
	// out but the link to event 3 is severed.
	events[3].PreviousHash = strings.Repeat("22", 32)
	hash, err := ComputeEventHash(events[3])
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	events[3].EventHash = hash

	cerr := VerifyChain("session-1", events)
	if cerr == nil {
		t.Fatal("severed link should fail verification")
	}
	if cerr.Position != 3 {
		t.Errorf("expected corruption at position 3, got %d", cerr.Position)
	}
}

func TestVerifyChain_ForeignPartition(t *testing.T) {
	events := buildChain(t, "session-1", 2)
	events[1].PartitionKey = "session-2"

	if err := VerifyChain("session-1", events); err == nil {
		t.Fatal("event from another partition should fail verification")
	}
}

func TestCanonicalBytes_RoundTrip(t *testing.T) {
	ev := buildChain(t, "session-1", 1)[0]
	ev.Metadata = map[string]interface{}{
		"channel_count": 64,
		"sample_rate":   30000,
		"duration_ms":   1500.5,
	}
	hash, err := ComputeEventHash(ev)
	if err != nil {
		t.Fatalf("rehash with metadata: %v", err)
	}
	ev.EventHash = hash

	record, err := CanonicalBytes(ev)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	decoded, err := DecodeEvent(record)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	again, err := CanonicalBytes(decoded)
	if err != nil {
		t.Fatalf("reserialize: %v", err)
	}
	if string(record) != string(again) {
		t.Errorf("canonical record not byte-identical after round trip:\n%s\n%s", record, again)
	}

	recomputed, err := ComputeEventHash(decoded)
	if err != nil {
		t.Fatalf("recompute after decode: %v", err)
	}
	if recomputed != ev.EventHash {
		t.Error("event_hash must survive a decode/encode round trip")
	}
}

func TestSigningDigest_CoversEventHash(t *testing.T) {
	ev := buildChain(t, "session-1", 1)[0]

	d1, err := SigningDigest(ev)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	moved := *ev
	moved.EventHash = strings.Repeat("33", 32)
	d2, err := SigningDigest(&moved)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if string(d1) == string(d2) {
		t.Error("signing digest must cover event_hash")
	}
}

func TestIsCritical(t *testing.T) {
	critical := []EventType{
		EventSessionStart, EventSessionEnd, EventDataExport,
		EventDeviceEmergencyStop, EventConsentGranted, EventConsentRevoked, EventAuthFailure,
	}
	for _, et := range critical {
		if !IsCritical(et) {
			t.Errorf("%s should be critical", et)
		}
	}
	if IsCritical(EventDataRecorded) {
		t.Error("data.recorded should not require a signature")
	}
}
