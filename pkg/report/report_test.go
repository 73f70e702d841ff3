package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/query"
	"github.com/synaptiq/neuroledger/pkg/signing"
	"github.com/synaptiq/neuroledger/pkg/store"
)

func reportService(t *testing.T) (*query.Service, *store.MemoryStore) {
	t.Helper()

	kms, err := signing.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	hot := store.NewMemoryStore(store.TierHot)
	return query.NewService(hot, hot, signing.NewEventSigner(kms, time.Second), nil), hot
}

// seedAccessHistory appends ~1000 access events for 10 users spread over 30
// days on a shared clinic partition.
func seedAccessHistory(t *testing.T, hot *store.MemoryStore, signer *signing.EventSigner) (start time.Time, total int) {
	t.Helper()
	ctx := context.Background()

	start = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	prev := ledger.GenesisHash
	seq := uint64(0)

	types := []ledger.EventType{
		ledger.EventAccessGranted, ledger.EventAccessDenied, ledger.EventAuthLogin, ledger.EventAuthLogout,
	}

	for i := 0; i < 1000; i++ {
		seq++
		ev := &ledger.Event{
			EventID:      fmt.Sprintf("acc-%04d", i),
			Sequence:     seq,
			Timestamp:    start.Add(time.Duration(i) * 43 * time.Minute).Truncate(time.Millisecond), // ~30 days
			EventType:    types[i%len(types)],
			PartitionKey: "clinic-a",
			UserHash:     fmt.Sprintf("user-%02d", i%10),
			PreviousHash: prev,
		}
		hash, err := ledger.ComputeEventHash(ev)
		if err != nil {
			t.Fatalf("hash %d: %v", i, err)
		}
		ev.EventHash = hash
		if err := signer.SignEvent(ctx, ev); err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		rec, err := ledger.CanonicalBytes(ev)
		if err != nil {
			t.Fatalf("serialize %d: %v", i, err)
		}
		if err := hot.AppendCAS(ctx, ev, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		prev = ev.EventHash
	}
	return start, 1000
}

func TestGenerate_MonthOfAccessEvents(t *testing.T) {
	kms, err := signing.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	signer := signing.NewEventSigner(kms, time.Second)
	hot := store.NewMemoryStore(store.TierHot)
	svc := query.NewService(hot, hot, signer, nil)
	start, total := seedAccessHistory(t, hot, signer)

	gen := NewGenerator(svc, nil)
	rep, err := gen.Generate(context.Background(), Request{
		Classification: "phi_access",
		Types: []ledger.EventType{
			ledger.EventAccessGranted, ledger.EventAccessDenied,
			ledger.EventAuthLogin, ledger.EventAuthLogout,
		},
		PartitionKey: "clinic-a",
		From:         start,
		To:           start.Add(31 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if rep.Status != StatusFinalized {
		t.Errorf("without a deliverer the report stops at finalized, got %s", rep.Status)
	}
	if rep.EventCount != total {
		t.Errorf("expected %d events, got %d", total, rep.EventCount)
	}
	if len(rep.Users) != 10 {
		t.Errorf("expected 10 users aggregated, got %d", len(rep.Users))
	}

	perUser := 0
	for _, ua := range rep.Users {
		perUser += ua.EventCount
		if ua.EventCount != 100 {
			t.Errorf("user %s: expected 100 events, got %d", ua.UserHash, ua.EventCount)
		}
		if !ua.LastEvent.After(ua.FirstEvent) {
			t.Errorf("user %s: activity window inverted", ua.UserHash)
		}
	}
	if perUser != total {
		t.Errorf("user aggregation lost events: %d vs %d", perUser, total)
	}

	if rep.MerkleRoot == "" || rep.ContentHash == "" {
		t.Fatal("report must carry merkle root and content hash")
	}
	ok, err := VerifyContentHash(rep)
	if err != nil {
		t.Fatalf("verify content hash: %v", err)
	}
	if !ok {
		t.Error("fresh report content hash must verify")
	}
}

func TestGenerate_SevenDayWindow(t *testing.T) {
	kms, _ := signing.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	signer := signing.NewEventSigner(kms, time.Second)
	hot := store.NewMemoryStore(store.TierHot)
	svc := query.NewService(hot, hot, signer, nil)
	start, _ := seedAccessHistory(t, hot, signer)

	gen := NewGenerator(svc, nil)
	rep, err := gen.Generate(context.Background(), Request{
		Classification: "phi_access",
		Types:          []ledger.EventType{ledger.EventAccessGranted, ledger.EventAccessDenied, ledger.EventAuthLogin, ledger.EventAuthLogout},
		PartitionKey:   "clinic-a",
		From:           start,
		To:             start.Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// 43-minute spacing: 7 days hold ceil(7*24*60/43) = 235 events.
	if rep.EventCount != 235 {
		t.Errorf("expected 235 events in 7-day window, got %d", rep.EventCount)
	}
	for _, id := range rep.EventIDs {
		if id == "" {
			t.Fatal("event ids must be recorded for audit replay")
		}
	}
}

func TestGenerate_InvalidWindowFails(t *testing.T) {
	svc, _ := reportService(t)
	gen := NewGenerator(svc, nil)

	rep, err := gen.Generate(context.Background(), Request{
		Classification: "phi_access",
		From:           time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		To:             time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err == nil {
		t.Fatal("inverted window must fail")
	}
	if rep.Status != StatusFailed {
		t.Errorf("failed run should land in failed state, got %s", rep.Status)
	}
	if rep.FailureNote == "" {
		t.Error("failed report must record the cause")
	}
}

func TestGenerate_DeliveryToFilesystem(t *testing.T) {
	kms, _ := signing.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	signer := signing.NewEventSigner(kms, time.Second)
	hot := store.NewMemoryStore(store.TierHot)
	svc := query.NewService(hot, hot, signer, nil)
	start, _ := seedAccessHistory(t, hot, signer)

	dir := t.TempDir()
	deliverer, err := NewFSDeliverer(dir)
	if err != nil {
		t.Fatalf("fs deliverer: %v", err)
	}

	gen := NewGenerator(svc, deliverer)
	rep, err := gen.Generate(context.Background(), Request{
		Classification: "phi_access",
		Types:          []ledger.EventType{ledger.EventAccessGranted},
		PartitionKey:   "clinic-a",
		From:           start,
		To:             start.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if rep.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", rep.Status)
	}
	path := filepath.Join(dir, rep.ReportID+".json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("delivered artifact missing: %v", err)
	}
	if rep.DeliveredTo != "file://"+path {
		t.Errorf("delivery location %q", rep.DeliveredTo)
	}

	// Generator tracks the run for later retrieval.
	got, ok := gen.Get(rep.ReportID)
	if !ok || got.Status != StatusDelivered {
		t.Error("generated report must be retrievable by id")
	}
}

func TestGenerate_EmptyWindowStillFinalizes(t *testing.T) {
	svc, _ := reportService(t)
	gen := NewGenerator(svc, nil)

	rep, err := gen.Generate(context.Background(), Request{
		Classification: "phi_access",
		PartitionKey:   "clinic-a",
		From:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:             time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rep.EventCount != 0 || rep.Status != StatusFinalized {
		t.Errorf("empty window should finalize with zero events, got %d %s", rep.EventCount, rep.Status)
	}
	if rep.MerkleRoot != "" {
		t.Errorf("empty report has no merkle root, got %q", rep.MerkleRoot)
	}
}
