package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/ledger/schema"
	"github.com/synaptiq/neuroledger/pkg/signing"
	"github.com/synaptiq/neuroledger/pkg/store"
)

type gateFixture struct {
	gate   *Gate
	hot    *store.MemoryStore
	signer *signing.EventSigner
}

func newGateFixture(t *testing.T, cfg GateConfig) *gateFixture {
	t.Helper()

	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	kms, err := signing.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	signer := signing.NewEventSigner(kms, time.Second)
	pseudo, err := ledger.NewPseudonymizer([]byte("gate-test-secret"), nil)
	if err != nil {
		t.Fatalf("pseudonymizer: %v", err)
	}

	hot := store.NewMemoryStore(store.TierHot)
	fanout := store.NewFanout(hot, nil, store.FanoutConfig{}, nil)
	t.Cleanup(fanout.Close)

	g := NewGate(validator, signer, fanout, hot, pseudo, nil, cfg)
	t.Cleanup(g.Close)

	return &gateFixture{gate: g, hot: hot, signer: signer}
}

func recordedSubmission(partitionKey string) ledger.Submission {
	return ledger.Submission{
		EventType:    ledger.EventDataRecorded,
		PartitionKey: partitionKey,
		Timestamp:    time.Now().UTC(),
		DeviceID:     "implant-7",
		Metadata: map[string]interface{}{
			"channel_count":  64,
			"sample_rate_hz": 30000,
		},
	}
}

func partitionEvents(t *testing.T, hot *store.MemoryStore, partitionKey string) []*ledger.Event {
	t.Helper()

	records, err := hot.PartitionRecords(context.Background(), partitionKey, 0, 0)
	if err != nil {
		t.Fatalf("partition records: %v", err)
	}
	events := make([]*ledger.Event, len(records))
	for i, rec := range records {
		ev, err := ledger.DecodeEvent(rec)
		if err != nil {
			t.Fatalf("decode record %d: %v", i, err)
		}
		events[i] = ev
	}
	return events
}

func TestGate_SubmitAdmitsValidEvent(t *testing.T) {
	fx := newGateFixture(t, GateConfig{})

	ev, err := fx.gate.Submit(context.Background(), recordedSubmission("session-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ev.Sequence != 1 {
		t.Errorf("first event should have sequence 1, got %d", ev.Sequence)
	}
	if ev.PreviousHash != ledger.GenesisHash {
		t.Errorf("first event should chain from genesis, got %s", ev.PreviousHash)
	}
	if ev.EventID == "" || ev.EventHash == "" {
		t.Error("admitted event must carry id and hash")
	}

	events := partitionEvents(t, fx.hot, "session-1")
	if cerr := ledger.VerifyChain("session-1", events); cerr != nil {
		t.Errorf("persisted chain invalid: %v", cerr)
	}
}

func TestGate_SamePartitionStrictOrder(t *testing.T) {
	fx := newGateFixture(t, GateConfig{})
	ctx := context.Background()

	const n = 25
	for i := 0; i < n; i++ {
		if _, err := fx.gate.Submit(ctx, recordedSubmission("session-1")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	events := partitionEvents(t, fx.hot, "session-1")
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("position %d: sequence %d", i, ev.Sequence)
		}
	}
	if cerr := ledger.VerifyChain("session-1", events); cerr != nil {
		t.Errorf("chain broken: %v", cerr)
	}
}

func TestGate_ConcurrentSubmissionsAllAdmitted(t *testing.T) {
	fx := newGateFixture(t, GateConfig{MailboxSize: 512})
	ctx := context.Background()

	const partitions = 4
	const perPartition = 20

	var wg sync.WaitGroup
	errs := make(chan error, partitions*perPartition)
	for p := 0; p < partitions; p++ {
		pk := fmt.Sprintf("session-%d", p)
		for i := 0; i < perPartition; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := fx.gate.Submit(ctx, recordedSubmission(pk)); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent submit failed: %v", err)
	}

	for p := 0; p < partitions; p++ {
		pk := fmt.Sprintf("session-%d", p)
		events := partitionEvents(t, fx.hot, pk)
		if len(events) != perPartition {
			t.Errorf("%s: expected %d events, got %d", pk, perPartition, len(events))
		}
		if cerr := ledger.VerifyChain(pk, events); cerr != nil {
			t.Errorf("%s: chain broken under concurrency: %v", pk, cerr)
		}
	}
}

func TestGate_IdempotencyKeyReturnsOriginal(t *testing.T) {
	fx := newGateFixture(t, GateConfig{})
	ctx := context.Background()

	sub := recordedSubmission("session-1")
	sub.IdempotencyKey = "producer-42-seq-9"

	first, err := fx.gate.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := fx.gate.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if second.EventID != first.EventID {
		t.Errorf("redelivery must return the original event, got %s vs %s", second.EventID, first.EventID)
	}

	events := partitionEvents(t, fx.hot, "session-1")
	if len(events) != 1 {
		t.Errorf("redelivery must not append, chain has %d events", len(events))
	}
}

func TestGate_CriticalEventSigned(t *testing.T) {
	fx := newGateFixture(t, GateConfig{})

	ev, err := fx.gate.Submit(context.Background(), ledger.Submission{
		EventType:    ledger.EventConsentGranted,
		PartitionKey: "patient-9",
		Timestamp:    time.Now().UTC(),
		UserID:       "patient-9",
		Metadata:     map[string]interface{}{"consent_scope": "research-data-sharing"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ev.Signature == "" || ev.SigningKeyID == "" {
		t.Fatal("critical event must be signed at admission")
	}
	if err := fx.signer.VerifyEvent(context.Background(), ev); err != nil {
		t.Errorf("admitted signature invalid: %v", err)
	}
}

func TestGate_UserIDPseudonymized(t *testing.T) {
	fx := newGateFixture(t, GateConfig{})

	sub := recordedSubmission("session-1")
	sub.UserID = "patient-001"
	ev, err := fx.gate.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ev.UserHash == "" || ev.UserHash == "patient-001" {
		t.Errorf("raw user id must never be stored, got %q", ev.UserHash)
	}
}

func TestGate_UnknownTypeRejectedAndSelfAudited(t *testing.T) {
	fx := newGateFixture(t, GateConfig{})

	sub := recordedSubmission("session-1")
	sub.EventType = "telemetry.bogus"
	_, err := fx.gate.Submit(context.Background(), sub)
	var verr *ledger.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// The rejection itself lands on the ledger's own partition, async.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := fx.hot.PartitionLen(context.Background(), ledger.LedgerPartition); n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := partitionEvents(t, fx.hot, ledger.LedgerPartition)
	if len(events) != 1 {
		t.Fatalf("expected 1 self-audit event, got %d", len(events))
	}
	if events[0].EventType != ledger.EventLedgerRejected {
		t.Errorf("self-audit event type %s", events[0].EventType)
	}
	if events[0].Metadata["rejected_type"] != "telemetry.bogus" {
		t.Errorf("self-audit should name the rejected type, got %v", events[0].Metadata["rejected_type"])
	}
}

func TestGate_FutureTimestampRejected(t *testing.T) {
	fx := newGateFixture(t, GateConfig{ClockSkewTolerance: time.Second})

	sub := recordedSubmission("session-1")
	sub.Timestamp = time.Now().Add(time.Minute)
	_, err := fx.gate.Submit(context.Background(), sub)
	var verr *ledger.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "timestamp" {
		t.Errorf("rejection should name timestamp, got %q", verr.Field)
	}
}

func TestGate_PartitionKeyRequiredExceptAuth(t *testing.T) {
	fx := newGateFixture(t, GateConfig{})
	ctx := context.Background()

	sub := recordedSubmission("")
	if _, err := fx.gate.Submit(ctx, sub); err == nil {
		t.Error("non-auth event without partition key must be rejected")
	}

	ev, err := fx.gate.Submit(ctx, ledger.Submission{
		EventType: ledger.EventAuthLogin,
		Timestamp: time.Now().UTC(),
		UserID:    "clinician-3",
		Metadata:  map[string]interface{}{"method": "sso"},
	})
	if err != nil {
		t.Fatalf("auth event without partition key: %v", err)
	}
	if ev.PartitionKey != ledger.SystemPartition {
		t.Errorf("auth events chain on %q, got %q", ledger.SystemPartition, ev.PartitionKey)
	}
}

func TestGate_SigningOutageRejectsCriticalAtomically(t *testing.T) {
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	pseudo, _ := ledger.NewPseudonymizer([]byte("gate-test-secret"), nil)

	hot := store.NewMemoryStore(store.TierHot)
	fanout := store.NewFanout(hot, nil, store.FanoutConfig{}, nil)
	t.Cleanup(fanout.Close)

	// No key capability at all: every critical sign attempt fails closed.
	g := NewGate(validator, signing.NewEventSigner(nil, time.Second), fanout, hot, pseudo, nil, GateConfig{})
	t.Cleanup(g.Close)

	_, err = g.Submit(context.Background(), ledger.Submission{
		EventType:    ledger.EventDataExport,
		PartitionKey: "session-1",
		Timestamp:    time.Now().UTC(),
		Metadata: map[string]interface{}{
			"destination":  "research-lake",
			"record_count": 1200,
		},
	})
	if !errors.Is(err, ledger.ErrSigningUnavailable) {
		t.Fatalf("expected ErrSigningUnavailable, got %v", err)
	}

	if n, _ := hot.PartitionLen(context.Background(), "session-1"); n != 0 {
		t.Errorf("failed signing must persist nothing, chain has %d events", n)
	}
}

func TestGate_OverloadedMailbox(t *testing.T) {
	blocker := &blockingHotStore{
		MemoryStore: store.NewMemoryStore(store.TierHot),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}

	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	kms, _ := signing.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	pseudo, _ := ledger.NewPseudonymizer([]byte("gate-test-secret"), nil)
	fanout := store.NewFanout(blocker, nil, store.FanoutConfig{}, nil)
	t.Cleanup(fanout.Close)

	g := NewGate(validator, signing.NewEventSigner(kms, time.Second), fanout, blocker, pseudo, nil, GateConfig{MailboxSize: 1})
	t.Cleanup(g.Close)
	t.Cleanup(func() { close(blocker.release) })

	// First submit occupies the writer inside the blocked CAS; the next fills
	// the single mailbox slot; the one after that must be shed.
	go func() { _, _ = g.Submit(context.Background(), recordedSubmission("session-1")) }()
	<-blocker.entered

	go func() { _, _ = g.Submit(context.Background(), recordedSubmission("session-1")) }()

	deadline := time.Now().Add(2 * time.Second)
	var last error
	for time.Now().Before(deadline) {
		_, last = g.Submit(context.Background(), recordedSubmission("session-1"))
		if errors.Is(last, ledger.ErrOverloaded) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected ErrOverloaded under a saturated mailbox, last error: %v", last)
}

// Close racing in-flight Submits must shed them, never panic on a closed
// mailbox.
func TestGate_CloseDuringSubmitsDoesNotPanic(t *testing.T) {
	fx := newGateFixture(t, GateConfig{})
	ctx := context.Background()

	// Warm the writer so racing submissions hold live mailbox pointers.
	if _, err := fx.gate.Submit(ctx, recordedSubmission("session-1")); err != nil {
		t.Fatalf("warmup submit: %v", err)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				_, _ = fx.gate.Submit(ctx, recordedSubmission("session-1"))
			}
		}()
	}
	close(start)
	fx.gate.Close()
	wg.Wait()

	if _, err := fx.gate.Submit(ctx, recordedSubmission("session-1")); !errors.Is(err, ledger.ErrOverloaded) {
		t.Errorf("submit after close should shed as overloaded, got %v", err)
	}
}

// blockingHotStore parks the first AppendCAS until released, simulating a
// slow hot tier that backs the mailbox up.
type blockingHotStore struct {
	*store.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingHotStore) AppendCAS(ctx context.Context, ev *ledger.Event, record []byte) error {
	blocked := false
	s.once.Do(func() { blocked = true })
	if blocked {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.AppendCAS(ctx, ev, record)
}
