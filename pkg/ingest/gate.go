// Package ingest is the admission path of the ledger: it validates raw
// producer submissions, orders them within their partition, links them into
// the hash chain, signs critical events and hands them to the storage
// fan-out. Nothing reaches a store without passing through here.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/ledger/schema"
	"github.com/synaptiq/neuroledger/pkg/observability"
	"github.com/synaptiq/neuroledger/pkg/signing"
	"github.com/synaptiq/neuroledger/pkg/store"
)

// GateConfig tunes admission behavior.
type GateConfig struct {
	// ClockSkewTolerance bounds how far in the future a producer timestamp
	// may sit before the submission is rejected. Default 5s.
	ClockSkewTolerance time.Duration
	// MailboxSize bounds each partition writer's queue; a full mailbox is a
	// retryable Overloaded rejection. Default 256.
	MailboxSize int
	// IntakeRate and IntakeBurst gate global intake ahead of the partition
	// mailboxes. Zero disables the rate gate.
	IntakeRate  rate.Limit
	IntakeBurst int
	// DedupTTL is how long producer idempotency keys are remembered.
	// Default 24h.
	DedupTTL time.Duration
}

func (c *GateConfig) applyDefaults() {
	if c.ClockSkewTolerance <= 0 {
		c.ClockSkewTolerance = 5 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
}

type dedupEntry struct {
	eventID string
	expires time.Time
}

// Gate is the ingestion gate. Construct once at startup and share; all
// collaborator streams submit through the same instance.
type Gate struct {
	validator *schema.Validator
	signer    *signing.EventSigner
	fanout    *store.Fanout
	hot       store.HotStore
	pseudo    *ledger.Pseudonymizer
	limiter   *rate.Limiter
	obs       *observability.Provider
	cfg       GateConfig
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	writers map[string]*partitionWriter
	dedup   map[string]dedupEntry
}

// NewGate wires the admission path. obs may be nil (tests).
func NewGate(validator *schema.Validator, signer *signing.EventSigner, fanout *store.Fanout,
	hot store.HotStore, pseudo *ledger.Pseudonymizer, obs *observability.Provider, cfg GateConfig) *Gate {
	cfg.applyDefaults()

	g := &Gate{
		validator: validator,
		signer:    signer,
		fanout:    fanout,
		hot:       hot,
		pseudo:    pseudo,
		obs:       obs,
		cfg:       cfg,
		logger:    slog.Default().With("component", "ingest"),
		writers:   make(map[string]*partitionWriter),
		dedup:     make(map[string]dedupEntry),
	}
	if cfg.IntakeRate > 0 {
		g.limiter = rate.NewLimiter(cfg.IntakeRate, cfg.IntakeBurst)
	}
	return g
}

// Submit validates, orders, hashes, signs and persists one producer
// submission. Delivery is at-least-once: a repeated idempotency key returns
// the originally admitted event as a no-op acknowledgment.
func (g *Gate) Submit(ctx context.Context, sub ledger.Submission) (*ledger.Event, error) {
	var done func(error)
	if g.obs != nil {
		ctx, done = g.obs.TrackIngest(ctx, attribute.String("event.type", string(sub.EventType)))
	}

	ev, err := g.submit(ctx, sub)
	if done != nil {
		done(err)
	}
	if err != nil {
		g.recordRejection(sub, err)
	}
	return ev, err
}

func (g *Gate) submit(ctx context.Context, sub ledger.Submission) (*ledger.Event, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		return nil, ledger.ErrOverloaded
	}

	candidate, err := g.validate(sub)
	if err != nil {
		return nil, err
	}

	if sub.IdempotencyKey != "" {
		if prior, ok := g.priorDelivery(sub.IdempotencyKey); ok {
			return g.fetchPrior(ctx, prior, candidate.PartitionKey)
		}
	}

	writer := g.writerFor(candidate.PartitionKey)
	if writer == nil {
		return nil, ledger.ErrOverloaded
	}
	reply := make(chan appendResult, 1)
	if err := writer.submit(appendMsg{ctx: ctx, ev: candidate, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		if sub.IdempotencyKey != "" {
			g.rememberDelivery(sub.IdempotencyKey, res.ev.EventID)
		}
		return res.ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// validate enforces the admission contract: known variant, well-typed
// metadata, bounded clock skew. On success it assigns event_id and the
// pseudonymized user hash. The event is never partially admitted.
func (g *Gate) validate(sub ledger.Submission) (*ledger.Event, error) {
	if !ledger.IsKnownType(sub.EventType) {
		return nil, &ledger.ValidationError{Field: "event_type", Reason: "unknown event type"}
	}

	partitionKey := sub.PartitionKey
	if partitionKey == "" {
		// Auth events have no session scope and chain on the system partition.
		if strings.HasPrefix(string(sub.EventType), "auth.") {
			partitionKey = ledger.SystemPartition
		} else {
			return nil, &ledger.ValidationError{Field: "partition_key", Reason: "required for non-auth events"}
		}
	}

	if sub.Timestamp.IsZero() {
		return nil, &ledger.ValidationError{Field: "timestamp", Reason: "required"}
	}
	ts := sub.Timestamp.UTC().Truncate(time.Millisecond)
	if ts.After(time.Now().UTC().Add(g.cfg.ClockSkewTolerance)) {
		return nil, &ledger.ValidationError{Field: "timestamp", Reason: "in the future beyond clock-skew tolerance"}
	}

	if err := g.validator.Validate(sub.EventType, sub.Metadata); err != nil {
		return nil, err
	}

	userHash := ""
	if sub.UserID != "" {
		userHash = g.pseudo.HashUserID(sub.UserID)
	}

	return &ledger.Event{
		EventID:      uuid.New().String(),
		Timestamp:    ts,
		EventType:    sub.EventType,
		PartitionKey: partitionKey,
		DeviceID:     sub.DeviceID,
		UserHash:     userHash,
		DataHash:     sub.DataHash,
		Metadata:     sub.Metadata,
	}, nil
}

// writerFor returns nil once the gate has closed.
func (g *Gate) writerFor(partitionKey string) *partitionWriter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	w, ok := g.writers[partitionKey]
	if !ok {
		w = newPartitionWriter(partitionKey, g, g.cfg.MailboxSize)
		g.writers[partitionKey] = w
	}
	return w
}

func (g *Gate) priorDelivery(idemKey string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.dedup[idemKey]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expires) {
		delete(g.dedup, idemKey)
		return "", false
	}
	return entry.eventID, true
}

func (g *Gate) rememberDelivery(idemKey, eventID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Opportunistic sweep keeps the map bounded without a timer.
	if len(g.dedup)%1024 == 0 {
		now := time.Now()
		for k, e := range g.dedup {
			if now.After(e.expires) {
				delete(g.dedup, k)
			}
		}
	}
	g.dedup[idemKey] = dedupEntry{eventID: eventID, expires: time.Now().Add(g.cfg.DedupTTL)}
}

func (g *Gate) fetchPrior(ctx context.Context, eventID, partitionKey string) (*ledger.Event, error) {
	record, err := g.hot.Fetch(ctx, store.Ref{EventID: eventID, PartitionKey: partitionKey})
	if err != nil {
		return nil, err
	}
	return ledger.DecodeEvent(record)
}

func (g *Gate) observeConflict(ctx context.Context, partitionKey string) {
	g.logger.Warn("chain head moved under partition writer", "partition", partitionKey)
	if g.obs != nil {
		g.obs.RecordChainConflict(ctx, partitionKey)
	}
}

// recordRejection appends a self-audit event for every rejected submission
// on the ledger's own partition, so admission failures are themselves
// auditable. Best effort: a failure here is logged, never raised.
func (g *Gate) recordRejection(sub ledger.Submission, cause error) {
	// Overload rejections are high-volume by nature and tracked by metrics
	// instead; recording them would amplify the overload.
	if cause == ledger.ErrOverloaded {
		return
	}

	candidate := &ledger.Event{
		EventID:      uuid.New().String(),
		Timestamp:    time.Now().UTC().Truncate(time.Millisecond),
		EventType:    ledger.EventLedgerRejected,
		PartitionKey: ledger.LedgerPartition,
		Metadata: map[string]interface{}{
			"rejected_type": string(sub.EventType),
			"error":         cause.Error(),
		},
	}

	writer := g.writerFor(ledger.LedgerPartition)
	if writer == nil {
		return
	}
	reply := make(chan appendResult, 1)
	msg := appendMsg{ctx: context.Background(), ev: candidate, reply: reply}
	if err := writer.submit(msg); err != nil {
		g.logger.Error("self-audit append rejected", "error", err)
		return
	}

	go func() {
		if res := <-reply; res.err != nil {
			g.logger.Error("self-audit append failed", "error", res.err)
		}
	}()
}

// Close stops admission and drains the partition writers. Safe against
// concurrent Submit; late arrivals are shed as Overloaded, never panicked.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, w := range g.writers {
		w.close()
	}
	g.writers = nil
}
