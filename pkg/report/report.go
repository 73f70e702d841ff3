// Package report assembles compliance reports from verified ledger reads.
// A report is itself an auditable artifact: it carries its query parameters,
// aggregated findings, a Merkle root committing to every included event, and
// its own canonical content hash. Generation never mutates ledger state.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synaptiq/neuroledger/pkg/canonicalize"
	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/merkle"
	"github.com/synaptiq/neuroledger/pkg/query"
	"github.com/synaptiq/neuroledger/pkg/store"
)

// Status is the report lifecycle. Failed is terminal and reachable from any
// step; Delivered is the terminal success state.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusCollecting  Status = "collecting"
	StatusAggregating Status = "aggregating"
	StatusFinalized   Status = "finalized"
	StatusDelivered   Status = "delivered"
	StatusFailed      Status = "failed"
)

// Request parameterizes one report run.
type Request struct {
	Classification string             `json:"classification"` // e.g. "phi_access"
	Types          []ledger.EventType `json:"types"`
	PartitionKey   string             `json:"partition_key,omitempty"`
	UserHash       string             `json:"user_hash,omitempty"`
	From           time.Time          `json:"from"`
	To             time.Time          `json:"to"`
}

// UserActivity is one user's aggregate within the report window.
type UserActivity struct {
	UserHash   string         `json:"user_hash"`
	EventCount int            `json:"event_count"`
	ByType     map[string]int `json:"by_type"`
	FirstEvent time.Time      `json:"first_event"`
	LastEvent  time.Time      `json:"last_event"`
}

// Report is the self-describing output artifact.
type Report struct {
	ReportID    string         `json:"report_id"`
	Status      Status         `json:"status"`
	Parameters  Request        `json:"parameters"`
	GeneratedAt time.Time      `json:"generated_at"`
	EventCount  int            `json:"event_count"`
	ByType      map[string]int `json:"by_type"`
	Users       []UserActivity `json:"users"`
	EventIDs    []string       `json:"event_ids"`
	MerkleRoot  string         `json:"merkle_root"`
	ContentHash string         `json:"content_hash"`
	DeliveredTo string         `json:"delivered_to,omitempty"`
	FailureNote string         `json:"failure_note,omitempty"`
}

// Generator runs the report state machine over the query service.
type Generator struct {
	svc       *query.Service
	deliverer Deliverer
	logger    *slog.Logger

	mu      sync.RWMutex
	reports map[string]*Report
}

// NewGenerator builds a generator. deliverer may be nil, in which case
// reports stop at Finalized.
func NewGenerator(svc *query.Service, deliverer Deliverer) *Generator {
	return &Generator{
		svc:       svc,
		deliverer: deliverer,
		logger:    slog.Default().With("component", "report"),
		reports:   make(map[string]*Report),
	}
}

// Get returns a previously generated report by id.
func (g *Generator) Get(reportID string) (*Report, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.reports[reportID]
	return r, ok
}

// Generate runs one report end to end:
// Scheduled -> Collecting -> Aggregating -> Finalized -> Delivered.
// Any step failure lands in Failed with the cause recorded on the report.
func (g *Generator) Generate(ctx context.Context, req Request) (*Report, error) {
	r := &Report{
		ReportID:   uuid.New().String(),
		Status:     StatusScheduled,
		Parameters: req,
	}
	g.track(r)

	if req.To.IsZero() || req.From.IsZero() || !req.To.After(req.From) {
		return g.fail(r, fmt.Errorf("invalid report window [%s, %s)", req.From, req.To))
	}

	// Collecting
	g.transition(r, StatusCollecting)
	events, err := g.svc.Range(ctx, store.RangeQuery{
		PartitionKey: req.PartitionKey,
		UserHash:     req.UserHash,
		Types:        req.Types,
		From:         req.From,
		To:           req.To,
	})
	if err != nil {
		return g.fail(r, fmt.Errorf("collect: %w", err))
	}

	// Aggregating
	g.transition(r, StatusAggregating)
	if err := g.aggregate(r, events); err != nil {
		return g.fail(r, fmt.Errorf("aggregate: %w", err))
	}

	// Finalized: freeze content with its own hash.
	r.GeneratedAt = time.Now().UTC().Truncate(time.Millisecond)
	r.Status = StatusFinalized
	hash, err := canonicalize.CanonicalHash(contentView(r))
	if err != nil {
		return g.fail(r, fmt.Errorf("finalize: %w", err))
	}
	r.ContentHash = hash

	// Delivered
	if g.deliverer != nil {
		payload, err := canonicalize.JCS(r)
		if err != nil {
			return g.fail(r, fmt.Errorf("serialize for delivery: %w", err))
		}
		location, err := g.deliverer.Deliver(ctx, r.ReportID, payload)
		if err != nil {
			return g.fail(r, fmt.Errorf("deliver: %w", err))
		}
		r.DeliveredTo = location
		r.Status = StatusDelivered
	}

	g.logger.Info("report generated",
		"report_id", r.ReportID, "classification", req.Classification,
		"events", r.EventCount, "status", r.Status)
	return r, nil
}

func (g *Generator) aggregate(r *Report, events []*ledger.Event) error {
	r.EventCount = len(events)
	r.ByType = make(map[string]int)

	byUser := make(map[string]*UserActivity)
	eventIDs := make([]string, len(events))
	eventHashes := make([]string, len(events))

	for i, ev := range events {
		eventIDs[i] = ev.EventID
		eventHashes[i] = ev.EventHash
		r.ByType[string(ev.EventType)]++

		key := ev.UserHash
		if key == "" {
			key = "(system)"
		}
		ua, ok := byUser[key]
		if !ok {
			ua = &UserActivity{UserHash: key, ByType: make(map[string]int), FirstEvent: ev.Timestamp, LastEvent: ev.Timestamp}
			byUser[key] = ua
		}
		ua.EventCount++
		ua.ByType[string(ev.EventType)]++
		if ev.Timestamp.Before(ua.FirstEvent) {
			ua.FirstEvent = ev.Timestamp
		}
		if ev.Timestamp.After(ua.LastEvent) {
			ua.LastEvent = ev.Timestamp
		}
	}

	r.Users = make([]UserActivity, 0, len(byUser))
	for _, ua := range byUser {
		r.Users = append(r.Users, *ua)
	}
	sort.Slice(r.Users, func(i, j int) bool { return r.Users[i].UserHash < r.Users[j].UserHash })

	r.EventIDs = eventIDs

	tree, err := merkle.Build(eventIDs, eventHashes)
	if err != nil {
		return err
	}
	r.MerkleRoot = tree.Root
	return nil
}

// contentView is the hashed portion of the report: everything frozen at
// Finalized, excluding the hash itself and post-finalization fields.
func contentView(r *Report) map[string]interface{} {
	return map[string]interface{}{
		"report_id":    r.ReportID,
		"parameters":   r.Parameters,
		"generated_at": r.GeneratedAt.UTC().Format(ledger.TimestampLayout),
		"event_count":  r.EventCount,
		"by_type":      r.ByType,
		"users":        r.Users,
		"event_ids":    r.EventIDs,
		"merkle_root":  r.MerkleRoot,
	}
}

// VerifyContentHash recomputes a report's content hash. Auditors use it to
// confirm a delivered report was not altered in transit or storage.
func VerifyContentHash(r *Report) (bool, error) {
	hash, err := canonicalize.CanonicalHash(contentView(r))
	if err != nil {
		return false, err
	}
	return hash == r.ContentHash, nil
}

func (g *Generator) track(r *Report) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reports[r.ReportID] = r
}

func (g *Generator) transition(r *Report, next Status) {
	r.Status = next
}

func (g *Generator) fail(r *Report, err error) (*Report, error) {
	r.Status = StatusFailed
	r.FailureNote = err.Error()
	g.logger.Error("report failed", "report_id", r.ReportID, "error", err)
	return r, err
}

// RunSchedule generates a report every interval until ctx is canceled. The
// request callback computes each run's window (e.g. trailing 7 days).
func (g *Generator) RunSchedule(ctx context.Context, interval time.Duration, nextRequest func(now time.Time) Request) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := g.Generate(ctx, nextRequest(now.UTC())); err != nil {
				g.logger.Error("scheduled report failed", "error", err)
			}
		}
	}
}
