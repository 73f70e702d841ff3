// Package query serves compliance reads: verified partition timelines,
// access logs, and data-integrity checks. Every read is read-only; a
// verification failure is reported, never repaired; repair is an
// out-of-band operator action logged as its own ledger event.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/merkle"
	"github.com/synaptiq/neuroledger/pkg/signing"
	"github.com/synaptiq/neuroledger/pkg/store"
)

// Service reconstructs event timelines and validates chain integrity
// end-to-end. The hot store provides chain order; the range reader serves
// filtered date-range scans.
type Service struct {
	hot    store.HotStore
	ranges store.RangeReader
	signer *signing.EventSigner
	logger *slog.Logger

	// onCorruption is invoked once per detected corruption so the finding
	// reaches monitoring and the ledger's self-audit partition. May be nil.
	onCorruption func(*ledger.ChainCorruptionError)

	mu          sync.RWMutex
	quarantined map[string]*ledger.ChainCorruptionError
}

// NewService builds the query service. onCorruption may be nil.
func NewService(hot store.HotStore, ranges store.RangeReader, signer *signing.EventSigner,
	onCorruption func(*ledger.ChainCorruptionError)) *Service {
	return &Service{
		hot:          hot,
		ranges:       ranges,
		signer:       signer,
		logger:       slog.Default().With("component", "query"),
		onCorruption: onCorruption,
		quarantined:  make(map[string]*ledger.ChainCorruptionError),
	}
}

// TimelinePage is one page of a verified partition timeline, ordered by
// chain position (which equals timestamp order within a partition).
type TimelinePage struct {
	PartitionKey string          `json:"partition_key"`
	Events       []*ledger.Event `json:"events"`
	Offset       int             `json:"offset"`
	Total        int             `json:"total"`
}

// PartitionTimeline replays the full partition chain, verifies every link
// and every signature, and returns the requested page. limit <= 0 returns
// the whole timeline. A broken link surfaces as ChainCorruptionError naming
// the offending event; the valid prefix before it stays verifiable but the
// partition is quarantined for reads until an operator intervenes.
func (s *Service) PartitionTimeline(ctx context.Context, partitionKey string, offset, limit int) (*TimelinePage, error) {
	events, err := s.replayVerified(ctx, partitionKey)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ledger.ErrPartitionNotFound
	}

	total := len(events)
	if offset >= total {
		return &TimelinePage{PartitionKey: partitionKey, Offset: offset, Total: total}, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return &TimelinePage{
		PartitionKey: partitionKey,
		Events:       events[offset:end],
		Offset:       offset,
		Total:        total,
	}, nil
}

// AccessLog returns auth/access events for one user hash in [from, to),
// ordered by timestamp ascending, paginated.
func (s *Service) AccessLog(ctx context.Context, userHash string, from, to time.Time, offset, limit int) ([]*ledger.Event, error) {
	if userHash == "" {
		return nil, &ledger.ValidationError{Field: "user_hash", Reason: "required"}
	}

	return s.ranges.Query(ctx, store.RangeQuery{
		UserHash: userHash,
		Types: []ledger.EventType{
			ledger.EventAuthLogin, ledger.EventAuthLogout, ledger.EventAuthFailure,
			ledger.EventAccessGranted, ledger.EventAccessDenied,
			ledger.EventConsentGranted, ledger.EventConsentRevoked,
		},
		From:   from,
		To:     to,
		Offset: offset,
		Limit:  limit,
	})
}

// Range exposes filtered date-range reads for report generation.
func (s *Service) Range(ctx context.Context, q store.RangeQuery) ([]*ledger.Event, error) {
	return s.ranges.Query(ctx, q)
}

// RecentEvents returns the newest events across all partitions from the hot
// tier's reverse-timestamp index. A monitoring read: events come back in
// arrival order, not chain order, and are not chain-verified here.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]*ledger.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.hot.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}

	events := make([]*ledger.Event, 0, len(ids))
	for _, id := range ids {
		record, err := s.hot.Fetch(ctx, store.Ref{EventID: id})
		if err != nil {
			return nil, fmt.Errorf("recent events: fetch %s: %w", id, err)
		}
		ev, err := ledger.DecodeEvent(record)
		if err != nil {
			return nil, fmt.Errorf("recent events: decode %s: %w", id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// VerifyDataIntegrity confirms that an artifact's hash appears unaltered
// somewhere in a valid chain.
func (s *Service) VerifyDataIntegrity(ctx context.Context, partitionKey, dataHash string) (bool, error) {
	events, err := s.replayVerified(ctx, partitionKey)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.DataHash == dataHash {
			return true, nil
		}
	}
	return false, nil
}

// InclusionProof builds a Merkle proof that the event carrying dataHash is
// covered by the partition's current tree root. The proof verifies offline
// with merkle.VerifyInclusionProof.
func (s *Service) InclusionProof(ctx context.Context, partitionKey, dataHash string) (*merkle.InclusionProof, error) {
	events, err := s.replayVerified(ctx, partitionKey)
	if err != nil {
		return nil, err
	}

	index := -1
	ids := make([]string, len(events))
	hashes := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
		hashes[i] = ev.EventHash
		if ev.DataHash == dataHash {
			index = i
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("inclusion proof: data hash not recorded in %s", partitionKey)
	}

	tree, err := merkle.Build(ids, hashes)
	if err != nil {
		return nil, fmt.Errorf("inclusion proof: %w", err)
	}
	return tree.Prove(index)
}

// VerifyChain replays and verifies the full partition without returning
// events. Nil means the chain is structurally valid.
func (s *Service) VerifyChain(ctx context.Context, partitionKey string) error {
	_, err := s.replayVerified(ctx, partitionKey)
	return err
}

// Quarantined reports whether automated trust in the partition has been
// halted by a prior corruption finding.
func (s *Service) Quarantined(partitionKey string) (*ledger.ChainCorruptionError, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.quarantined[partitionKey]
	return c, ok
}

func (s *Service) replayVerified(ctx context.Context, partitionKey string) ([]*ledger.Event, error) {
	records, err := s.hot.PartitionRecords(ctx, partitionKey, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", partitionKey, err)
	}

	events := make([]*ledger.Event, 0, len(records))
	for i, record := range records {
		ev, err := ledger.DecodeEvent(record)
		if err != nil {
			corruption := &ledger.ChainCorruptionError{
				PartitionKey: partitionKey,
				Position:     i,
				Reason:       fmt.Sprintf("undecodable record: %v", err),
			}
			s.reportCorruption(corruption)
			return nil, corruption
		}
		events = append(events, ev)
	}

	if corruption := ledger.VerifyChain(partitionKey, events); corruption != nil {
		s.reportCorruption(corruption)
		return nil, corruption
	}

	if s.signer != nil {
		for i, ev := range events {
			if err := s.signer.VerifyEvent(ctx, ev); err != nil {
				corruption := &ledger.ChainCorruptionError{
					PartitionKey: partitionKey,
					EventID:      ev.EventID,
					Position:     i,
					Reason:       err.Error(),
				}
				s.reportCorruption(corruption)
				return nil, corruption
			}
		}
	}

	return events, nil
}

// reportCorruption quarantines the partition for reads and surfaces the
// finding. Writes stay open: availability over fail-safe, but loudly.
func (s *Service) reportCorruption(c *ledger.ChainCorruptionError) {
	s.mu.Lock()
	_, already := s.quarantined[c.PartitionKey]
	s.quarantined[c.PartitionKey] = c
	s.mu.Unlock()

	s.logger.Error("chain corruption detected",
		"partition", c.PartitionKey, "event_id", c.EventID, "position", c.Position, "reason", c.Reason)

	if !already && s.onCorruption != nil {
		s.onCorruption(c)
	}
}
