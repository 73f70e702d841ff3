package query

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synaptiq/neuroledger/pkg/canonicalize"
	"github.com/synaptiq/neuroledger/pkg/ledger"
)

// EvidenceBundle is an exportable, self-hashing slice of one partition's
// verified chain. Auditors can re-verify it offline without ledger access.
type EvidenceBundle struct {
	BundleID      string          `json:"bundle_id"`
	Version       string          `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	PartitionKey  string          `json:"partition_key"`
	StartSequence uint64          `json:"start_sequence"`
	EndSequence   uint64          `json:"end_sequence"`
	EventCount    int             `json:"event_count"`
	Events        []*ledger.Event `json:"events"`
	ChainHead     string          `json:"chain_head"`
	BundleHash    string          `json:"bundle_hash"`
}

// ExportBundle verifies the partition and packages events [offset, offset+limit)
// of its chain. limit <= 0 exports the rest of the chain.
func (s *Service) ExportBundle(ctx context.Context, partitionKey string, offset, limit int) (*EvidenceBundle, error) {
	events, err := s.replayVerified(ctx, partitionKey)
	if err != nil {
		return nil, err
	}
	if offset >= len(events) {
		return nil, fmt.Errorf("export bundle: no events at offset %d", offset)
	}
	end := len(events)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	slice := events[offset:end]

	bundle := &EvidenceBundle{
		BundleID:      uuid.New().String(),
		Version:       "1.0.0",
		CreatedAt:     time.Now().UTC(),
		PartitionKey:  partitionKey,
		StartSequence: slice[0].Sequence,
		EndSequence:   slice[len(slice)-1].Sequence,
		EventCount:    len(slice),
		Events:        slice,
		ChainHead:     slice[len(slice)-1].EventHash,
	}

	hash, err := canonicalize.CanonicalHash(bundle.Events)
	if err != nil {
		return nil, fmt.Errorf("export bundle: %w", err)
	}
	bundle.BundleHash = hash

	return bundle, nil
}

// VerifyBundle re-checks a bundle's content hash and its internal chain
// continuity. Offline counterpart to ExportBundle.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Events) == 0 {
		return fmt.Errorf("bundle is empty")
	}

	hash, err := canonicalize.CanonicalHash(bundle.Events)
	if err != nil {
		return err
	}
	if hash != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}

	for i, ev := range bundle.Events {
		computed, err := ledger.ComputeEventHash(ev)
		if err != nil {
			return fmt.Errorf("event %d hash recomputation failed: %w", i, err)
		}
		if computed != ev.EventHash {
			return fmt.Errorf("event %d hash mismatch", i)
		}
		if i > 0 && ev.PreviousHash != bundle.Events[i-1].EventHash {
			return fmt.Errorf("chain broken at event %d", i)
		}
	}

	return nil
}
