// Package store implements the three-tier persistence behind the ledger:
// a hot low-latency store that owns chain-head advancement, a session-state
// store for current-status reads, and a long-term analytical store for
// retention and bulk compliance queries. One finalized event is serialized
// once and written byte-identical to every tier.
package store

import (
	"context"
	"time"

	"github.com/synaptiq/neuroledger/pkg/ledger"
)

// Tier names the store classes for errors, metrics and retry bookkeeping.
const (
	TierHot        = "hot"
	TierSession    = "session"
	TierAnalytical = "analytical"
)

// Ref locates a persisted record. The analytical tier partitions by event
// date, so lookups carry the timestamp alongside the id.
type Ref struct {
	EventID      string
	PartitionKey string
	Timestamp    time.Time
}

// RefOf builds a Ref for a finalized event.
func RefOf(ev *ledger.Event) Ref {
	return Ref{EventID: ev.EventID, PartitionKey: ev.PartitionKey, Timestamp: ev.Timestamp}
}

// LedgerStore is one tier of the fan-out. Append must be idempotent keyed by
// event_id: re-delivery never double-counts.
type LedgerStore interface {
	Tier() string

	// Append persists the finalized canonical record.
	Append(ctx context.Context, ev *ledger.Event, record []byte) error

	// Fetch returns the persisted record bytes.
	Fetch(ctx context.Context, ref Ref) ([]byte, error)

	Close() error
}

// HotStore is the source of truth for chain order and chain-head advancement.
type HotStore interface {
	LedgerStore

	// AppendCAS appends atomically iff the stored partition head still equals
	// ev.PreviousHash; otherwise it returns ChainConflictError carrying the
	// actual head. Duplicate event ids acknowledge as a no-op.
	AppendCAS(ctx context.Context, ev *ledger.Event, record []byte) error

	// Head returns the partition's latest event hash, or the genesis sentinel
	// for a fresh partition.
	Head(ctx context.Context, partitionKey string) (string, error)

	// PartitionLen returns the number of events in the partition.
	PartitionLen(ctx context.Context, partitionKey string) (int, error)

	// PartitionRecords returns records in strict chain order, [offset, offset+limit).
	// limit <= 0 means the rest of the partition.
	PartitionRecords(ctx context.Context, partitionKey string, offset, limit int) ([][]byte, error)

	// Recent returns up to limit event ids across all partitions, newest
	// first. A monitoring read; it carries no chain-order guarantee.
	Recent(ctx context.Context, limit int) ([]string, error)
}

// RangeQuery filters events for access-log and compliance reads.
// Results are ordered by timestamp ascending.
type RangeQuery struct {
	PartitionKey string
	UserHash     string
	Types        []ledger.EventType
	From         time.Time
	To           time.Time
	Offset       int
	Limit        int
}

// RangeReader serves filtered date-range reads. The session tier implements
// it over SQL; tests implement it in memory.
type RangeReader interface {
	Query(ctx context.Context, q RangeQuery) ([]*ledger.Event, error)
}

// PartitionState is the session tier's latest projected view of a partition.
type PartitionState struct {
	PartitionKey    string    `json:"partition_key"`
	LatestEventID   string    `json:"latest_event_id"`
	LatestEventHash string    `json:"latest_event_hash"`
	LatestEventType string    `json:"latest_event_type"`
	Sequence        uint64    `json:"sequence"`
	UpdatedAt       time.Time `json:"updated_at"`
}
