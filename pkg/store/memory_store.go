package store

import (
	"context"
	"sort"
	"sync"

	"github.com/synaptiq/neuroledger/pkg/ledger"
)

// MemoryStore is an in-memory tier used by tests and local development. It
// implements the hot-store contract (CAS append, chain order) and the range
// reader, so any component can run against it.
type MemoryStore struct {
	mu       sync.RWMutex
	tier     string
	records  map[string][]byte          // event_id -> canonical record
	events   map[string]*ledger.Event   // event_id -> decoded event
	chains   map[string][]string        // partition_key -> event ids in chain order
	heads    map[string]string          // partition_key -> latest event hash
	failNext error                      // injected fault for fan-out tests
}

func NewMemoryStore(tier string) *MemoryStore {
	return &MemoryStore{
		tier:    tier,
		records: make(map[string][]byte),
		events:  make(map[string]*ledger.Event),
		chains:  make(map[string][]string),
		heads:   make(map[string]string),
	}
}

func (s *MemoryStore) Tier() string { return s.tier }

// FailNext makes the next append return err. Test hook.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) Append(ctx context.Context, ev *ledger.Event, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	if _, dup := s.records[ev.EventID]; dup {
		return nil
	}
	s.store(ev, record)
	return nil
}

func (s *MemoryStore) AppendCAS(ctx context.Context, ev *ledger.Event, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	if _, dup := s.records[ev.EventID]; dup {
		return nil
	}

	head, ok := s.heads[ev.PartitionKey]
	if !ok {
		head = ledger.GenesisHash
	}
	if ev.PreviousHash != head {
		return &ledger.ChainConflictError{
			PartitionKey: ev.PartitionKey,
			ExpectedHead: ev.PreviousHash,
			ActualHead:   head,
		}
	}

	s.store(ev, record)
	return nil
}

// store assumes the lock is held.
func (s *MemoryStore) store(ev *ledger.Event, record []byte) {
	rec := make([]byte, len(record))
	copy(rec, record)
	evCopy := *ev

	s.records[ev.EventID] = rec
	s.events[ev.EventID] = &evCopy
	s.chains[ev.PartitionKey] = append(s.chains[ev.PartitionKey], ev.EventID)
	s.heads[ev.PartitionKey] = ev.EventHash
}

func (s *MemoryStore) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ref.EventID]
	if !ok {
		return nil, ledger.ErrEventNotFound
	}
	out := make([]byte, len(rec))
	copy(out, rec)
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context, partitionKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head, ok := s.heads[partitionKey]
	if !ok {
		return ledger.GenesisHash, nil
	}
	return head, nil
}

func (s *MemoryStore) PartitionLen(ctx context.Context, partitionKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chains[partitionKey]), nil
}

func (s *MemoryStore) PartitionRecords(ctx context.Context, partitionKey string, offset, limit int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.chains[partitionKey]
	if offset >= len(ids) {
		return nil, nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([][]byte, 0, end-offset)
	for _, id := range ids[offset:end] {
		rec := s.records[id]
		cp := make([]byte, len(rec))
		copy(cp, rec)
		out = append(out, cp)
	}
	return out, nil
}

// Recent returns up to limit event ids, newest first, matching the hot
// tier's reverse-timestamp index ordering.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.events[ids[i]], s.events[ids[j]]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.EventID < b.EventID
		}
		return a.Timestamp.After(b.Timestamp)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Query implements RangeReader with the same ordering contract as the
// session tier: timestamp ascending, event_id as tiebreaker.
func (s *MemoryStore) Query(ctx context.Context, q RangeQuery) ([]*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := make(map[ledger.EventType]bool, len(q.Types))
	for _, t := range q.Types {
		typeSet[t] = true
	}

	var out []*ledger.Event
	for _, ev := range s.events {
		if q.PartitionKey != "" && ev.PartitionKey != q.PartitionKey {
			continue
		}
		if q.UserHash != "" && ev.UserHash != q.UserHash {
			continue
		}
		if len(typeSet) > 0 && !typeSet[ev.EventType] {
			continue
		}
		if !q.From.IsZero() && ev.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !ev.Timestamp.Before(q.To) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Tamper overwrites a stored record in place, bypassing the chain engine.
// Exists so integrity tests can simulate storage-level corruption.
func (s *MemoryStore) Tamper(eventID string, mutate func(ev *ledger.Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return false
	}
	mutate(ev)
	record, err := ledger.CanonicalBytes(ev)
	if err != nil {
		return false
	}
	s.records[eventID] = record
	return true
}

func (s *MemoryStore) Close() error { return nil }
