package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/synaptiq/neuroledger/pkg/ledger"
)

// SQLiteStore is the session-state tier: it keeps the latest projected state
// per partition for real-time "current status" reads, plus an events table
// that serves filtered date-range queries for access logs and reports.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the session database at path. Use
// ":memory:" in tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Partition writers are serialized upstream; a single connection keeps
	// the in-memory variant coherent too.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS partitions (
        partition_key TEXT PRIMARY KEY,
        latest_event_id TEXT NOT NULL,
        latest_event_hash TEXT NOT NULL,
        latest_event_type TEXT NOT NULL,
        sequence INTEGER NOT NULL,
        updated_at TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS events (
        event_id TEXT PRIMARY KEY,
        partition_key TEXT NOT NULL,
        sequence INTEGER NOT NULL,
        timestamp TEXT NOT NULL,
        event_type TEXT NOT NULL,
        user_hash TEXT NOT NULL DEFAULT '',
        data_hash TEXT NOT NULL DEFAULT '',
        record TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_events_partition ON events(partition_key, sequence);
    CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
    CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_hash, timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Tier() string { return TierSession }

// Append inserts the event and advances the partition projection.
// INSERT OR IGNORE keyed by event_id makes re-delivery a no-op.
func (s *SQLiteStore) Append(ctx context.Context, ev *ledger.Event, record []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := ev.Timestamp.UTC().Format(ledger.TimestampLayout)
	res, err := tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO events
            (event_id, partition_key, sequence, timestamp, event_type, user_hash, data_hash, record)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.PartitionKey, ev.Sequence, ts, string(ev.EventType), ev.UserHash, ev.DataHash, string(record),
	)
	if err != nil {
		return fmt.Errorf("sqlite insert event: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite rows affected: %w", err)
	}
	if inserted == 0 {
		// duplicate delivery
		return nil
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO partitions (partition_key, latest_event_id, latest_event_hash, latest_event_type, sequence, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(partition_key) DO UPDATE SET
            latest_event_id = excluded.latest_event_id,
            latest_event_hash = excluded.latest_event_hash,
            latest_event_type = excluded.latest_event_type,
            sequence = excluded.sequence,
            updated_at = excluded.updated_at
        WHERE excluded.sequence > partitions.sequence`,
		ev.PartitionKey, ev.EventID, ev.EventHash, string(ev.EventType), ev.Sequence, ts,
	)
	if err != nil {
		return fmt.Errorf("sqlite upsert partition: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM events WHERE event_id = ?`, ref.EventID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite fetch %s: %w", ref.EventID, err)
	}
	return []byte(record), nil
}

// State returns the latest projected state for a partition.
func (s *SQLiteStore) State(ctx context.Context, partitionKey string) (*PartitionState, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT partition_key, latest_event_id, latest_event_hash, latest_event_type, sequence, updated_at
        FROM partitions WHERE partition_key = ?`, partitionKey)

	var st PartitionState
	var updatedAt string
	err := row.Scan(&st.PartitionKey, &st.LatestEventID, &st.LatestEventHash, &st.LatestEventType, &st.Sequence, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrPartitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite state %s: %w", partitionKey, err)
	}

	if t, perr := time.Parse(ledger.TimestampLayout, updatedAt); perr == nil {
		st.UpdatedAt = t
	}
	return &st, nil
}

// Query implements RangeReader. Timestamps are stored in the fixed canonical
// layout, so lexicographic comparison is chronological comparison. The To
// bound is exclusive.
func (s *SQLiteStore) Query(ctx context.Context, q RangeQuery) ([]*ledger.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.PartitionKey != "" {
		where = append(where, "partition_key = ?")
		args = append(args, q.PartitionKey)
	}
	if q.UserHash != "" {
		where = append(where, "user_hash = ?")
		args = append(args, q.UserHash)
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ",")))
	}
	if !q.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.From.UTC().Format(ledger.TimestampLayout))
	}
	if !q.To.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, q.To.UTC().Format(ledger.TimestampLayout))
	}

	query := "SELECT record FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, event_id ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		if q.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ledger.Event
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		ev, err := ledger.DecodeEvent([]byte(record))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
