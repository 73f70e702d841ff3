package store

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/synaptiq/neuroledger/pkg/ledger"
)

// appendScript performs the chain-head compare-and-swap atomically in Redis.
// The head check and the record write happen in one server-side step, so two
// events can never be appended with the same previous_hash.
//
// KEYS[1] = record key        ("nl:event:<event_id>")
// KEYS[2] = chain list key    ("nl:chain:<partition_key>")
// KEYS[3] = head key          ("nl:head:<partition_key>")
// KEYS[4] = recent index key  ("nl:recent")
// ARGV[1] = event_id
// ARGV[2] = canonical record bytes
// ARGV[3] = previous_hash the candidate chained to
// ARGV[4] = event_hash (new head on success)
// ARGV[5] = genesis sentinel
// ARGV[6] = recent index member "(reverse_timestamp):(event_id)"
var appendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return {"dup", ""}
end

local head = redis.call("GET", KEYS[3])
if not head then
    head = ARGV[5]
end
if head ~= ARGV[3] then
    return {"conflict", head}
end

redis.call("SET", KEYS[1], ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[4])
redis.call("ZADD", KEYS[4], 0, ARGV[6])
return {"ok", ARGV[4]}
`)

// RedisStore is the hot tier: lowest-latency acknowledgment, strict chain
// order per partition, reverse-timestamp index for recent reads. It is the
// source of truth for chain-head advancement.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "nl"}
}

func (s *RedisStore) Tier() string { return TierHot }

func (s *RedisStore) recordKey(eventID string) string { return s.prefix + ":event:" + eventID }
func (s *RedisStore) chainKey(pk string) string       { return s.prefix + ":chain:" + pk }
func (s *RedisStore) headKey(pk string) string        { return s.prefix + ":head:" + pk }
func (s *RedisStore) recentKey() string               { return s.prefix + ":recent" }

// recentMember keys the recent index by (reverse_timestamp, event_id):
// zero-padded so lexicographic order is reverse-chronological.
func recentMember(ev *ledger.Event) string {
	reverse := uint64(math.MaxInt64) - uint64(ev.Timestamp.UTC().UnixNano())
	return fmt.Sprintf("%020d:%s", reverse, ev.EventID)
}

// AppendCAS appends atomically against the partition head.
func (s *RedisStore) AppendCAS(ctx context.Context, ev *ledger.Event, record []byte) error {
	keys := []string{
		s.recordKey(ev.EventID),
		s.chainKey(ev.PartitionKey),
		s.headKey(ev.PartitionKey),
		s.recentKey(),
	}
	res, err := appendScript.Run(ctx, s.client, keys,
		ev.EventID, string(record), ev.PreviousHash, ev.EventHash, ledger.GenesisHash, recentMember(ev),
	).Result()
	if err != nil {
		return &ledger.StorageWriteFailure{Tier: TierHot, Err: err}
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return &ledger.StorageWriteFailure{Tier: TierHot, Err: fmt.Errorf("invalid response from append script")}
	}

	status, _ := results[0].(string)
	switch status {
	case "ok", "dup":
		return nil
	case "conflict":
		actual, _ := results[1].(string)
		return &ledger.ChainConflictError{
			PartitionKey: ev.PartitionKey,
			ExpectedHead: ev.PreviousHash,
			ActualHead:   actual,
		}
	default:
		return &ledger.StorageWriteFailure{Tier: TierHot, Err: fmt.Errorf("unknown append status %q", status)}
	}
}

// Append satisfies LedgerStore; the hot tier always appends through the CAS
// path so chain order cannot be bypassed.
func (s *RedisStore) Append(ctx context.Context, ev *ledger.Event, record []byte) error {
	return s.AppendCAS(ctx, ev, record)
}

func (s *RedisStore) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	val, err := s.client.Get(ctx, s.recordKey(ref.EventID)).Result()
	if err == redis.Nil {
		return nil, ledger.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis fetch %s: %w", ref.EventID, err)
	}
	return []byte(val), nil
}

func (s *RedisStore) Head(ctx context.Context, partitionKey string) (string, error) {
	head, err := s.client.Get(ctx, s.headKey(partitionKey)).Result()
	if err == redis.Nil {
		return ledger.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("redis head %s: %w", partitionKey, err)
	}
	return head, nil
}

func (s *RedisStore) PartitionLen(ctx context.Context, partitionKey string) (int, error) {
	n, err := s.client.LLen(ctx, s.chainKey(partitionKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis partition len %s: %w", partitionKey, err)
	}
	return int(n), nil
}

func (s *RedisStore) PartitionRecords(ctx context.Context, partitionKey string, offset, limit int) ([][]byte, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.LRange(ctx, s.chainKey(partitionKey), int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis partition range %s: %w", partitionKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([][]byte, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("redis record missing for event %s", ids[i])
		}
		out = append(out, []byte(str))
	}
	return out, nil
}

// Recent returns up to limit event ids, newest first, from the
// reverse-timestamp index.
func (s *RedisStore) Recent(ctx context.Context, limit int) ([]string, error) {
	members, err := s.client.ZRangeByLex(ctx, s.recentKey(), &redis.ZRangeBy{
		Min: "-", Max: "+", Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent: %w", err)
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		// member layout: "<reverse_timestamp>:<event_id>"
		for i := 0; i < len(m); i++ {
			if m[i] == ':' {
				ids = append(ids, m[i+1:])
				break
			}
		}
	}
	return ids, nil
}

// Ping probes the Redis connection. Used by health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
