// Package retry computes backoff schedules for background store writes.
// Jitter is deterministic (a PRF over the retry identity) so replaying a
// failure scenario produces the same schedule.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

type BackoffParams struct {
	Tier         string
	EventID      string
	AttemptIndex int
}

type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy covers warm/cold tier replays: quick first retry, capped at
// 30s, bounded attempts before the reconciliation alert takes over.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseMs:      100,
		MaxMs:       30_000,
		MaxJitterMs: 500,
		MaxAttempts: 8,
	}
}

// ComputeBackoff returns the delay for a specific attempt using deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// delay = base * 2^attempt, capped
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	jitter := computeDeterministicJitter(params, policy)

	return time.Duration(baseDelay+jitter) * time.Millisecond
}

func computeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	// PRF seeded by the retry identity
	seed := fmt.Sprintf("%s:%s:%d", params.Tier, params.EventID, params.AttemptIndex)
	h := sha256.Sum256([]byte(seed))
	v := binary.BigEndian.Uint64(h[:8])

	return int64(v % uint64(policy.MaxJitterMs))
}
