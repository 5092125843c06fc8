// Package retry provides bounded reconnect backoff with deterministic
// jitter. It is used only at connection-establishment time; individual
// operations are never retried here.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a reconnect loop.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultConnectPolicy is the log-connection policy: ~5 attempts, capped at 5s.
func DefaultConnectPolicy() Policy {
	return Policy{BaseMs: 200, MaxMs: 5000, MaxJitterMs: 250, MaxAttempts: 5}
}

// Delay returns the backoff before the given attempt (0-based). Jitter is a
// PRF of (key, attempt) so two processes with the same key spread out the
// same way on every run.
func Delay(key string, attempt int, policy Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	base := policy.BaseMs * factor
	if base > policy.MaxMs {
		base = policy.MaxMs
	}
	return time.Duration(base+jitter(key, attempt, policy.MaxJitterMs)) * time.Millisecond
}

func jitter(key string, attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", key, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs))
}

// Connect runs op until it succeeds or the policy's attempts are exhausted.
func Connect(ctx context.Context, key string, policy Policy, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Delay(key, attempt-1, policy)):
			}
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("connect %s: attempts exhausted: %w", key, lastErr)
}
