// Package locking provides the per-unit serialization the checkpoint store
// cannot: storage offers no compare-and-swap, so two near-simultaneous
// triggers for the same folder key could clobber each other's checkpoint
// writes. A Redis SETNX lock restricts each unit to a single writer; losers
// simply drop their event and let the next trigger or sweep re-converge.
package locking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "docingest:unit:"

// UnitLock is a Redis-backed lock keyed by unit folder.
// A unique owner ID prevents one instance from releasing another's lock.
type UnitLock struct {
	client  *redis.Client
	ownerID string
}

// NewUnitLock creates a lock manager over the given Redis client.
func NewUnitLock(client *redis.Client) *UnitLock {
	return &UnitLock{client: client, ownerID: generateOwnerID()}
}

// generateOwnerID creates a unique identifier for this lock holder.
func generateOwnerID() string {
	hostname, _ := os.Hostname()
	randomBytes := make([]byte, 8)
	_, _ = rand.Read(randomBytes)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(randomBytes))
}

// Acquire attempts to take the unit's lock with the given TTL. Returns true
// if acquired, false if another instance holds it.
func (l *UnitLock) Acquire(ctx context.Context, unit string, ttl time.Duration) (bool, error) {
	acquired, err := l.client.SetNX(ctx, lockPrefix+unit, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock for unit %s: %w", unit, err)
	}
	return acquired, nil
}

// releaseScript deletes the lock only when held by this owner, so an expired
// lock re-acquired by another instance is never released by the old holder.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release frees the unit's lock if this instance holds it. Safe to call when
// the lock is absent or expired.
func (l *UnitLock) Release(ctx context.Context, unit string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{lockPrefix + unit}, l.ownerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock for unit %s: %w", unit, err)
	}
	return nil
}
