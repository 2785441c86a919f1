package control

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dhstore/mvcore"
)

// RedisMirror optionally mirrors group write-lock grants into Redis
// so that multiple engine processes on different hosts agree on lock
// ownership, using the same SetNX-then-verify pattern the teacher's
// adapters/redis locker uses: the owner id is the value, a grant is a
// SetNX with a TTL, and release deletes only the key this owner set.
//
// This is additive to, not a replacement for, the in-process
// GroupLockManager; record locks are not mirrored. A single-host deployment runs with
// RedisMirror nil and never pays the network round trip.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror connects to addr. ttl bounds how long a grant survives
// without being refreshed, so a crashed owner's mirrored lock expires
// instead of wedging the cluster forever.
func NewRedisMirror(addr string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (m *RedisMirror) key(fileID, group int32) string {
	return fmt.Sprintf("mvcore:glock:%d:%d", fileID, group)
}

// TryGrant attempts to record (fileID, group) as owned by owner. It
// succeeds if the key was unset or already held by owner; it fails,
// returning the current owner, if another owner holds it.
func (m *RedisMirror) TryGrant(ctx context.Context, fileID, group, owner int32) (bool, int32, error) {
	k := m.key(fileID, group)
	ownerStr := fmt.Sprintf("%d", owner)

	ok, err := m.client.SetNX(ctx, k, ownerStr, m.ttl).Result()
	if err != nil {
		return false, 0, mvcore.Wrap(mvcore.IoError, err, "redis mirror setnx")
	}
	if ok {
		return true, owner, nil
	}

	current, err := m.client.Get(ctx, k).Result()
	if err != nil && err != redis.Nil {
		return false, 0, mvcore.Wrap(mvcore.IoError, err, "redis mirror get")
	}
	if current == ownerStr {
		m.client.Expire(ctx, k, m.ttl)
		return true, owner, nil
	}
	var currentOwner int32
	fmt.Sscanf(current, "%d", &currentOwner)
	return false, currentOwner, nil
}

// Release deletes the mirrored grant for (fileID, group), but only if
// owner still holds it, mirroring the teacher locker's Unlock semantics
// of deleting only keys this process owns.
func (m *RedisMirror) Release(ctx context.Context, fileID, group, owner int32) error {
	k := m.key(fileID, group)
	ownerStr := fmt.Sprintf("%d", owner)
	current, err := m.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return mvcore.Wrap(mvcore.IoError, err, "redis mirror get")
	}
	if current != ownerStr {
		return nil
	}
	return m.client.Del(ctx, k).Err()
}

// Close releases the underlying Redis client connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
