package statestore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript atomically checks that the caller's identifier still owns
// the lock key before deleting it, so a release after the TTL has expired
// and a different holder has acquired the key never deletes someone else's
// lock (spec §8, "Distributed-lock safety").
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock is a held distributed lock, narrowed so callers can substitute a fake
// in tests without a real Redis connection.
type Lock interface {
	Release(ctx context.Context) error
}

// DistLock is a held distributed lock. The zero value is not usable; obtain
// one via Store.AcquireLock.
type DistLock struct {
	store *Store
	key   string
	id    string
}

// AcquireLock attempts to acquire the named lock with the given TTL using an
// atomic set-if-absent. ok is false if another holder already has it.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (lock Lock, ok bool, err error) {
	id := uuid.NewString()
	acquired, err := s.rdb.SetNX(ctx, key, id, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return &DistLock{store: s, key: key, id: id}, true, nil
}

// Release deletes the lock key only if this DistLock's identifier still
// matches the stored value (i.e. the TTL has not already expired and been
// reacquired by someone else). Release by a non-holder is a silent no-op,
// never a deletion of another holder's lock.
func (l *DistLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.store.rdb, []string{l.key}, l.id).Err()
}
