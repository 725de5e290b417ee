// Package statestore is the durable mapping of named keys to
// JSON-serializable values, with TTL, atomic set-if-absent, and a short
// read-through cache on read-heavy envelope keys (spec §4.3). It is backed by
// a managed Redis-protocol endpoint, addressed by the single
// STATE_STORE_URL credential (a standard redis:// or rediss:// connection
// string carrying the access token as the connection password) — the same
// SETNX/EXPIRE/SET-EX vocabulary arkade-os-arkd's redis live-store
// (internal/infrastructure/live-store/redis) uses for its own KV and
// optimistic-lock needs.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xcpfolio/fulfillment-agent/dex"
)

// ErrNotFound is returned by Get and GetFresh when the key does not exist.
// It is returned in place of redis.Nil, which it does not wrap.
var ErrNotFound = errors.New("state store: key not found")

// cacheTTL is the read-through cache lifetime for envelope-style keys that
// are read once per tick but written rarely.
const cacheTTL = 5 * time.Second

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a JSON-typed KV client over Redis, with a short local cache.
type Store struct {
	rdb *redis.Client
	log dex.Logger

	cacheMtx sync.Mutex
	cache    map[string]cacheEntry
}

// New connects to the Redis-protocol endpoint identified by url (e.g.
// "rediss://:TOKEN@host:6379/0").
func New(url string, log dex.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("error parsing state store URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	return &Store{
		rdb:   rdb,
		log:   log,
		cache: make(map[string]cacheEntry),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get JSON-decodes the value stored at key into out, using the local cache
// if a fresh entry is present.
func (s *Store) Get(ctx context.Context, key string, out any) error {
	if b, ok := s.cached(key); ok {
		return json.Unmarshal(b, out)
	}
	return s.GetFresh(ctx, key, out)
}

// GetFresh bypasses the local cache entirely, for duplicate-prevention
// checks that must observe the most recent write from any process (spec
// §4.3, "Fresh read variants").
func (s *Store) GetFresh(ctx context.Context, key string, out any) error {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return dex.NewError(dex.ErrFatal, fmt.Sprintf("state store get %q: %v", key, err))
	}
	s.storeCache(key, b)
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}

// Set JSON-encodes value and overwrites key with the given TTL. A TTL of 0
// means no expiration.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("error marshaling value for key %q: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return dex.NewError(dex.ErrFatal, fmt.Sprintf("state store set %q: %v", key, err))
	}
	s.invalidate(key)
	return nil
}

// Del deletes key. Deleting an absent key is not an error.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return dex.NewError(dex.ErrFatal, fmt.Sprintf("state store del %q: %v", key, err))
	}
	s.invalidate(key)
	return nil
}

// SetIfAbsent atomically sets key to value with the given TTL only if key
// does not already exist, reporting whether this call won. It issues the
// same SETNX that AcquireLock uses for the distributed lock; the maintenance
// controller's "pending" marker is written with Set instead.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("error marshaling value for key %q: %w", key, err)
	}
	acquired, err := s.rdb.SetNX(ctx, key, b, ttl).Result()
	if err != nil {
		return false, dex.NewError(dex.ErrFatal, fmt.Sprintf("state store setnx %q: %v", key, err))
	}
	if acquired {
		s.invalidate(key)
	}
	return acquired, nil
}

func (s *Store) cached(key string) ([]byte, bool) {
	s.cacheMtx.Lock()
	defer s.cacheMtx.Unlock()
	e, ok := s.cache[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (s *Store) storeCache(key string, b []byte) {
	s.cacheMtx.Lock()
	defer s.cacheMtx.Unlock()
	s.cache[key] = cacheEntry{value: b, expiresAt: time.Now().Add(cacheTTL)}
}

func (s *Store) invalidate(key string) {
	s.cacheMtx.Lock()
	defer s.cacheMtx.Unlock()
	delete(s.cache, key)
}
