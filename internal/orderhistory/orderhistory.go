// Package orderhistory is the read-only status UI's data source: a bounded,
// KV-backed side channel the fulfillment controller publishes into and
// never reads back from, avoiding the cyclic controller/collaborator
// back-reference called out as a defect to redesign away (spec §9,
// "Cyclic process references"). Every numeric field is coerced through one
// typed record at write time rather than decoded ad hoc by each reader
// (spec §9, "'Any pattern' maps and nullable fields").
package orderhistory

import (
	"context"
	"fmt"
	"time"

	"github.com/xcpfolio/fulfillment-agent/dex/encode"
	"github.com/xcpfolio/fulfillment-agent/internal/statestore"
)

const (
	entryTTL    = 7 * 24 * time.Hour
	maxEntries  = 100
	indexKey    = "xcpfolio:history:index"
	entryPrefix = "xcpfolio:history:entry:"
)

// Kind distinguishes the two event shapes the status UI renders.
type Kind string

const (
	KindTransfer  Kind = "transfer"
	KindOpenOrder Kind = "open_order"
)

// Entry is one published history record.
type Entry struct {
	Kind      Kind      `json:"kind"`
	OrderHash string    `json:"orderHash,omitempty"`
	Asset     string    `json:"asset"`
	Buyer     string    `json:"buyer,omitempty"`
	TxID      string    `json:"txid,omitempty"`
	Quantity  int64     `json:"quantity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Entry) key() string {
	if e.OrderHash != "" {
		return entryPrefix + e.OrderHash
	}
	return entryPrefix + e.Asset + ":" + e.Timestamp.Format(time.RFC3339Nano)
}

// Publisher is the one-way interface the fulfillment controller holds; it
// cannot read the history back, by construction.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}

// Store is the bounded history side channel, backed by the same state store
// as the controllers' durable envelopes.
type Store struct {
	kv *statestore.Store
}

// New returns a Store publishing into kv.
func New(kv *statestore.Store) *Store {
	return &Store{kv: kv}
}

// Publish records e and trims the index to the most recent maxEntries.
func (s *Store) Publish(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = encode.DropMilliseconds(time.Now())
	}
	key := e.key()
	if err := s.kv.Set(ctx, key, e, entryTTL); err != nil {
		return fmt.Errorf("error publishing history entry: %w", err)
	}

	var index []string
	if err := s.kv.GetFresh(ctx, indexKey, &index); err != nil && err != statestore.ErrNotFound {
		return fmt.Errorf("error reading history index: %w", err)
	}
	index = append(index, key)
	if len(index) > maxEntries {
		index = index[len(index)-maxEntries:]
	}
	return s.kv.Set(ctx, indexKey, index, entryTTL)
}

// Rebuild drops index references whose entry has already expired, the
// repair operation backing the `rebuild-history` operational subcommand.
// The index is self-trimming on every Publish, but an entry can expire while
// its index reference remains, and a manually edited index can name an
// entry that never existed; Recent otherwise silently skips such dangling
// references.
func (s *Store) Rebuild(ctx context.Context) (kept, dropped int, err error) {
	var index []string
	if err := s.kv.GetFresh(ctx, indexKey, &index); err != nil {
		if err == statestore.ErrNotFound {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("error reading history index: %w", err)
	}

	live := make([]string, 0, len(index))
	for _, key := range index {
		var e Entry
		if err := s.kv.Get(ctx, key, &e); err != nil {
			dropped++
			continue
		}
		live = append(live, key)
	}
	if dropped == 0 {
		return len(live), 0, nil
	}
	if err := s.kv.Set(ctx, indexKey, live, entryTTL); err != nil {
		return 0, 0, fmt.Errorf("error writing rebuilt history index: %w", err)
	}
	return len(live), dropped, nil
}

// FixTimestamps rewrites any indexed entry whose Timestamp is zero (a gap
// left by a caller that predates Publish's zero-timestamp fallback) to the
// current time, backing the `fix-timestamps` operational subcommand.
func (s *Store) FixTimestamps(ctx context.Context) (fixed int, err error) {
	var index []string
	if err := s.kv.GetFresh(ctx, indexKey, &index); err != nil {
		if err == statestore.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("error reading history index: %w", err)
	}

	for _, key := range index {
		var e Entry
		if err := s.kv.Get(ctx, key, &e); err != nil {
			continue
		}
		if !e.Timestamp.IsZero() {
			continue
		}
		e.Timestamp = encode.DropMilliseconds(time.Now())
		if err := s.kv.Set(ctx, key, e, entryTTL); err != nil {
			return fixed, fmt.Errorf("error rewriting history entry %s: %w", key, err)
		}
		fixed++
	}
	return fixed, nil
}

// Recent returns up to the most recent limit entries, newest first, for the
// read-only status HTTP surface. Entries whose TTL has already expired are
// silently skipped rather than treated as an error.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var index []string
	if err := s.kv.GetFresh(ctx, indexKey, &index); err != nil {
		if err == statestore.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading history index: %w", err)
	}

	entries := make([]Entry, 0, limit)
	for i := len(index) - 1; i >= 0 && len(entries) < limit; i-- {
		var e Entry
		if err := s.kv.Get(ctx, index[i], &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
