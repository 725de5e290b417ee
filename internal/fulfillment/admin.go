package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/internal/statestore"
)

// LoadDurableState reads the persisted envelope directly from kv, for the
// operational CLI subcommands that repair state out-of-band from a running
// Controller (spec §6.6).
func LoadDurableState(ctx context.Context, kv *statestore.Store) (*State, error) {
	st := &State{}
	if err := kv.Get(ctx, stateKey, st); err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error loading fulfillment state: %v", err))
		}
		return &State{}, nil
	}
	return st, nil
}

// SaveDurableState writes st back to kv with the same TTL the running
// Controller uses.
func SaveDurableState(ctx context.Context, kv *statestore.Store, st *State) error {
	return kv.Set(ctx, stateKey, *st, stateTTL)
}
