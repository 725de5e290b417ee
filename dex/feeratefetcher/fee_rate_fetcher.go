// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package feeratefetcher maintains a composite Bitcoin fee rate derived from
// multiple ranked sources, decaying each source's weight as it grows stale.
// It backs the chain client's "market fee rate" used by the fulfillment
// controller's compose stage and its RBF escalation.
package feeratefetcher

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xcpfolio/fulfillment-agent/dex"
)

// FetchFunc fetches a fee rate from one source. On error it indicates how
// long to wait before retrying.
type FetchFunc func(ctx context.Context) (rate uint64, errDelay time.Duration, err error)

// SourceConfig defines one fee rate source.
type SourceConfig struct {
	F      FetchFunc
	Name   string
	Period time.Duration
	// Rank controls which priority group the source is in. Lower Rank is
	// higher priority. Sources with the same Rank are averaged together for a
	// composite rate; lower-ranked (higher number) groups are not considered
	// at all until every higher-ranked group is failed or expired. This lets
	// a primary fee API (MEMPOOL_API) take precedence over a fallback
	// (BLOCKSTREAM_API) without ever blending a fresh primary rate with a
	// stale fallback.
	Rank uint
}

type source struct {
	*SourceConfig
	log       dex.Logger
	rate      uint64
	stamp     time.Time
	failUntil time.Time
}

// Fetcher maintains a continuously-refreshed composite fee rate.
type Fetcher struct {
	log     dex.Logger
	c       chan uint64
	sources [][]*source

	mtx     sync.Mutex
	current uint64
}

func groupSources(sources []*SourceConfig, log dex.Logger) [][]*source {
	srcs := make([]*source, len(sources))
	for i, cfg := range sources {
		srcs[i] = &source{SourceConfig: cfg, log: log}
	}
	grouped := make([][]*source, 0)
next:
	for _, src := range srcs {
		for i, group := range grouped {
			if group[0].Rank == src.Rank {
				grouped[i] = append(group, src)
				continue next
			}
		}
		grouped = append(grouped, []*source{src})
	}
	sort.Slice(grouped, func(i, j int) bool { return grouped[i][0].Rank < grouped[j][0].Rank })
	return grouped
}

// New creates a Fetcher over the given ranked sources.
func New(sources []*SourceConfig, log dex.Logger) *Fetcher {
	return &Fetcher{
		log:     log,
		sources: groupSources(sources, log),
		c:       make(chan uint64, 1),
	}
}

const (
	fetchTimeout       = 10 * time.Second
	defaultTick        = time.Minute
	minFetchErrorDelay = time.Minute
	// A source's rate is fully weighted for 5 minutes, then the weight decays
	// to zero over the next 10 minutes. Rates older than 15 minutes are
	// considered expired and excluded entirely.
	fullValidityPeriod  = 5 * time.Minute
	validityDecayPeriod = 10 * time.Minute
	rateExpiration      = fullValidityPeriod + validityDecayPeriod
)

func compositeRate(sources [][]*source) uint64 {
	for _, group := range sources {
		var weightedRate, weight float64
		for _, src := range group {
			age := time.Since(src.stamp)
			if !src.failUntil.IsZero() || age >= rateExpiration {
				continue
			}
			if age < fullValidityPeriod {
				weight++
				weightedRate += float64(src.rate)
				continue
			}
			decayAge := age - fullValidityPeriod
			w := 1 - float64(decayAge)/float64(validityDecayPeriod)
			weight += w
			weightedRate += w * float64(src.rate)
		}
		if weightedRate != 0 {
			return max(1, uint64(math.Round(weightedRate/weight)))
		}
	}
	return 0
}

func nextSource(sources [][]*source) (src *source, delay time.Duration) {
	delay = time.Duration(math.MaxInt64)
	for _, group := range sources {
		for _, s := range group {
			if !s.failUntil.IsZero() {
				if until := time.Until(s.failUntil); until < delay {
					delay, src = until, s
				}
			} else if until := s.Period - time.Since(s.stamp); until < delay {
				delay, src = until, s
			}
		}
		if src != nil {
			return src, delay
		}
	}
	return
}

// Run starts the background refresh loop. It returns when ctx is canceled.
func (f *Fetcher) Run(ctx context.Context) {
	report := func() {
		r := compositeRate(f.sources)
		if r == 0 {
			return
		}
		f.mtx.Lock()
		f.current = r
		f.mtx.Unlock()
		select {
		case f.c <- r:
		default:
		}
	}

	update := func(src *source) bool {
		cctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		r, errDelay, err := src.F(cctx)
		if err != nil {
			src.log.Errorf("%s fee rate fetch error: %v", src.Name, err)
			src.failUntil = time.Now().Add(max(minFetchErrorDelay, errDelay))
			return false
		}
		if r == 0 {
			src.log.Errorf("%s fee rate source reported zero", src.Name)
			src.failUntil = time.Now().Add(minFetchErrorDelay)
			return false
		}
		src.failUntil = time.Time{}
		src.stamp = time.Now()
		src.rate = r
		return true
	}

	var any bool
	for _, group := range f.sources {
		for _, src := range group {
			any = update(src) || any
		}
	}
	if any {
		report()
	}

	for {
		if ctx.Err() != nil {
			return
		}
		src, delay := nextSource(f.sources)
		var timeout *time.Timer
		if src == nil {
			f.log.Error("all fee rate sources failed")
			timeout = time.NewTimer(defaultTick)
		} else {
			timeout = time.NewTimer(max(0, delay))
		}
		select {
		case <-timeout.C:
			if src == nil || !update(src) {
				continue
			}
			report()
		case <-ctx.Done():
			timeout.Stop()
			return
		}
	}
}

// Rate returns the last known composite rate, or 0 if no source has ever
// reported successfully.
func (f *Fetcher) Rate() uint64 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.current
}

// Next returns a channel on which freshly composited rates are delivered.
func (f *Fetcher) Next() <-chan uint64 {
	return f.c
}
