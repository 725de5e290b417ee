package maintenance

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// priceTableEnvVar holds an inline JSON price table for deployments that
// cannot mount a file, e.g. a serverless invocation with no writable disk.
const priceTableEnvVar = "PRICE_TABLE_JSON"

// PriceTable is the asset-short-name → price-in-XCP map the maintenance
// controller consults at step 9 to decide what to re-list and at what rate.
// Kept deliberately thin: loading prices is out of scope for the
// compose/sign/broadcast pipeline this package owns, so there is no feed
// subscription or refresh loop here, only a replaceable snapshot.
type PriceTable struct {
	mtx    sync.RWMutex
	prices map[string]float64
}

// NewPriceTable returns an empty table.
func NewPriceTable() *PriceTable {
	return &PriceTable{prices: make(map[string]float64)}
}

// LoadFromEnv parses the inline JSON object in PRICE_TABLE_JSON, if set, and
// returns an empty table (not an error) if the variable is unset.
func LoadFromEnv() (*PriceTable, error) {
	raw := os.Getenv(priceTableEnvVar)
	if raw == "" {
		return NewPriceTable(), nil
	}
	return parsePriceTable([]byte(raw))
}

// LoadFromFile parses the JSON object {assetShortName: priceXCP} at path.
func LoadFromFile(path string) (*PriceTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading price table %s: %w", path, err)
	}
	return parsePriceTable(b)
}

func parsePriceTable(b []byte) (*PriceTable, error) {
	var prices map[string]float64
	if err := json.Unmarshal(b, &prices); err != nil {
		return nil, fmt.Errorf("error parsing price table: %w", err)
	}
	return &PriceTable{prices: prices}, nil
}

// SetPrices atomically replaces the whole table (spec §4.2, "setPrices").
func (t *PriceTable) SetPrices(prices map[string]float64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.prices = make(map[string]float64, len(prices))
	for asset, price := range prices {
		t.prices[asset] = price
	}
}

// Price returns the configured price for asset and whether one is set.
func (t *PriceTable) Price(asset string) (float64, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	p, ok := t.prices[asset]
	return p, ok
}

// Len reports how many assets have a configured price, for status reporting.
func (t *PriceTable) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.prices)
}
