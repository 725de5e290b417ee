// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode holds small encoding helpers reused across the agent's
// durable-state writers.
package encode

import (
	"time"
)

// DropMilliseconds returns the time truncated to the previous second, used
// when stamping durable state so re-serialization round-trips cleanly through
// JSON's second-granularity-friendly RFC3339 formatting.
func DropMilliseconds(t time.Time) time.Time {
	return t.Truncate(time.Second)
}
