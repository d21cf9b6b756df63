// Package price provides current prices aggregated from several upstream
// exchange feeds: polling HTTP tickers plus a streaming websocket source.
// Per-source failures never cross the package boundary as errors; they
// are carried as fields and absorbed by the aggregation.
package price

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Freshness constants, in seconds.
const (
	// DefaultMaxAge is the cache validity used when the caller does not
	// express a preference.
	DefaultMaxAge = 15.0
	// MinPrefMaxAge is the floor on a caller's preferred max age; sources
	// never re-fetch more often than this.
	MinPrefMaxAge = 5.0
	// PrefetchMinAcceptedAge is the aggregate age above which a background
	// refresh is started.
	PrefetchMinAcceptedAge = 2.0
	// PrefetchPrefMaxAge is the preferred max age the background refresh
	// asks the sources for.
	PrefetchPrefMaxAge = 5.0
)

// ErrNoValidSource is the aggregate error when no source reports a
// usable price.
var ErrNoValidSource = errors.New("No source with valid data")

// PriceInfoSingle is one price from one source. On failure Error is set
// and Price is 0.
type PriceInfoSingle struct {
	Price         float64 `json:"price"`
	Symbol        string  `json:"symbol"`
	RetrieveTime  float64 `json:"retrieve_time"`
	ClaimedTime   float64 `json:"claimed_time"`
	Source        string  `json:"source"`
	Error         string  `json:"error,omitempty"`
	DeltaFromAggr float64 `json:"delta_from_aggr"`
}

// errorSingle builds the errored result for a source.
func errorSingle(symbol string, retrieveTime float64, source, errMsg string) PriceInfoSingle {
	return PriceInfoSingle{
		Symbol:       symbol,
		RetrieveTime: retrieveTime,
		ClaimedTime:  retrieveTime,
		Source:       source,
		Error:        errMsg,
	}
}

// Valid reports whether the single carries a usable price.
func (p PriceInfoSingle) Valid() bool {
	return p.Price > 0 && p.Error == ""
}

// PriceInfo is an aggregated price with the contributing singles attached.
type PriceInfo struct {
	Price        float64           `json:"price"`
	Symbol       string            `json:"symbol"`
	RetrieveTime float64           `json:"retrieve_time"`
	ClaimedTime  float64           `json:"claimed_time"`
	Source       string            `json:"source"`
	Error        string            `json:"error,omitempty"`
	Sources      []PriceInfoSingle `json:"aggr_sources"`
}

// Source is one upstream price feed.
type Source interface {
	// ID returns the source identifier, e.g. "Bitstamp".
	ID() string
	// Fast returns a cached value if its age is within the preference,
	// nil otherwise. Must not perform I/O.
	Fast(symbol string, prefMaxAge float64) *PriceInfoSingle
	// Fetch returns a price, blocking on the network if needed. Failures
	// are reported inside the result, never as a Go error.
	Fetch(ctx context.Context, symbol string, prefMaxAge float64) PriceInfoSingle
}

// effectiveMaxAge clamps a caller preference into the allowed range.
func effectiveMaxAge(prefMaxAge float64) float64 {
	if prefMaxAge <= 0 {
		prefMaxAge = DefaultMaxAge
	}
	if prefMaxAge < MinPrefMaxAge {
		prefMaxAge = MinPrefMaxAge
	}
	return prefMaxAge
}

// nowUnix returns the current time as fractional unix seconds.
func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// sourceCache is the per-source freshness cache shared by the polling
// sources. Errored results are cached too, so a failing upstream is not
// hammered on every request.
type sourceCache struct {
	mu      sync.RWMutex
	entries map[string]PriceInfoSingle
}

func newSourceCache() *sourceCache {
	return &sourceCache{entries: make(map[string]PriceInfoSingle)}
}

// get returns the cached entry if its age is within maxAge.
func (c *sourceCache) get(symbol string, maxAge float64) *PriceInfoSingle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[symbol]
	if !ok {
		return nil
	}
	if nowUnix()-entry.RetrieveTime >= maxAge {
		return nil
	}
	cp := entry
	return &cp
}

// put stores an entry unconditionally.
func (c *sourceCache) put(symbol string, entry PriceInfoSingle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = entry
}

// newHTTPClient is the shared client factory for polling sources.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// normalizeSymbol upper-cases an external symbol.
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(symbol)
}
