package price

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cadena-bitcoin/cadena-oracle/pkg/logging"
)

// Aggregator fans out to all configured sources and merges the results.
type Aggregator struct {
	sources []Source
	symbols []string
	log     *logging.Logger
}

// NewAggregator creates an aggregator over the given sources.
func NewAggregator(log *logging.Logger, symbols []string, sources ...Source) *Aggregator {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Aggregator{
		sources: sources,
		symbols: symbols,
		log:     log.Component("price"),
	}
}

// Symbols returns the symbols this aggregator serves.
func (a *Aggregator) Symbols() []string {
	out := make([]string, len(a.symbols))
	copy(out, a.symbols)
	return out
}

// GetPriceInfo returns the aggregated price for a symbol. Cached source
// values within prefMaxAge are used as-is; the remaining sources are
// fetched in parallel. If the result is older than the acceptable
// prefetch age, a background refresh is started for future callers.
func (a *Aggregator) GetPriceInfo(ctx context.Context, symbol string, prefMaxAge float64) PriceInfo {
	symbol = normalizeSymbol(symbol)

	info := a.gather(ctx, symbol, prefMaxAge)

	if info.Error == "" {
		age := nowUnix() - info.RetrieveTime
		threshold := PrefetchMinAcceptedAge
		if prefMaxAge/2 > threshold {
			threshold = prefMaxAge / 2
		}
		if age > threshold {
			a.prefetch(symbol, age)
		}
	}

	return info
}

// GetPrice returns just the aggregated price value, 0 when unavailable.
func (a *Aggregator) GetPrice(ctx context.Context, symbol string, prefMaxAge float64) float64 {
	return a.GetPriceInfo(ctx, symbol, prefMaxAge).Price
}

// gather runs the fast pass and the parallel fetch pass.
func (a *Aggregator) gather(ctx context.Context, symbol string, prefMaxAge float64) PriceInfo {
	results := make([]PriceInfoSingle, len(a.sources))
	fetched := make([]bool, len(a.sources))

	for i, src := range a.sources {
		if cached := src.Fast(symbol, prefMaxAge); cached != nil {
			results[i] = *cached
			fetched[i] = true
		}
	}

	// No deadline is imposed here; each source owns its network timeout.
	var wg sync.WaitGroup
	for i, src := range a.sources {
		if fetched[i] {
			continue
		}
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			results[i] = src.Fetch(ctx, symbol, prefMaxAge)
		}(i, src)
	}
	wg.Wait()

	return aggregate(symbol, results)
}

// prefetch starts a fire-and-forget refresh; its result only benefits
// future requests.
func (a *Aggregator) prefetch(symbol string, age float64) {
	id := uuid.NewString()
	a.log.Debug("Starting background price refresh", "symbol", symbol, "age", age, "prefetch_id", id)

	go func() {
		info := a.gather(context.Background(), symbol, PrefetchPrefMaxAge)
		if info.Error != "" {
			a.log.Debug("Background refresh failed", "symbol", symbol, "prefetch_id", id, "error", info.Error)
			return
		}
		a.log.Debug("Background refresh done", "symbol", symbol, "prefetch_id", id, "price", info.Price)
	}()
}

// aggregate merges the per-source results:
// price is the mean of the valid subset, freshness is the most
// conservative (minimum) of the valid retrieve/claimed times, and every
// single is annotated with its delta from the aggregate.
func aggregate(symbol string, singles []PriceInfoSingle) PriceInfo {
	var valid []PriceInfoSingle
	var goodIDs, badIDs []string
	for _, s := range singles {
		if s.Valid() {
			valid = append(valid, s)
			goodIDs = append(goodIDs, s.Source)
		} else {
			badIDs = append(badIDs, s.Source)
		}
	}

	src := aggregateSourceDescriptor(len(valid), goodIDs, badIDs)

	if len(valid) == 0 {
		return PriceInfo{
			Symbol:       symbol,
			RetrieveTime: nowUnix(),
			Source:       src,
			Error:        ErrNoValidSource.Error(),
			Sources:      singles,
		}
	}

	var sum float64
	retrieveTime := valid[0].RetrieveTime
	claimedTime := valid[0].ClaimedTime
	for _, s := range valid {
		sum += s.Price
		if s.RetrieveTime < retrieveTime {
			retrieveTime = s.RetrieveTime
		}
		if s.ClaimedTime < claimedTime {
			claimedTime = s.ClaimedTime
		}
	}
	price := sum / float64(len(valid))

	annotated := make([]PriceInfoSingle, len(singles))
	for i, s := range singles {
		s.DeltaFromAggr = s.Price - price
		annotated[i] = s
	}

	return PriceInfo{
		Price:        price,
		Symbol:       symbol,
		RetrieveTime: retrieveTime,
		ClaimedTime:  claimedTime,
		Source:       src,
		Sources:      annotated,
	}
}

// aggregateSourceDescriptor builds the synthetic source string, e.g.
// "Multi{cnt:2,good:[A,B];bad:[C]}".
func aggregateSourceDescriptor(validCount int, goodIDs, badIDs []string) string {
	var b strings.Builder
	b.WriteString("Multi{cnt:")
	b.WriteString(strconv.Itoa(validCount))
	b.WriteString(",")
	if len(goodIDs) > 0 {
		b.WriteString("good:[" + strings.Join(goodIDs, ",") + "]")
	}
	if len(goodIDs) > 0 && len(badIDs) > 0 {
		b.WriteString(";")
	}
	if len(badIDs) > 0 {
		b.WriteString("bad:[" + strings.Join(badIDs, ",") + "]")
	}
	b.WriteString("}")
	return b.String()
}
