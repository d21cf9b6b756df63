package price

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cadena-bitcoin/cadena-oracle/pkg/logging"
)

// fakeSource is a scriptable Source for aggregator tests.
type fakeSource struct {
	id           string
	price        float64
	retrieveTime float64
	claimedTime  float64
	errMsg       string
	fastHit      bool
	fetchCount   atomic.Int64
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) result(symbol string) PriceInfoSingle {
	if f.errMsg != "" {
		return errorSingle(symbol, f.retrieveTime, f.id, f.errMsg)
	}
	return PriceInfoSingle{
		Price:        f.price,
		Symbol:       symbol,
		RetrieveTime: f.retrieveTime,
		ClaimedTime:  f.claimedTime,
		Source:       f.id,
	}
}

func (f *fakeSource) Fast(symbol string, prefMaxAge float64) *PriceInfoSingle {
	if !f.fastHit {
		return nil
	}
	r := f.result(symbol)
	return &r
}

func (f *fakeSource) Fetch(ctx context.Context, symbol string, prefMaxAge float64) PriceInfoSingle {
	f.fetchCount.Add(1)
	return f.result(symbol)
}

func TestAggregateMean(t *testing.T) {
	now := nowUnix()
	a := NewAggregator(nil, []string{"BTCUSD"},
		&fakeSource{id: "A", price: 60000, retrieveTime: now - 1, claimedTime: now - 2},
		&fakeSource{id: "B", price: 60010, retrieveTime: now, claimedTime: now},
		&fakeSource{id: "C", errMsg: "down", retrieveTime: now},
	)

	info := a.GetPriceInfo(context.Background(), "btcusd", 15)

	if info.Error != "" {
		t.Fatalf("unexpected aggregate error: %s", info.Error)
	}
	if math.Abs(info.Price-60005) > 1e-9 {
		t.Errorf("price = %v, want 60005", info.Price)
	}
	if info.Symbol != "BTCUSD" {
		t.Errorf("symbol = %q, want BTCUSD", info.Symbol)
	}
	// Conservative freshness: minimum over the valid singles.
	if math.Abs(info.RetrieveTime-(now-1)) > 1e-9 {
		t.Errorf("retrieve_time = %v, want %v", info.RetrieveTime, now-1)
	}
	if math.Abs(info.ClaimedTime-(now-2)) > 1e-9 {
		t.Errorf("claimed_time = %v, want %v", info.ClaimedTime, now-2)
	}
	if info.Source != "Multi{cnt:2,good:[A,B];bad:[C]}" {
		t.Errorf("source = %q", info.Source)
	}

	if len(info.Sources) != 3 {
		t.Fatalf("len(sources) = %d, want 3", len(info.Sources))
	}
	for _, s := range info.Sources {
		want := s.Price - 60005
		if math.Abs(s.DeltaFromAggr-want) > 1e-9 {
			t.Errorf("%s delta = %v, want %v", s.Source, s.DeltaFromAggr, want)
		}
	}
}

func TestAggregateAllInvalid(t *testing.T) {
	a := NewAggregator(nil, []string{"BTCUSD"},
		&fakeSource{id: "A", errMsg: "down"},
		&fakeSource{id: "B", errMsg: "down too"},
	)

	info := a.GetPriceInfo(context.Background(), "BTCUSD", 15)

	if info.Error != ErrNoValidSource.Error() {
		t.Errorf("error = %q, want %q", info.Error, ErrNoValidSource.Error())
	}
	if info.Price != 0 {
		t.Errorf("price = %v, want 0", info.Price)
	}
	if info.Source != "Multi{cnt:0,bad:[A,B]}" {
		t.Errorf("source = %q", info.Source)
	}
	if len(info.Sources) != 2 {
		t.Errorf("len(sources) = %d, want 2", len(info.Sources))
	}
}

func TestAggregateSingleValid(t *testing.T) {
	now := nowUnix()
	a := NewAggregator(nil, []string{"BTCUSD"},
		&fakeSource{id: "A", price: 50000, retrieveTime: now, claimedTime: now},
	)

	info := a.GetPriceInfo(context.Background(), "BTCUSD", 15)
	if info.Price != 50000 {
		t.Errorf("price = %v, want 50000", info.Price)
	}
	if info.Source != "Multi{cnt:1,good:[A]}" {
		t.Errorf("source = %q", info.Source)
	}
}

func TestFastPassSkipsFetch(t *testing.T) {
	now := nowUnix()
	cached := &fakeSource{id: "A", price: 50000, retrieveTime: now, claimedTime: now, fastHit: true}
	slow := &fakeSource{id: "B", price: 50002, retrieveTime: now, claimedTime: now}
	a := NewAggregator(nil, []string{"BTCUSD"}, cached, slow)

	a.GetPriceInfo(context.Background(), "BTCUSD", 15)

	if n := cached.fetchCount.Load(); n != 0 {
		t.Errorf("cached source fetched %d times, want 0", n)
	}
	if n := slow.fetchCount.Load(); n != 1 {
		t.Errorf("uncached source fetched %d times, want 1", n)
	}
}

func TestGetPrice(t *testing.T) {
	now := nowUnix()
	a := NewAggregator(nil, []string{"BTCUSD"},
		&fakeSource{id: "A", price: 42, retrieveTime: now, claimedTime: now},
	)
	if got := a.GetPrice(context.Background(), "BTCUSD", 15); got != 42 {
		t.Errorf("GetPrice = %v, want 42", got)
	}
}

func TestSourceCache(t *testing.T) {
	c := newSourceCache()

	if got := c.get("BTCUSD", 15); got != nil {
		t.Error("expected miss on empty cache")
	}

	fresh := PriceInfoSingle{Price: 1, Symbol: "BTCUSD", RetrieveTime: nowUnix(), Source: "T"}
	c.put("BTCUSD", fresh)
	if got := c.get("BTCUSD", 15); got == nil || got.Price != 1 {
		t.Error("expected hit for fresh entry")
	}

	stale := PriceInfoSingle{Price: 2, Symbol: "BTCUSD", RetrieveTime: nowUnix() - 100, Source: "T"}
	c.put("BTCUSD", stale)
	if got := c.get("BTCUSD", 15); got != nil {
		t.Error("expected miss for stale entry")
	}
}

func TestEffectiveMaxAge(t *testing.T) {
	tests := []struct {
		pref float64
		want float64
	}{
		{0, DefaultMaxAge},
		{-1, DefaultMaxAge},
		{1, MinPrefMaxAge},
		{7, 7},
		{60, 60},
	}
	for _, tt := range tests {
		if got := effectiveMaxAge(tt.pref); got != tt.want {
			t.Errorf("effectiveMaxAge(%v) = %v, want %v", tt.pref, got, tt.want)
		}
	}
}

func TestBitstampFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/btcusd" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"last":      "60123.45",
			"timestamp": "1704067200",
		})
	}))
	defer server.Close()

	src := NewBitstampSource()
	src.baseURL = server.URL

	pi := src.Fetch(context.Background(), "BTCUSD", 15)
	if pi.Error != "" {
		t.Fatalf("unexpected error: %s", pi.Error)
	}
	if pi.Price != 60123.45 {
		t.Errorf("price = %v, want 60123.45", pi.Price)
	}
	if pi.ClaimedTime != 1704067200 {
		t.Errorf("claimed_time = %v, want 1704067200", pi.ClaimedTime)
	}
	if pi.Source != "Bitstamp" {
		t.Errorf("source = %q", pi.Source)
	}

	// Second call is served from cache without I/O.
	if cached := src.Fast("BTCUSD", 15); cached == nil || cached.Price != 60123.45 {
		t.Error("expected cached value")
	}
}

func TestBitstampFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	src := NewBitstampSource()
	src.baseURL = server.URL

	pi := src.Fetch(context.Background(), "BTCUSD", 15)
	if pi.Error == "" {
		t.Fatal("expected error result")
	}
	if pi.Price != 0 {
		t.Errorf("price = %v, want 0", pi.Price)
	}

	// Errored results are cached too.
	if cached := src.Fast("BTCUSD", 15); cached == nil || cached.Error == "" {
		t.Error("expected cached error result")
	}
}

func TestBinanceSymbolMapping(t *testing.T) {
	us := NewBinanceSource(false)
	if got := us.internalSymbol("BTCUSD"); got != "BTCUSDT" {
		t.Errorf("US BTCUSD = %q, want BTCUSDT", got)
	}
	if got := us.internalSymbol("BTCEUR"); got != "" {
		t.Errorf("US BTCEUR = %q, want unsupported", got)
	}

	global := NewBinanceSource(true)
	if got := global.internalSymbol("BTCEUR"); got != "BTCEUR" {
		t.Errorf("global BTCEUR = %q", got)
	}
}

func TestBinanceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"symbol": "BTCUSDT", "price": "59999.01"})
	}))
	defer server.Close()

	src := NewBinanceSource(false)
	src.baseURL = server.URL + "/api/v3/ticker/price?symbol="

	pi := src.Fetch(context.Background(), "btcusd", 15)
	if pi.Error != "" {
		t.Fatalf("unexpected error: %s", pi.Error)
	}
	if pi.Price != 59999.01 {
		t.Errorf("price = %v, want 59999.01", pi.Price)
	}

	// Unsupported region symbol yields an error single, not a panic.
	pi = src.Fetch(context.Background(), "BTCEUR", 15)
	if pi.Error == "" || pi.Price != 0 {
		t.Errorf("expected unsupported-symbol error, got %+v", pi)
	}
}

func TestKrakenFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": []string{},
			"result": map[string]interface{}{
				"XXBTZUSD": map[string]interface{}{
					"c": []string{"60500.1", "0.01"},
				},
			},
		})
	}))
	defer server.Close()

	src := NewKrakenSource()
	src.baseURL = server.URL + "/0/public/Ticker?pair="

	pi := src.Fetch(context.Background(), "BTCUSD", 15)
	if pi.Error != "" {
		t.Fatalf("unexpected error: %s", pi.Error)
	}
	if pi.Price != 60500.1 {
		t.Errorf("price = %v, want 60500.1", pi.Price)
	}

	pi = src.Fetch(context.Background(), "DOGEUSD", 15)
	if pi.Error == "" {
		t.Error("expected unsupported-symbol error")
	}
}

func TestCoinbaseUpdateAndSymbols(t *testing.T) {
	c := &CoinbaseSource{
		url:   coinbaseFeedURL,
		log:   logging.GetDefault().Component("coinbase"),
		cache: make(map[string]PriceInfoSingle),
		quit:  make(chan struct{}),
	}

	if got := symbolFromProduct("BTC-USD"); got != "BTCUSD" {
		t.Errorf("symbolFromProduct = %q", got)
	}
	if got := symbolFromProduct("DOGE-USD"); got != "" {
		t.Errorf("unknown product mapped to %q", got)
	}

	// A ticker message fills the cache.
	c.update([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"61000.5","time":"2024-01-01T00:00:00.000000Z"}`))
	pi := c.Fetch(context.Background(), "BTCUSD", 15)
	if pi.Error != "" || pi.Price != 61000.5 {
		t.Errorf("unexpected result: %+v", pi)
	}
	if pi.ClaimedTime != 1704067200 {
		t.Errorf("claimed_time = %v, want 1704067200", pi.ClaimedTime)
	}

	// Non-ticker and malformed messages are ignored.
	c.update([]byte(`{"type":"subscriptions"}`))
	c.update([]byte(`not json`))
	if got := c.Fetch(context.Background(), "BTCUSD", 15); got.Price != 61000.5 {
		t.Errorf("cache corrupted by ignored messages: %+v", got)
	}

	// A symbol the feed has not delivered yields an error single.
	if got := c.Fetch(context.Background(), "BTCEUR", 15); got.Error == "" {
		t.Error("expected not-available error")
	}
}
