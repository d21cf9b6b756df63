package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// BinanceSource polls the Binance ticker endpoint, either the global
// exchange or the US one,
// e.g. https://api.binance.us/api/v3/ticker/price?symbol=BTCUSDT
type BinanceSource struct {
	global     bool
	sourceID   string
	baseURL    string
	httpClient *http.Client
	cache      *sourceCache
}

// NewBinanceSource creates a Binance polling source. global selects the
// worldwide exchange; false selects Binance US (no EUR pairs there).
func NewBinanceSource(global bool) *BinanceSource {
	host := "api.binance.us"
	sourceID := "BinanceUS"
	if global {
		host = "api3.binance.com"
		sourceID = "Binance"
	}
	return &BinanceSource{
		global:     global,
		sourceID:   sourceID,
		baseURL:    "https://" + host + "/api/v3/ticker/price?symbol=",
		httpClient: newHTTPClient(),
		cache:      newSourceCache(),
	}
}

// ID returns the source identifier.
func (b *BinanceSource) ID() string { return b.sourceID }

// internalSymbol maps an external symbol to Binance's pair name,
// "" when unsupported in this region.
func (b *BinanceSource) internalSymbol(symbol string) string {
	switch normalizeSymbol(symbol) {
	case "BTCUSD":
		return "BTCUSDT"
	case "BTCEUR":
		if b.global {
			return "BTCEUR"
		}
		// US has no EUR
		return ""
	}
	return ""
}

// Fast returns the cached value within the age preference; no I/O.
func (b *BinanceSource) Fast(symbol string, prefMaxAge float64) *PriceInfoSingle {
	return b.cache.get(normalizeSymbol(symbol), effectiveMaxAge(prefMaxAge))
}

// Fetch returns a price, from cache or the network. Errored results are
// cached too.
func (b *BinanceSource) Fetch(ctx context.Context, symbol string, prefMaxAge float64) PriceInfoSingle {
	symbol = normalizeSymbol(symbol)
	if cached := b.Fast(symbol, prefMaxAge); cached != nil {
		return *cached
	}

	now := nowUnix()
	pair := b.internalSymbol(symbol)
	if pair == "" {
		pi := errorSingle(symbol, now, b.ID(), fmt.Sprintf("Symbol not supported in this region, %s", symbol))
		b.cache.put(symbol, pi)
		return pi
	}

	price, errMsg := b.getPrice(ctx, pair)
	var pi PriceInfoSingle
	if errMsg != "" {
		pi = errorSingle(symbol, now, b.ID(), errMsg)
	} else {
		// No claimed time from this source
		pi = PriceInfoSingle{
			Price:        price,
			Symbol:       symbol,
			RetrieveTime: now,
			ClaimedTime:  now,
			Source:       b.ID(),
		}
	}
	b.cache.put(symbol, pi)
	return pi
}

func (b *BinanceSource) getPrice(ctx context.Context, pair string) (float64, string) {
	url := b.baseURL + pair
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Sprintf("Error getting price, %s, %v", url, err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Sprintf("Error getting price, %s, %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Sprintf("Error getting price, %s, %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Sprintf("Error reading price, %s, %v", url, err)
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Sprintf("Error parsing price, %s, %v", url, err)
	}
	if ticker.Price == "" {
		return 0, "Missing price"
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(ticker.Price), 64)
	if err != nil {
		return 0, fmt.Sprintf("Error parsing price, %s, %v", url, err)
	}
	return price, ""
}

var _ Source = (*BinanceSource)(nil)
