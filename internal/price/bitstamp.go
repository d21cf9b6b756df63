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

// BitstampSource polls the Bitstamp public ticker,
// e.g. https://www.bitstamp.net/api/v2/ticker/btceur
type BitstampSource struct {
	baseURL    string
	httpClient *http.Client
	cache      *sourceCache
}

// NewBitstampSource creates a Bitstamp polling source.
func NewBitstampSource() *BitstampSource {
	return &BitstampSource{
		baseURL:    "https://www.bitstamp.net/api/v2/ticker",
		httpClient: newHTTPClient(),
		cache:      newSourceCache(),
	}
}

// ID returns the source identifier.
func (b *BitstampSource) ID() string { return "Bitstamp" }

// internalSymbol maps an external symbol to Bitstamp's pair name,
// "" when unsupported.
func (b *BitstampSource) internalSymbol(symbol string) string {
	switch normalizeSymbol(symbol) {
	case "BTCUSD":
		return "btcusd"
	case "BTCEUR":
		return "btceur"
	}
	return ""
}

// Fast returns the cached value within the age preference; no I/O.
func (b *BitstampSource) Fast(symbol string, prefMaxAge float64) *PriceInfoSingle {
	return b.cache.get(normalizeSymbol(symbol), effectiveMaxAge(prefMaxAge))
}

// Fetch returns a price, using the cache within the age preference and
// the network otherwise. Errored results are cached too.
func (b *BitstampSource) Fetch(ctx context.Context, symbol string, prefMaxAge float64) PriceInfoSingle {
	symbol = normalizeSymbol(symbol)
	if cached := b.Fast(symbol, prefMaxAge); cached != nil {
		return *cached
	}

	now := nowUnix()
	pair := b.internalSymbol(symbol)
	if pair == "" {
		pi := errorSingle(symbol, now, b.ID(), fmt.Sprintf("Symbol is not supported, %s", symbol))
		b.cache.put(symbol, pi)
		return pi
	}

	price, claimedTime, errMsg := b.getPrice(ctx, pair)
	var pi PriceInfoSingle
	if errMsg != "" {
		pi = errorSingle(symbol, now, b.ID(), errMsg)
	} else {
		pi = PriceInfoSingle{
			Price:        price,
			Symbol:       symbol,
			RetrieveTime: now,
			ClaimedTime:  claimedTime,
			Source:       b.ID(),
		}
	}
	b.cache.put(symbol, pi)
	return pi
}

// getPrice requests the ticker and parses the last-trade price and the
// source timestamp.
func (b *BitstampSource) getPrice(ctx context.Context, pair string) (float64, float64, string) {
	url := b.baseURL + "/" + pair
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, 0, fmt.Sprintf("Error getting price, %s, %v", url, err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Sprintf("Error getting price, %s, %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Sprintf("Error getting price, %s, %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Sprintf("Error reading price, %s, %v", url, err)
	}

	var ticker struct {
		Last      string `json:"last"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, 0, fmt.Sprintf("Error parsing price, %s, %v", url, err)
	}
	if ticker.Last == "" {
		return 0, 0, "Missing price"
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(ticker.Last), 64)
	if err != nil {
		return 0, 0, fmt.Sprintf("Error parsing price, %s, %v", url, err)
	}
	claimedTime, err := strconv.ParseFloat(strings.TrimSpace(ticker.Timestamp), 64)
	if err != nil {
		claimedTime = nowUnix()
	}
	return price, claimedTime, ""
}

var _ Source = (*BitstampSource)(nil)
