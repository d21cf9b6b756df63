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

// KrakenSource polls the Kraken public ticker,
// e.g. https://api.kraken.com/0/public/Ticker?pair=XBTUSD
// The response keys pairs by their long form (XXBTZUSD) and carries the
// last trade as result.<pair>.c[0].
type KrakenSource struct {
	baseURL    string
	httpClient *http.Client
	cache      *sourceCache
}

// NewKrakenSource creates a Kraken polling source.
func NewKrakenSource() *KrakenSource {
	return &KrakenSource{
		baseURL:    "https://api.kraken.com/0/public/Ticker?pair=",
		httpClient: newHTTPClient(),
		cache:      newSourceCache(),
	}
}

// ID returns the source identifier.
func (k *KrakenSource) ID() string { return "Kraken" }

// internalSymbol maps an external symbol to Kraken's request pair and
// response key; empty strings when unsupported.
func (k *KrakenSource) internalSymbol(symbol string) (string, string) {
	switch normalizeSymbol(symbol) {
	case "BTCUSD":
		return "XBTUSD", "XXBTZUSD"
	case "BTCEUR":
		return "XBTEUR", "XXBTZEUR"
	}
	return "", ""
}

// Fast returns the cached value within the age preference; no I/O.
func (k *KrakenSource) Fast(symbol string, prefMaxAge float64) *PriceInfoSingle {
	return k.cache.get(normalizeSymbol(symbol), effectiveMaxAge(prefMaxAge))
}

// Fetch returns a price, from cache or the network. Errored results are
// cached too.
func (k *KrakenSource) Fetch(ctx context.Context, symbol string, prefMaxAge float64) PriceInfoSingle {
	symbol = normalizeSymbol(symbol)
	if cached := k.Fast(symbol, prefMaxAge); cached != nil {
		return *cached
	}

	now := nowUnix()
	price, errMsg := k.getPrice(ctx, symbol)
	var pi PriceInfoSingle
	if errMsg != "" {
		pi = errorSingle(symbol, now, k.ID(), errMsg)
	} else {
		// No claimed time from this source
		pi = PriceInfoSingle{
			Price:        price,
			Symbol:       symbol,
			RetrieveTime: now,
			ClaimedTime:  now,
			Source:       k.ID(),
		}
	}
	k.cache.put(symbol, pi)
	return pi
}

func (k *KrakenSource) getPrice(ctx context.Context, symbol string) (float64, string) {
	reqPair, respPair := k.internalSymbol(symbol)
	if reqPair == "" {
		return 0, fmt.Sprintf("Symbol is not supported, %s", symbol)
	}

	url := k.baseURL + reqPair
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Sprintf("Error getting price, %s, %v", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.httpClient.Do(req)
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
		Result map[string]struct {
			C []string `json:"c"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Sprintf("Error parsing price, %s, %v", url, err)
	}

	info, ok := ticker.Result[respPair]
	if !ok || len(info.C) == 0 {
		return 0, fmt.Sprintf("Error parsing price, %s, %s", url, string(body))
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(info.C[0]), 64)
	if err != nil {
		return 0, fmt.Sprintf("Error parsing price, %s, %v", url, err)
	}
	return price, ""
}

var _ Source = (*KrakenSource)(nil)
