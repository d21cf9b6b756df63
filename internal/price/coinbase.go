package price

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cadena-bitcoin/cadena-oracle/pkg/logging"
)

// coinbaseFeedURL is the Coinbase Exchange websocket feed.
// See https://docs.cdp.coinbase.com/exchange/websocket-feed/overview
const coinbaseFeedURL = "wss://ws-feed.exchange.coinbase.com"

// CoinbaseSource streams ticker updates over a websocket. Every message
// updates the cache; Fast and Fetch both serve the cache, so freshness is
// a function of connection liveness rather than request time.
type CoinbaseSource struct {
	url string
	log *logging.Logger

	mu    sync.RWMutex
	cache map[string]PriceInfoSingle

	quit chan struct{}
	once sync.Once
}

// NewCoinbaseSource creates the streaming source and starts its
// background listener.
func NewCoinbaseSource(log *logging.Logger) *CoinbaseSource {
	if log == nil {
		log = logging.GetDefault()
	}
	c := &CoinbaseSource{
		url:   coinbaseFeedURL,
		log:   log.Component("coinbase"),
		cache: make(map[string]PriceInfoSingle),
		quit:  make(chan struct{}),
	}
	go c.run()
	c.log.Info("Coinbase price source initialized", "url", c.url)
	return c
}

// ID returns the source identifier.
func (c *CoinbaseSource) ID() string { return "Coinbase" }

// Close stops the background listener.
func (c *CoinbaseSource) Close() {
	c.once.Do(func() { close(c.quit) })
}

// internalSymbols lists the product ids subscribed to.
func (c *CoinbaseSource) internalSymbols() []string {
	return []string{"BTC-USD", "BTC-EUR"}
}

// symbolFromProduct maps a Coinbase product id back to the external
// symbol, "" when unknown.
func symbolFromProduct(productID string) string {
	switch normalizeSymbol(productID) {
	case "BTC-USD":
		return "BTCUSD"
	case "BTC-EUR":
		return "BTCEUR"
	}
	return ""
}

// Fast returns the cached value regardless of the age preference; the
// stream keeps the cache current while connected.
func (c *CoinbaseSource) Fast(symbol string, prefMaxAge float64) *PriceInfoSingle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[normalizeSymbol(symbol)]
	if !ok {
		return nil
	}
	cp := entry
	return &cp
}

// Fetch serves the cache; there is nothing to poll. An empty cache means
// the feed has not delivered this symbol yet.
func (c *CoinbaseSource) Fetch(ctx context.Context, symbol string, prefMaxAge float64) PriceInfoSingle {
	symbol = normalizeSymbol(symbol)
	if cached := c.Fast(symbol, prefMaxAge); cached != nil {
		return *cached
	}
	return errorSingle(symbol, nowUnix(), c.ID(),
		fmt.Sprintf("Price info not available, %s, uri %s", symbol, c.url))
}

// tickerMessage is the subset of the feed message the source consumes.
type tickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
}

// run is the reconnecting listener loop.
func (c *CoinbaseSource) run() {
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		if err := c.listen(); err != nil {
			c.log.Warn("Feed connection closed, retrying", "error", err)
		}

		select {
		case <-c.quit:
			return
		case <-time.After(1 * time.Second):
		}
	}
}

// listen dials the feed, subscribes and consumes messages until the
// connection drops.
func (c *CoinbaseSource) listen() error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"type": "subscribe",
		"channels": []map[string]interface{}{
			{"name": "ticker", "product_ids": c.internalSymbols()},
		},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	// Unblock the read loop when Close is called.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.quit:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		c.update(data)
	}
}

// update applies one feed message to the cache.
func (c *CoinbaseSource) update(data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("Unparseable feed message", "error", err)
		return
	}
	if msg.Type != "ticker" || msg.ProductID == "" || msg.Price == "" {
		return
	}

	symbol := symbolFromProduct(msg.ProductID)
	if symbol == "" {
		c.log.Debug("Unknown product id", "product_id", msg.ProductID)
		return
	}

	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil || price <= 0 {
		c.log.Debug("Unparseable price", "price", msg.Price)
		return
	}

	now := nowUnix()
	claimed := now
	if msg.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
			claimed = float64(t.UnixNano()) / 1e9
		}
	}

	c.mu.Lock()
	c.cache[symbol] = PriceInfoSingle{
		Price:        price,
		Symbol:       symbol,
		RetrieveTime: now,
		ClaimedTime:  claimed,
		Source:       c.ID(),
	}
	c.mu.Unlock()
}

var _ Source = (*CoinbaseSource)(nil)
