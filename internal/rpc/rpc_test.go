package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cadena-bitcoin/cadena-oracle/internal/keyring"
	"github.com/cadena-bitcoin/cadena-oracle/internal/oracle"
	"github.com/cadena-bitcoin/cadena-oracle/internal/price"
	"github.com/cadena-bitcoin/cadena-oracle/internal/storage"
)

type stubPrices struct {
	price float64
}

func (s *stubPrices) GetPriceInfo(ctx context.Context, symbol string, prefMaxAge float64) price.PriceInfo {
	now := float64(time.Now().UnixNano()) / 1e9
	return price.PriceInfo{
		Price: s.price, Symbol: symbol,
		RetrieveTime: now, ClaimedTime: now, Source: "Stub",
	}
}

func (s *stubPrices) GetPrice(ctx context.Context, symbol string, prefMaxAge float64) float64 {
	return s.price
}

func (s *stubPrices) Symbols() []string { return []string{"BTCUSD"} }

// testServer builds a server over a seeded in-memory oracle.
func testServer(t *testing.T, demoMode bool) (*Server, storage.Store) {
	t.Helper()

	keys, err := keyring.New(bytes.Repeat([]byte{0x01}, 16), keyring.NetworkSignet)
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemStore()
	o, err := oracle.New(&oracle.Config{
		Store:       store,
		Keys:        keys,
		Prices:      &stubPrices{price: 60000},
		HorizonDays: 390,
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().Unix()
	ec, err := oracle.NewEventClass("btcusd", "BTCUSD", 5, 0, now-3600, 3600, now+30*86400, now-3600, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AddEventClass(ec); err != nil {
		t.Fatal(err)
	}
	if _, _, err := o.Scheduler().CreateFutureEvents(now, 10); err != nil {
		t.Fatal(err)
	}

	return NewServer(o, demoMode), store
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestOracleInfoEndpoint(t *testing.T) {
	s, _ := testServer(t, false)
	rec := get(t, s.Handler(), "/api/v0/oracle/oracle_info")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		MainPublicKey string   `json:"main_public_key"`
		PublicKeys    []string `json:"public_keys"`
		HorizonDays   int      `json:"horizon_days"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.MainPublicKey) != 64 || body.HorizonDays != 390 || len(body.PublicKeys) == 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestOracleStatusEndpoint(t *testing.T) {
	s, _ := testServer(t, false)
	rec := get(t, s.Handler(), "/api/v0/oracle/oracle_status")

	var body struct {
		FutureEventCount int     `json:"future_event_count"`
		TotalEventCount  int     `json:"total_event_count"`
		CurrentTimeUTC   float64 `json:"current_time_utc"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.TotalEventCount != 10 {
		t.Errorf("total_event_count = %d, want 10", body.TotalEventCount)
	}
	if body.CurrentTimeUTC == 0 {
		t.Error("current_time_utc missing")
	}
}

func TestEventEndpoint(t *testing.T) {
	s, store := testServer(t, false)
	ids, _ := store.FilterEventIDs(0, 0, "", 1)

	rec := get(t, s.Handler(), "/api/v0/event/event/"+ids[0])
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["event_id"] != ids[0] {
		t.Errorf("event_id = %v", body["event_id"])
	}
	if body["event_type"] != "numeric" {
		t.Errorf("event_type = %v", body["event_type"])
	}

	// Unknown event returns an empty object with 200.
	rec = get(t, s.Handler(), "/api/v0/event/event/nope")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "{}" {
		t.Errorf("body = %q, want {}", rec.Body.String())
	}
}

func TestEventsEndpointValidation(t *testing.T) {
	s, _ := testServer(t, false)

	rec := get(t, s.Handler(), "/api/v0/event/events?start_time=abc")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = get(t, s.Handler(), "/api/v0/event/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var events []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 10 {
		t.Errorf("len(events) = %d, want 10", len(events))
	}
}

func TestEventIDsEndpoint(t *testing.T) {
	s, _ := testServer(t, false)

	rec := get(t, s.Handler(), "/api/v0/event/event_ids?definition=btcusd")
	var ids []string
	if err := json.Unmarshal(rec.Body.Bytes(), &ids); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 10 {
		t.Errorf("len(ids) = %d, want 10", len(ids))
	}

	rec = get(t, s.Handler(), "/api/v0/event/event_ids?end_time=zzz")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestNextEventEndpoint(t *testing.T) {
	s, _ := testServer(t, false)

	rec := get(t, s.Handler(), "/api/v0/event/next_event?definition=BTCUSD&period=60")
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["event_id"] == nil {
		t.Errorf("expected a next event, got %v", body)
	}

	rec = get(t, s.Handler(), "/api/v0/event/next_event?definition=DOGEUSD")
	if rec.Body.String() != "{}" {
		t.Errorf("unknown definition body = %q, want {}", rec.Body.String())
	}
}

func TestPriceEndpoints(t *testing.T) {
	s, _ := testServer(t, false)

	rec := get(t, s.Handler(), "/api/v0/price/current/BTCUSD")
	if rec.Body.String() != "60000\n" {
		t.Errorf("price body = %q", rec.Body.String())
	}

	rec = get(t, s.Handler(), "/api/v0/price/current_all")
	var all map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if all["BTCUSD"] != 60000 {
		t.Errorf("current_all = %v", all)
	}

	rec = get(t, s.Handler(), "/api/v0/price_info/current/BTCUSD")
	var info map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info["price"].(float64) != 60000 || info["source"] != "Stub" {
		t.Errorf("price_info = %v", info)
	}
}

func TestRootAndCORS(t *testing.T) {
	s, _ := testServer(t, false)

	rec := get(t, s.Handler(), "/")
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["Oracle"] != "API" {
		t.Errorf("root body = %v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("CORS header missing")
	}

	// Preflight requests succeed without a body.
	req := httptest.NewRequest("OPTIONS", "/api/v0/oracle/oracle_info", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestOpenAPIOnlyInDemoMode(t *testing.T) {
	s, _ := testServer(t, false)
	rec := get(t, s.Handler(), "/openapi.json")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without demo mode = %d, want 404", rec.Code)
	}

	demo, _ := testServer(t, true)
	rec = get(t, demo.Handler(), "/openapi.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &schema); err != nil {
		t.Fatal(err)
	}
	if schema["openapi"] == nil || schema["paths"] == nil {
		t.Errorf("schema = %v", schema)
	}
}
