package oracle

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/cadena-bitcoin/cadena-oracle/internal/storage"
)

func testOracle(t *testing.T, prices PriceProvider) (*Oracle, storage.Store) {
	t.Helper()
	store := storage.NewMemStore()
	keys := testKeys(t)

	o, err := New(&Config{
		Store:       store,
		Keys:        keys,
		Prices:      prices,
		HorizonDays: 390,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o, store
}

func seedClassAndEvents(t *testing.T, o *Oracle, store storage.Store, id string, period int64, count int) *storage.EventClass {
	t.Helper()
	now := time.Now().Unix()
	ec, err := NewEventClass(id, id, 5, 0, now-period, period, now+int64(count+10)*period, now-period, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AddEventClass(ec); err != nil {
		t.Fatal(err)
	}
	t0 := NextEventTime(ec, now)
	for i := 0; i < count; i++ {
		e := newEvent(ec, t0+int64(i)*period)
		if _, err := store.InsertEventIfMissing(e, ec.SignerPublicKey); err != nil {
			t.Fatal(err)
		}
	}
	return ec
}

func TestOracleInfo(t *testing.T) {
	o, store := testOracle(t, &stubPrices{price: 1})

	info, err := o.GetOracleInfo()
	if err != nil {
		t.Fatalf("GetOracleInfo() error = %v", err)
	}
	if info.MainPublicKey == "" || len(info.MainPublicKey) != 64 {
		t.Errorf("main_public_key = %q", info.MainPublicKey)
	}
	if info.HorizonDays != 390 {
		t.Errorf("horizon_days = %d, want 390", info.HorizonDays)
	}
	if len(info.PublicKeys) != 1 || info.PublicKeys[0] != info.MainPublicKey {
		t.Errorf("public_keys = %v", info.PublicKeys)
	}

	// A class with a distinct signer key shows up in public_keys.
	now := time.Now().Unix()
	ec, _ := NewEventClass("other", "ETHUSD", 5, 0, now, 3600, now+86400, now, "bb02")
	store.InsertClassIfMissing(ec)
	info, _ = o.GetOracleInfo()
	if len(info.PublicKeys) != 2 {
		t.Errorf("public_keys = %v, want main + bb02", info.PublicKeys)
	}
}

func TestOracleStatus(t *testing.T) {
	o, store := testOracle(t, &stubPrices{price: 1})
	seedClassAndEvents(t, o, store, "btcusd", 3600, 5)

	status, err := o.GetOracleStatus()
	if err != nil {
		t.Fatalf("GetOracleStatus() error = %v", err)
	}
	if status.TotalEventCount != 5 {
		t.Errorf("total = %d, want 5", status.TotalEventCount)
	}
	if status.FutureEventCount == 0 || status.FutureEventCount > 5 {
		t.Errorf("future = %d", status.FutureEventCount)
	}
	now := float64(time.Now().Unix())
	if status.CurrentTimeUTC < now-2 || status.CurrentTimeUTC > now+2 {
		t.Errorf("current_time_utc = %v, far from now", status.CurrentTimeUTC)
	}
}

func TestGetEventByID(t *testing.T) {
	o, store := testOracle(t, &stubPrices{price: 1})
	ec := seedClassAndEvents(t, o, store, "btcusd", 3600, 1)

	ids, _ := store.FilterEventIDs(0, 0, "", 0)
	if len(ids) != 1 {
		t.Fatal("expected one seeded event")
	}

	info, err := o.GetEventByID(ids[0])
	if err != nil {
		t.Fatalf("GetEventByID() error = %v", err)
	}
	if info == nil {
		t.Fatal("expected event info")
	}
	if info.EventID != ids[0] || info.EventClass != ec.ID {
		t.Errorf("info = %+v", info)
	}
	if info.EventType != "numeric" || info.RangeDigits != 5 || info.RangeUnit != 1 {
		t.Errorf("range fields = %+v", info)
	}
	if info.RangeMaxValue != 99999 {
		t.Errorf("range_max_value = %v, want 99999", info.RangeMaxValue)
	}
	if info.HasOutcome {
		t.Error("fresh event has an outcome")
	}
	if info.SignerPublicKey != ec.SignerPublicKey {
		t.Errorf("signer = %q", info.SignerPublicKey)
	}

	missing, err := o.GetEventByID("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown event")
	}
}

func TestEventInfoNoncesStableAcrossReads(t *testing.T) {
	o, store := testOracle(t, &stubPrices{price: 1})
	seedClassAndEvents(t, o, store, "btcusd", 3600, 1)
	ids, _ := store.FilterEventIDs(0, 0, "", 0)

	sched := o.Scheduler()
	if _, err := sched.FillMissingNonces(10); err != nil {
		t.Fatal(err)
	}

	first, _ := o.GetEventByID(ids[0])
	second, _ := o.GetEventByID(ids[0])
	if len(first.Nonces) != 5 {
		t.Fatalf("len(nonces) = %d, want 5", len(first.Nonces))
	}
	for i := range first.Nonces {
		if first.Nonces[i] != second.Nonces[i] {
			t.Error("nonces changed between responses")
		}
	}
}

func TestGetEventsFilterCaps(t *testing.T) {
	o, store := testOracle(t, &stubPrices{price: 1})
	seedClassAndEvents(t, o, store, "btcusd", 60, 150)

	infos, err := o.GetEventsFilter(0, 0, "", 0)
	if err != nil {
		t.Fatalf("GetEventsFilter() error = %v", err)
	}
	if len(infos) != maxEventsResponse {
		t.Errorf("len(infos) = %d, want hard cap %d", len(infos), maxEventsResponse)
	}

	// An explicit max above the cap is clamped too.
	infos, _ = o.GetEventsFilter(0, 0, "", 1000)
	if len(infos) != maxEventsResponse {
		t.Errorf("len(infos) = %d, want %d", len(infos), maxEventsResponse)
	}

	// Definition filter is case-insensitive.
	infos, _ = o.GetEventsFilter(0, 0, "BtcUsd", 10)
	if len(infos) != 10 {
		t.Errorf("len(infos) = %d, want 10", len(infos))
	}
	infos, _ = o.GetEventsFilter(0, 0, "ETHUSD", 10)
	if len(infos) != 0 {
		t.Errorf("len(infos) = %d, want 0", len(infos))
	}
}

func TestGetEventIDsFilter(t *testing.T) {
	o, store := testOracle(t, &stubPrices{price: 1})
	ec := seedClassAndEvents(t, o, store, "btcusd", 3600, 10)

	ids, err := o.GetEventIDsFilter(0, 0, "")
	if err != nil {
		t.Fatalf("GetEventIDsFilter() error = %v", err)
	}
	if len(ids) != 10 {
		t.Errorf("len(ids) = %d, want 10", len(ids))
	}

	// Inclusive bounds.
	events, _ := store.FilterEvents(0, 0, "", 0)
	first, last := events[0].Time, events[len(events)-1].Time
	ids, _ = o.GetEventIDsFilter(first, last, ec.Definition)
	if len(ids) != 10 {
		t.Errorf("inclusive bounds: len(ids) = %d, want 10", len(ids))
	}
	ids, _ = o.GetEventIDsFilter(first+1, last-1, "")
	if len(ids) != 8 {
		t.Errorf("narrowed bounds: len(ids) = %d, want 8", len(ids))
	}
}

func TestGetNextEvent(t *testing.T) {
	o, store := testOracle(t, &stubPrices{price: 1})
	seedClassAndEvents(t, o, store, "btcusd", 3600, 10)

	before := time.Now().Unix()
	info, err := o.GetNextEvent("btcusd", 60)
	if err != nil {
		t.Fatalf("GetNextEvent() error = %v", err)
	}
	if info == nil {
		t.Fatal("expected a next event")
	}
	if info.TimeUTC < before+60 {
		t.Errorf("next event at %d is sooner than the requested period", info.TimeUTC)
	}
	// The returned event is the earliest aligned one that exists.
	wantID := "btcusd" + strconv.FormatInt(info.TimeUTC, 10)
	if info.EventID != wantID {
		t.Errorf("event_id = %q, want %q", info.EventID, wantID)
	}

	// Unknown definition yields nil, not an error.
	info, err = o.GetNextEvent("DOGEUSD", 60)
	if err != nil || info != nil {
		t.Errorf("unknown definition: info = %v, err = %v", info, err)
	}

	// A period beyond the seeded events yields nil.
	info, _ = o.GetNextEvent("btcusd", 365*86400)
	if info != nil {
		t.Errorf("expected nil beyond seeded range, got %v", info.EventID)
	}
}

func TestPricePassThrough(t *testing.T) {
	o, _ := testOracle(t, &stubPrices{price: 60000})

	if got := o.GetPrice(context.Background(), "BTCUSD", 15); got != 60000 {
		t.Errorf("GetPrice = %v", got)
	}
	info := o.GetPriceInfo(context.Background(), "BTCUSD")
	if info.Price != 60000 {
		t.Errorf("GetPriceInfo price = %v", info.Price)
	}
	prices := o.GetPrices(context.Background())
	if prices["BTCUSD"] != 60000 {
		t.Errorf("GetPrices = %v", prices)
	}
	infos := o.GetPriceInfos(context.Background())
	if infos["BTCUSD"].Price != 60000 {
		t.Errorf("GetPriceInfos = %v", infos)
	}
}

func TestAddEventClassIdempotentAndImmutable(t *testing.T) {
	o, store := testOracle(t, &stubPrices{price: 1})

	now := time.Now().Unix()
	ec, _ := NewEventClass("btcusd", "BTCUSD", 5, 0, now, 3600, now+86400, now, "")
	added, err := o.AddEventClass(ec)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("expected class to be added")
	}
	if ec.SignerPublicKey != o.MainPublicKey() {
		t.Error("signer not defaulted to the main key")
	}

	// Same id with different parameters: not added, original untouched.
	changed, _ := NewEventClass("btcusd", "BTCUSD", 8, 0, now, 7200, now+86400, now, "")
	added, err = o.AddEventClass(changed)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("duplicate class id was added")
	}
	got, _ := store.GetClassByID("btcusd")
	if got.RangeDigits != 5 || got.RepeatPeriod != 3600 {
		t.Errorf("class mutated: %+v", got)
	}
}
