package oracle

import (
	"testing"

	"github.com/cadena-bitcoin/cadena-oracle/internal/storage"
)

func dailyClass(t *testing.T) *storage.EventClass {
	t.Helper()
	ec, err := NewEventClass("btcusd", "btcusd", 8, 0, 1704067200, 86400, 2019682800, 1704000000, "aa01")
	if err != nil {
		t.Fatalf("NewEventClass() error = %v", err)
	}
	return ec
}

func TestEventID(t *testing.T) {
	if got := EventID("BTCUSD", 1704067200); got != "btcusd1704067200" {
		t.Errorf("EventID = %q", got)
	}
	if got := EventID("btceur", 1748991600); got != "btceur1748991600" {
		t.Errorf("EventID = %q", got)
	}
}

func TestNewEventClassValidation(t *testing.T) {
	tests := []struct {
		name                  string
		id                    string
		digits, lowPos        int
		first, period, last   int64
	}{
		{"empty id", "", 8, 0, 100, 10, 200},
		{"zero digits", "x", 0, 0, 100, 10, 200},
		{"negative low pos", "x", 8, -1, 100, 10, 200},
		{"zero period", "x", 8, 0, 100, 0, 200},
		{"last before first", "x", 8, 0, 200, 10, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEventClass(tt.id, "BTCUSD", tt.digits, tt.lowPos, tt.first, tt.period, tt.last, 0, "")
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}

	ec, err := NewEventClass("btcusd", "btcusd", 8, 0, 1704067201, 86400, 2019682800, 0, "")
	if err != nil {
		t.Fatalf("NewEventClass() error = %v", err)
	}
	if ec.Definition != "BTCUSD" {
		t.Errorf("definition = %q, want BTCUSD", ec.Definition)
	}
	if ec.RepeatOffset != 1704067201%86400 {
		t.Errorf("offset = %d", ec.RepeatOffset)
	}
}

func TestNextEventTime(t *testing.T) {
	ec := dailyClass(t)

	tests := []struct {
		absTime int64
		want    int64
	}{
		{1704067200, 1704067200},
		{1704067201, 1704153600},
		{1704153599, 1704153600},
		{1704153600, 1704153600},
		{1, 1704067200},            // before the first event
		{2019600001, 0},            // next slot would be past the last time
		{2019682801, 0},            // beyond the class range
	}
	for _, tt := range tests {
		if got := NextEventTime(ec, tt.absTime); got != tt.want {
			t.Errorf("NextEventTime(%d) = %d, want %d", tt.absTime, got, tt.want)
		}
	}
}

func TestNextEventTimeAlignment(t *testing.T) {
	// Offset-aligned class: first time not a multiple of the period.
	ec, err := NewEventClass("x", "BTCUSD", 3, 0, 1000, 600, 10000, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	// offset = 1000 % 600 = 400; slots are 1000, 1600, 2200, ...
	if got := NextEventTime(ec, 1601); got != 2200 {
		t.Errorf("NextEventTime(1601) = %d, want 2200", got)
	}
	if got := NextEventTime(ec, 1600); got != 1600 {
		t.Errorf("NextEventTime(1600) = %d, want 1600", got)
	}
	for _, at := range []int64{1000, 1601, 5000} {
		next := NextEventTime(ec, at)
		if next == 0 {
			continue
		}
		if next%600 != 400 {
			t.Errorf("NextEventTime(%d) = %d, not offset-aligned", at, next)
		}
		if next < at {
			t.Errorf("NextEventTime(%d) = %d, in the past", at, next)
		}
	}
}

func TestComputeEventTimeRange(t *testing.T) {
	tests := []struct {
		period, offset, start, end int64
		wantFirst, wantLast        int64
	}{
		{600, 400, 1601, 3000, 1600, 3400},
		{600, 400, 1600, 3400, 1600, 3400}, // already aligned
		{86400, 0, 1704067201, 1704240000, 1704067200, 1704240000},
		{86400, 0, 1704067200, 1704067200, 1704067200, 1704067200},
	}
	for _, tt := range tests {
		first, last := ComputeEventTimeRange(tt.period, tt.offset, tt.start, tt.end)
		if first != tt.wantFirst || last != tt.wantLast {
			t.Errorf("ComputeEventTimeRange(%d,%d,%d,%d) = (%d,%d), want (%d,%d)",
				tt.period, tt.offset, tt.start, tt.end, first, last, tt.wantFirst, tt.wantLast)
		}
	}
}

func TestNewEventTemplate(t *testing.T) {
	ec := dailyClass(t)
	e := newEvent(ec, 1704067200)

	if e.EventID != "btcusd1704067200" {
		t.Errorf("event id = %q", e.EventID)
	}
	if e.StringTemplate != "Outcome:btcusd1704067200:{digit_index}:{digit_outcome}" {
		t.Errorf("template = %q", e.StringTemplate)
	}
	if e.ClassID != "btcusd" || e.Definition != "BTCUSD" {
		t.Errorf("event = %+v", e)
	}
}
