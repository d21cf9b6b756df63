// Package oracle binds the store, the crypto facade and the price
// aggregator into the attestation oracle: the scheduler that maintains
// the event horizon and signs matured events, and the query surface the
// HTTP facade serves from.
package oracle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cadena-bitcoin/cadena-oracle/internal/digits"
	"github.com/cadena-bitcoin/cadena-oracle/internal/storage"
)

// EventID builds the deterministic event id for a definition and time,
// e.g. "btcusd1704067200".
func EventID(definition string, t int64) string {
	return strings.ToLower(definition) + strconv.FormatInt(t, 10)
}

// NewEventClass builds a validated event class. The repeat offset is
// derived, the definition is upper-cased and the template defaulted.
func NewEventClass(id, definition string, rangeDigits, lowPos int, firstTime, period, lastTime, createTime int64, signerPubKey string) (*storage.EventClass, error) {
	if id == "" {
		return nil, fmt.Errorf("event class id is empty")
	}
	if rangeDigits < 1 {
		return nil, fmt.Errorf("range_digits must be at least 1, got %d", rangeDigits)
	}
	if lowPos < 0 {
		return nil, fmt.Errorf("range_digit_low_pos must be non-negative, got %d", lowPos)
	}
	if period <= 0 {
		return nil, fmt.Errorf("repeat_period must be positive, got %d", period)
	}
	if lastTime < firstTime {
		return nil, fmt.Errorf("repeat_last_time %d before repeat_first_time %d", lastTime, firstTime)
	}

	return &storage.EventClass{
		ID:               id,
		CreateTime:       createTime,
		Definition:       strings.ToUpper(definition),
		RangeDigits:      rangeDigits,
		RangeDigitLowPos: lowPos,
		StringTemplate:   digits.TemplateDefault,
		RepeatFirstTime:  firstTime,
		RepeatPeriod:     period,
		RepeatOffset:     firstTime % period,
		RepeatLastTime:   lastTime,
		SignerPublicKey:  signerPubKey,
	}, nil
}

// classCodec returns the digit codec for a class.
func classCodec(ec *storage.EventClass) digits.Codec {
	return digits.Codec{Digits: ec.RangeDigits, LowPos: ec.RangeDigitLowPos}
}

// newEvent builds the event row of a class at an aligned time.
func newEvent(ec *storage.EventClass, t int64) *storage.Event {
	id := EventID(ec.Definition, t)
	return &storage.Event{
		EventID:        id,
		ClassID:        ec.ID,
		Definition:     ec.Definition,
		Time:           t,
		StringTemplate: digits.TemplateForID(ec.StringTemplate, id),
	}
}

// alignDown snaps t down to the largest k*period+offset that is <= t.
func alignDown(t, period, offset int64) int64 {
	d := t - offset
	q := d / period
	if d%period != 0 && d < 0 {
		q--
	}
	return q*period + offset
}

// alignUp snaps t up to the smallest k*period+offset that is >= t.
func alignUp(t, period, offset int64) int64 {
	down := alignDown(t, period, offset)
	if down == t {
		return t
	}
	return down + period
}

// ComputeEventTimeRange snaps start down and end up to period-aligned
// times (multiples of period plus offset).
func ComputeEventTimeRange(period, offset, start, end int64) (int64, int64) {
	return alignDown(start, period, offset), alignUp(end, period, offset)
}

// NextEventTime returns the earliest aligned event time of the class at
// or after absTime, 0 when absTime is beyond the class range.
func NextEventTime(ec *storage.EventClass, absTime int64) int64 {
	if absTime > ec.RepeatLastTime {
		return 0
	}
	t := absTime
	if ec.RepeatFirstTime > t {
		t = ec.RepeatFirstTime
	}
	next := alignUp(t, ec.RepeatPeriod, ec.RepeatOffset)
	if next < ec.RepeatFirstTime {
		next = ec.RepeatFirstTime
	}
	if next > ec.RepeatLastTime {
		return 0
	}
	return next
}
