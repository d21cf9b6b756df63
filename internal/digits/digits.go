// Package digits encodes bounded non-negative values into fixed-width
// base-10 digit vectors and composes the per-digit signing messages.
package digits

import (
	"math"
	"strconv"
	"strings"
)

// TemplateDefault is the default per-digit message template. The three
// placeholders are substituted literally, event id first.
const TemplateDefault = "Outcome:{event_id}:{digit_index}:{digit_outcome}"

// Codec converts values to digit vectors and back for one event range.
// Digits is the digit count, LowPos the position of the lowest digit
// (0 means unit 1, 1 means unit 10, and so on).
type Codec struct {
	Digits int
	LowPos int
}

// Unit returns the value of the lowest digit (1, 10, 100, ...).
func (c Codec) Unit() int64 {
	return PowerOfTen(c.LowPos)
}

// HighPos returns the position of the highest digit.
// E.g. low=0, digits=6 gives high=5.
func (c Codec) HighPos() int {
	return c.LowPos + c.Digits - 1
}

// MinValue returns the smallest representable value.
func (c Codec) MinValue() float64 {
	return 0
}

// MaxValue returns the largest representable value,
// (10^Digits - 1) * Unit().
func (c Codec) MaxValue() float64 {
	maxUnits := PowerOfTen(c.Digits) - 1
	return float64(maxUnits * c.Unit())
}

// ValueToDigits normalizes a value into its digit vector, left to right.
// Out-of-range inputs are silently clamped: negative values collapse to
// all zeros, values above MaxValue to all nines.
func (c Codec) ValueToDigits(value float64) []int {
	min := c.MinValue()
	if value < min {
		value = min
	}
	if value > c.MaxValue() {
		value = c.MaxValue()
	}
	unit := c.Unit()
	if unit == 0 {
		unit = 1
	}
	normalized := int64(math.Round((value - min) / float64(unit)))

	s := strconv.FormatInt(normalized, 10)
	for len(s) < c.Digits {
		s = "0" + s
	}
	res := make([]int, c.Digits)
	for i := 0; i < c.Digits; i++ {
		res[i] = int(s[i] - '0')
	}
	return res
}

// DigitsToValue converts a digit vector back to the value it encodes.
func (c Codec) DigitsToValue(ds []int) float64 {
	var v int64
	for i := 0; i < c.Digits && i < len(ds); i++ {
		v = 10*v + int64(ds[i])
	}
	return float64(v*c.Unit()) + c.MinValue()
}

// TemplateForID substitutes the event id into a message template,
// leaving the digit placeholders in place.
func TemplateForID(template, eventID string) string {
	return strings.Replace(template, "{event_id}", eventID, 1)
}

// Message composes the exact signing message for one digit of an event.
// The event id is substituted first in case the template still carries
// its placeholder.
func Message(template, eventID string, digitIndex, digitOutcome int) string {
	s := TemplateForID(template, eventID)
	s = strings.Replace(s, "{digit_index}", strconv.Itoa(digitIndex), 1)
	s = strings.Replace(s, "{digit_outcome}", strconv.Itoa(digitOutcome), 1)
	return s
}

// PowerOfTen returns 10^exp for non-negative exponents.
func PowerOfTen(exp int) int64 {
	if exp < 0 {
		return 1
	}
	var pow int64 = 1
	for i := 0; i < exp; i++ {
		pow *= 10
	}
	return pow
}
