// Package types provides shared value types.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Quantity is a fixed-point quantity with 4 decimal places (scale = 1e4).
//
// Whole-unit items use integral values; weight/volume units use the fraction.
// Stored as BIGINT (scaled integer) so sums and comparisons stay exact.
type Quantity int64

const (
	QuantityScale  int64 = 10_000
	quantityDigits int32 = 4
)

var (
	maxScaled = decimal.NewFromInt(math.MaxInt64)
	minScaled = decimal.NewFromInt(math.MinInt64)
)

func NewQuantityFromFloat64(v float64) Quantity {
	return Quantity(math.Round(v * float64(QuantityScale)))
}

func NewQuantityFromInt64Scaled(v int64) Quantity { return Quantity(v) }

// NewQuantity creates a whole-unit quantity.
func NewQuantity(units int64) Quantity { return Quantity(units * QuantityScale) }

// NewQuantityFromDecimal rounds d to 4 fractional digits.
func NewQuantityFromDecimal(d decimal.Decimal) Quantity {
	return Quantity(d.Round(quantityDigits).Shift(quantityDigits).IntPart())
}

// ParseQuantity parses a decimal string ("12", "-0.5", "3.1415", "1e2").
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	scaled := d.Round(quantityDigits).Shift(quantityDigits)
	if scaled.GreaterThan(maxScaled) || scaled.LessThan(minScaled) {
		return 0, fmt.Errorf("parse quantity %q: out of range", s)
	}
	return Quantity(scaled.IntPart()), nil
}

// MustQuantity parses s and panics on error. Use only for constants and tests.
func MustQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

func (q Quantity) Int64Scaled() int64 { return int64(q) }

func (q Quantity) Float64() float64 { return float64(q) / float64(QuantityScale) }

// Decimal returns the exact decimal value.
func (q Quantity) Decimal() decimal.Decimal { return decimal.New(int64(q), -quantityDigits) }

func (q Quantity) IsZero() bool { return q == 0 }

func (q Quantity) IsPositive() bool { return q > 0 }

func (q Quantity) IsNegative() bool { return q < 0 }

func (q Quantity) Neg() Quantity { return -q }

func (q Quantity) Abs() Quantity {
	if q < 0 {
		return -q
	}
	return q
}

// Min returns the smaller of q and o.
func (q Quantity) Min(o Quantity) Quantity {
	if o < q {
		return o
	}
	return q
}

// Max returns the larger of q and o.
func (q Quantity) Max(o Quantity) Quantity {
	if o > q {
		return o
	}
	return q
}

// Clamp bounds q to [lo, hi]. If hi < lo the result is lo.
func (q Quantity) Clamp(lo, hi Quantity) Quantity {
	if q > hi {
		q = hi
	}
	if q < lo {
		q = lo
	}
	return q
}

// String returns the shortest exact decimal form ("10", "2.5", "-0.125").
func (q Quantity) String() string {
	return q.Decimal().String()
}

// MarshalJSON encodes Quantity as a JSON number.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalJSON accepts either a JSON number or string.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}

	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}

	parsed, err := ParseQuantity(string(data))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
