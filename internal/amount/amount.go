// Package amount implements the currency-checked fixed-point amounts used
// throughout the merchant core. Amounts are represented as an
// integer count of 1e-8ths of the currency unit, the same fixed fraction
// width the wire format uses ("CUR:VALUE.FRACTION" with an 8-digit
// fraction).
package amount

import (
	"fmt"
	"strconv"
	"strings"
)

// FractionalDigits is the number of digits after the decimal point in the
// wire representation and in Value's internal units.
const FractionalDigits = 8

const fractionBase = 100_000_000 // 10^FractionalDigits

// Value is a currency-tagged fixed-point amount. The zero Value is not a
// valid amount (Currency is empty); use Zero(currency) instead.
type Value struct {
	Currency string
	// units is the amount expressed in 1e-8ths of the currency, so
	// "EUR:5.00000000" is Value{"EUR", 500000000}.
	units uint64
}

// Zero returns a zero-valued amount in the given currency.
func Zero(currency string) Value { return Value{Currency: currency, units: 0} }

// IsZero reports whether v is zero.
func (v Value) IsZero() bool { return v.units == 0 }

// Units returns the amount in 1e-8ths of the currency unit.
func (v Value) Units() uint64 { return v.units }

// FromUnits constructs a Value from a raw 1e-8ths-of-currency integer.
func FromUnits(currency string, units uint64) Value {
	return Value{Currency: currency, units: units}
}

// Parse reads a wire-format amount "CUR:VALUE.FRACTION". The fraction part
// is optional on input but always rendered with exactly FractionalDigits
// digits by String.
func Parse(s string) (Value, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Value{}, fmt.Errorf("amount: malformed value %q", s)
	}
	currency := parts[0]
	numeric := parts[1]

	whole := numeric
	frac := ""
	if i := strings.IndexByte(numeric, '.'); i >= 0 {
		whole = numeric[:i]
		frac = numeric[i+1:]
	}
	if whole == "" {
		return Value{}, fmt.Errorf("amount: malformed value %q", s)
	}
	if len(frac) > FractionalDigits {
		return Value{}, fmt.Errorf("amount: fraction too precise in %q", s)
	}
	frac = frac + strings.Repeat("0", FractionalDigits-len(frac))

	wholeUnits, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("amount: bad integer part in %q: %w", s, err)
	}
	fracUnits, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("amount: bad fraction part in %q: %w", s, err)
	}
	total := wholeUnits*fractionBase + fracUnits
	if wholeUnits != 0 && total/fractionBase != wholeUnits {
		return Value{}, fmt.Errorf("amount: value overflow in %q", s)
	}
	return Value{Currency: currency, units: total}, nil
}

// String renders the wire format with a fixed 8-digit fraction.
func (v Value) String() string {
	whole := v.units / fractionBase
	frac := v.units % fractionBase
	return fmt.Sprintf("%s:%d.%0*d", v.Currency, whole, FractionalDigits, frac)
}

// MarshalJSON renders the wire format string.
func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(v.String())), nil
}

// UnmarshalJSON parses the wire format string.
func (v *Value) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) checkCurrency(o Value) error {
	if v.Currency != o.Currency {
		return fmt.Errorf("amount: currency mismatch %q vs %q", v.Currency, o.Currency)
	}
	return nil
}

// Add returns v+o, failing if currencies differ or the sum overflows.
func (v Value) Add(o Value) (Value, error) {
	if err := v.checkCurrency(o); err != nil {
		return Value{}, err
	}
	sum := v.units + o.units
	if sum < v.units {
		return Value{}, fmt.Errorf("amount: addition overflow")
	}
	return Value{Currency: v.Currency, units: sum}, nil
}

// Sub returns v-o, failing if currencies differ or o > v.
func (v Value) Sub(o Value) (Value, error) {
	if err := v.checkCurrency(o); err != nil {
		return Value{}, err
	}
	if o.units > v.units {
		return Value{}, fmt.Errorf("amount: subtraction underflow (%s - %s)", v, o)
	}
	return Value{Currency: v.Currency, units: v.units - o.units}, nil
}

// Cmp returns -1, 0, or 1 as v is less than, equal to, or greater than o. It
// panics on currency mismatch — callers are expected to have validated
// currencies already via an operation like Add/Sub, or to call
// SameCurrency first.
func (v Value) Cmp(o Value) int {
	if v.Currency != o.Currency {
		panic(fmt.Sprintf("amount: Cmp currency mismatch %q vs %q", v.Currency, o.Currency))
	}
	switch {
	case v.units < o.units:
		return -1
	case v.units > o.units:
		return 1
	default:
		return 0
	}
}

// SameCurrency reports whether v and o share a currency tag.
func (v Value) SameCurrency(o Value) bool { return v.Currency == o.Currency }

// Max returns the larger of v and o (same currency required).
func Max(v, o Value) (Value, error) {
	if err := v.checkCurrency(o); err != nil {
		return Value{}, err
	}
	if v.Cmp(o) >= 0 {
		return v, nil
	}
	return o, nil
}

// Sum totals a slice of same-currency amounts, starting from zero in the
// given currency. An empty slice yields Zero(currency).
func Sum(currency string, vs []Value) (Value, error) {
	total := Zero(currency)
	var err error
	for _, v := range vs {
		total, err = total.Add(v)
		if err != nil {
			return Value{}, err
		}
	}
	return total, nil
}
