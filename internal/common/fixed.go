package common

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Prices and quantities are integers scaled by 10^4. All matching
// arithmetic happens on the integers; decimal is only used at the edges to
// parse and print them.
const (
	scaleExp      = 4
	PriceScale    = 10_000
	QuantityScale = 10_000
)

// Price is a currency amount in 1/PriceScale units.
type Price int64

// Quantity is a lot size in 1/QuantityScale units, so fractional lots are
// representable exactly.
type Quantity int64

func ParsePrice(s string) (Price, error) {
	v, err := parseScaled(s)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	return Price(v), nil
}

func ParseQuantity(s string) (Quantity, error) {
	v, err := parseScaled(s)
	if err != nil {
		return 0, fmt.Errorf("quantity %q: %w", s, err)
	}
	return Quantity(v), nil
}

// MustPrice is ParsePrice for literals known to be valid; it panics otherwise.
func MustPrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// MustQuantity is ParseQuantity for literals known to be valid.
func MustQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

func PriceFromDecimal(d decimal.Decimal) (Price, error) {
	v, err := fromDecimal(d)
	return Price(v), err
}

func QuantityFromDecimal(d decimal.Decimal) (Quantity, error) {
	v, err := fromDecimal(d)
	return Quantity(v), err
}

func (p Price) Decimal() decimal.Decimal    { return decimal.New(int64(p), -scaleExp) }
func (q Quantity) Decimal() decimal.Decimal { return decimal.New(int64(q), -scaleExp) }

func (p Price) String() string    { return p.Decimal().String() }
func (q Quantity) String() string { return q.Decimal().String() }

func parseScaled(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromDecimal(d)
}

func fromDecimal(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(scaleExp)
	if !scaled.IsInteger() {
		return 0, ErrPrecision
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s overflows", ErrMalformed, d)
	}
	return scaled.IntPart(), nil
}

// Prices and quantities travel as decimal strings in JSON so no float ever
// touches them.

func (p Price) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Price) UnmarshalText(b []byte) error {
	v, err := ParsePrice(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (q Quantity) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Quantity) UnmarshalText(b []byte) error {
	v, err := ParseQuantity(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}
