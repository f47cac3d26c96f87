// Package credits defines the fixed-point credit amount shared by the store,
// the ledger and pricing. One credit is 1,000,000 micro-credits.
package credits

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Scale is the number of decimal places an Amount carries.
const Scale = 6

// Amount is a credit quantity in micro-credits.
type Amount int64

const (
	Zero Amount = 0
	One  Amount = 1_000_000
)

// Context is the decimal context used for every credit computation.
var Context = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfUp
	return c
}()

// Parse reads a decimal string such as "12.5" or "0.000001". Values with
// more than six decimal places are rounded half-up.
func Parse(s string) (Amount, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants known to be valid.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts d to an Amount, rounding half-up to six places.
func FromDecimal(d *apd.Decimal) (Amount, error) {
	scaled := new(apd.Decimal)
	if _, err := Context.Mul(scaled, d, apd.New(1, Scale)); err != nil {
		return 0, fmt.Errorf("scale amount: %w", err)
	}
	if _, err := Context.RoundToIntegralValue(scaled, scaled); err != nil {
		return 0, fmt.Errorf("round amount: %w", err)
	}
	v, err := scaled.Int64()
	if err != nil {
		return 0, fmt.Errorf("amount out of range: %w", err)
	}
	return Amount(v), nil
}

// Decimal returns the exact decimal value of a.
func (a Amount) Decimal() *apd.Decimal {
	return apd.New(int64(a), -Scale)
}

func (a Amount) String() string {
	return a.Decimal().Text('f')
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "1.5" and 1.5.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("amount must be a string or number: %w", err)
		}
		s = n.String()
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}
