// Package money provides the shared currency-tagged amount type.
//
// Amounts are exact decimals with two fractional digits (cents). All
// arithmetic goes through Money so a USD amount can never silently mix
// with a EUR amount and no float rounding can creep into a balance.
package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("money: invalid amount")
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	ErrPrecision        = errors.New("money: more than two decimal places")
	ErrUnknownCurrency  = errors.New("money: unknown currency")
)

// Scale is the number of fractional digits carried by every amount.
const Scale = 2

// Currency is an ISO 4217 currency code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	CNY Currency = "CNY"
)

// ParseCurrency validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	switch Currency(s) {
	case USD, EUR, CNY:
		return Currency(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
}

// Money is an exact decimal amount tagged with its currency.
// The zero value is an invalid amount with no currency; construct
// values via New, FromDecimal or Zero.
type Money struct {
	amount   decimal.Decimal
	currency Currency
}

// New parses a decimal string into a Money value. Input with more than
// two fractional digits is rejected rather than rounded.
func New(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.Exponent() < -Scale {
		// Trailing zeros are fine ("1.500"), real sub-cent precision is not.
		if !d.Equal(d.Round(Scale)) {
			return Money{}, fmt.Errorf("%w: %q", ErrPrecision, amount)
		}
	}
	return Money{amount: d.Round(Scale), currency: currency}, nil
}

// MustNew is New for constants in tests and wiring; panics on bad input.
func MustNew(amount string, currency Currency) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal wraps an existing decimal, rounding to two places.
func FromDecimal(d decimal.Decimal, currency Currency) Money {
	return Money{amount: d.Round(Scale), currency: currency}
}

// Zero returns 0.00 in the given currency.
func Zero(currency Currency) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

// Currency returns the currency code.
func (m Money) Currency() Currency { return m.currency }

// Decimal returns the underlying decimal amount.
func (m Money) Decimal() decimal.Decimal { return m.amount }

// Add returns m + other, rejecting cross-currency arithmetic.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Sub returns m - other, rejecting cross-currency arithmetic.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(other.amount), currency: m.currency}, nil
}

// MulRate multiplies by a dimensionless rate (interest, fee percentage),
// rounding the result to two places.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{amount: m.amount.Mul(rate).Round(Scale), currency: m.currency}
}

// Cmp compares two amounts: -1 if m < other, 0 if equal, +1 if m > other.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	return m.amount.Cmp(other.amount), nil
}

// LessThan reports m < other for same-currency amounts.
func (m Money) LessThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return c < 0, err
}

// Equal reports whether two values have the same currency and amount.
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

func (m Money) IsZero() bool     { return m.amount.IsZero() }
func (m Money) IsPositive() bool { return m.amount.IsPositive() }
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

// Neg returns the negated amount, used for reversal deltas.
func (m Money) Neg() Money {
	return Money{amount: m.amount.Neg(), currency: m.currency}
}

// MinorUnits returns the amount in minor units (cents) for gateways that
// bill in integers, e.g. 12.34 USD -> 1234.
func (m Money) MinorUnits() int64 {
	return m.amount.Shift(Scale).IntPart()
}

// String formats the amount with exactly two decimal places, no currency.
func (m Money) String() string {
	return m.amount.StringFixed(Scale)
}

func (m Money) sameCurrency(other Money) error {
	if m.currency != other.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return nil
}

type moneyJSON struct {
	Amount   string   `json:"amount"`
	Currency Currency `json:"currency"`
}

// MarshalJSON encodes as {"amount":"12.34","currency":"USD"}.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.String(), Currency: m.currency})
}

// UnmarshalJSON decodes the wire format, validating amount and currency.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cur, err := ParseCurrency(string(raw.Currency))
	if err != nil {
		return err
	}
	parsed, err := New(raw.Amount, cur)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
