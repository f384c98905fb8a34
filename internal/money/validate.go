package money

import (
	"errors"
	"fmt"
)

var ErrAmountOutOfRange = errors.New("money: amount out of range")

// Rule bounds the amounts a payment rail accepts. Max is optional; a
// zero Max means unbounded above.
type Rule struct {
	Min Money
	Max Money
}

// Rail rules. Wallet debits go down to a cent, credit authorizations
// start at one unit, gateways carry both a floor and a ceiling.
var (
	WalletRule = Rule{Min: MustNew("0.01", USD)}
	CreditRule = Rule{Min: MustNew("1.00", USD)}
	GatewayRule = Rule{
		Min: MustNew("0.50", USD),
		Max: MustNew("1000000.00", USD),
	}
)

// ForCurrency rebinds a rule's bounds to another currency. Bounds are
// per-rail numbers, not FX-adjusted values.
func (r Rule) ForCurrency(cur Currency) Rule {
	out := Rule{Min: FromDecimal(r.Min.amount, cur)}
	if !r.Max.IsZero() {
		out.Max = FromDecimal(r.Max.amount, cur)
	}
	return out
}

// ValidateAmount checks a payment amount against a rail rule. Amounts
// must be strictly positive and inside the rule's bounds.
func ValidateAmount(m Money, rule Rule) error {
	if !m.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, m.String())
	}
	bounds := rule.ForCurrency(m.currency)
	if below, _ := m.LessThan(bounds.Min); below {
		return fmt.Errorf("%w: %s below minimum %s", ErrAmountOutOfRange, m.String(), bounds.Min.String())
	}
	if !bounds.Max.IsZero() {
		if above, _ := bounds.Max.LessThan(m); above {
			return fmt.Errorf("%w: %s above maximum %s", ErrAmountOutOfRange, m.String(), bounds.Max.String())
		}
	}
	return nil
}
