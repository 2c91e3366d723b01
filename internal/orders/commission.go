package orders

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Split divides a line amount into platform commission and seller payout.
// rate is a percentage. The commission is rounded half-up to cents and the
// seller receives the exact remainder, so the two parts always sum to amount.
func Split(amount, rate decimal.Decimal) (commission, seller decimal.Decimal) {
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	if rate.GreaterThan(hundred) {
		rate = hundred
	}
	commission = amount.Mul(rate).Div(hundred).Round(2)
	seller = amount.Sub(commission)
	return commission, seller
}
