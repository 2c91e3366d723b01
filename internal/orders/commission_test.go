package orders

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSplitSumsExactly(t *testing.T) {
	amounts := []string{"0.01", "0.99", "1", "9.99", "33.33", "50000", "12345.67"}
	rates := []string{"0", "2.5", "5", "7.25", "12.5", "33.33", "100"}
	for _, a := range amounts {
		for _, r := range rates {
			amount := decimal.RequireFromString(a)
			commission, seller := Split(amount, decimal.RequireFromString(r))
			if !commission.Add(seller).Equal(amount) {
				t.Fatalf("split(%s, %s) leaked: %s + %s", a, r, commission, seller)
			}
			if commission.Exponent() < -2 {
				t.Fatalf("commission %s not rounded to cents", commission)
			}
			if commission.IsNegative() || seller.IsNegative() {
				t.Fatalf("split(%s, %s) produced negative part", a, r)
			}
		}
	}
}

func TestSplitDefaultRate(t *testing.T) {
	commission, seller := Split(decimal.NewFromInt(50000), decimal.NewFromInt(5))
	if !commission.Equal(decimal.NewFromInt(2500)) || !seller.Equal(decimal.NewFromInt(47500)) {
		t.Fatalf("unexpected split %s / %s", commission, seller)
	}
}

func TestSplitClampsRate(t *testing.T) {
	commission, seller := Split(decimal.NewFromInt(10), decimal.NewFromInt(-3))
	if !commission.IsZero() || !seller.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("negative rate not clamped: %s / %s", commission, seller)
	}
	commission, seller = Split(decimal.NewFromInt(10), decimal.NewFromInt(150))
	if !commission.Equal(decimal.NewFromInt(10)) || !seller.IsZero() {
		t.Fatalf("rate above 100 not clamped: %s / %s", commission, seller)
	}
}
