// Package money wraps the decimal arithmetic every ledger component relies on.
// All monetary comparison goes through these helpers so that rounding and
// tolerance rules live in exactly one place.
package money

import "github.com/shopspring/decimal"

// OneCent is the smallest unit the ledger accounts for.
var OneCent = decimal.New(1, -2)

// Round2 rounds to the cent, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// WithinOneCent reports whether two amounts agree to the smallest currency
// unit. Used as the re-allocation guard and the reconciliation drift check.
func WithinOneCent(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(OneCent)
}

// Covers reports whether paid fully covers owed, strict to the cent. An
// amount one cent short is not covered; the rounding tolerance belongs to
// WithinOneCent and its callers only.
func Covers(paid, owed decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(owed)
}

// ClampZero floors an amount at zero. Outstanding balances never go negative
// even when payments overshoot.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Min returns the smaller of two amounts.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
