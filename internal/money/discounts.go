package money

// ApplyPercentageDiscount applies a percentage discount (0-100) to the
// amount and returns the discounted amount. The discount is computed in
// basis points on int64 cents with half-up rounding; out-of-range
// percentages leave the amount unchanged.
func (a Amount) ApplyPercentageDiscount(percent float64) Amount {
	if percent <= 0 || percent > 100 {
		return a
	}
	if percent == 100 {
		return Zero
	}

	// remaining share in basis points, e.g. 10% off -> 9000 bp
	basisPoints := int64((100 - percent) * 100)
	cents := int64(a)

	// half-up rounding on the division by 10_000
	result := (cents*basisPoints + 5000) / 10000
	return Amount(result)
}

// ApplyFixedDiscount subtracts a fixed EUR discount, flooring at zero.
func (a Amount) ApplyFixedDiscount(discount Amount) Amount {
	if discount <= 0 {
		return a
	}
	result := a - discount
	if result < 0 {
		return Zero
	}
	return result
}
