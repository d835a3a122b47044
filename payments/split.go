// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package payments

import (
	"github.com/shopspring/decimal"
)

// ComputeSplit divides a gross amount in minor currency units between creator
// and platform. The platform share is rounded half-up and the creator share is
// derived by subtraction, so the two shares always sum to the gross amount and
// any integer remainder lands on the platform side.
//
// The function is pure: identical input yields identical output.
func ComputeSplit(grossAmount int64, ratio Ratio) (Split, error) {
	if grossAmount < 0 {
		return Split{}, ErrInvalidAmount.New("gross amount %d is negative", grossAmount)
	}
	if !ratio.Valid() {
		return Split{}, ErrInvalidAmount.New("creator ratio %d/%d is not a fraction in (0, 1]", ratio.Numerator, ratio.Denominator)
	}

	gross := decimal.NewFromInt(grossAmount)
	platformRatio := decimal.NewFromInt(1).Sub(ratio.Decimal())

	// decimal.Round is round-half-away-from-zero, which for non-negative
	// amounts is exactly round-half-up.
	platformShare := gross.Mul(platformRatio).Round(0).IntPart()
	creatorShare := grossAmount - platformShare

	return Split{
		GrossAmount:   grossAmount,
		CreatorShare:  creatorShare,
		PlatformShare: platformShare,
		Ratio:         ratio,
	}, nil
}
