// Package money holds integer minor-unit arithmetic for billing and splits.
package money

import (
	"fmt"
	"math"
	"math/bits"
	"time"

	"liveconsult-backend/pkg/constants"
)

// Cents is an amount in minor currency units.
type Cents = int64

// ChargeFor returns floor(ratePerMinute * billed / 1m). The sub-minute part is
// computed in 128 bits and a result past MaxInt64 saturates, so a charge is
// never negative. Negative inputs yield 0.
func ChargeFor(ratePerMinute Cents, billed time.Duration) Cents {
	if ratePerMinute <= 0 || billed <= 0 {
		return 0
	}
	whole := int64(billed / time.Minute)
	rem := uint64(billed % time.Minute)

	// hi < 1m always holds because rem < 1m, so Div64 cannot panic
	hi, lo := bits.Mul64(uint64(ratePerMinute), rem)
	part, _ := bits.Div64(hi, lo, uint64(time.Minute))

	if whole > math.MaxInt64/ratePerMinute {
		return math.MaxInt64
	}
	full := ratePerMinute * whole
	if int64(part) > math.MaxInt64-full {
		return math.MaxInt64
	}
	return full + int64(part)
}

// Split divides gross between provider and platform. The provider share is
// rounded down so the platform absorbs the remainder and the two always sum to gross.
func Split(gross Cents, providerBps int64) (provider, platform Cents) {
	if gross <= 0 {
		return 0, 0
	}
	if providerBps < 0 {
		providerBps = 0
	}
	if providerBps > constants.BasisPointsDenominator {
		providerBps = constants.BasisPointsDenominator
	}
	provider = gross / constants.BasisPointsDenominator * providerBps
	provider += gross % constants.BasisPointsDenominator * providerBps / constants.BasisPointsDenominator
	return provider, gross - provider
}

// ProviderBps converts a platform fee into the provider's share.
func ProviderBps(platformFeeBps int64) int64 {
	return constants.BasisPointsDenominator - platformFeeBps
}

// Format renders cents as a decimal string, e.g. 1234 -> "12.34".
func Format(c Cents) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
