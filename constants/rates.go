package constants

// OfficialRates holds the published withholding rates across all regimes.
// A document's derived rate (withheld / total) is expected to land on one of
// these, within RateTolerance. Rates at or under ExemptRateCeiling are the
// exempt case and are always accepted.
var OfficialRates = []float64{
	0.005,
	0.01,
	0.02,
	0.03,
	0.035,
	0.06,
	0.105,
	0.21,
	0.28,
}

const (
	// RateTolerance absorbs rounding on small amounts.
	RateTolerance = 0.0025

	// ExemptRateCeiling: derived rates at or below this are treated as exempt.
	ExemptRateCeiling = 0.001
)

// NearOfficialRate reports whether rate matches any published rate within tolerance.
func NearOfficialRate(rate float64) bool {
	if rate <= ExemptRateCeiling {
		return true
	}
	for _, r := range OfficialRates {
		if rate >= r-RateTolerance && rate <= r+RateTolerance {
			return true
		}
	}
	return false
}
