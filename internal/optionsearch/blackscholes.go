package optionsearch

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

var standardNormal = distuv.Normal{Mu: 0, Sigma: 1}

// delta computes the Black-Scholes delta of a European option. Call delta
// is Φ(d1); put delta is Φ(d1) − 1. r is the risk-free rate (annualized);
// q is the dividend yield (0 for index options in this system).
func delta(spot, strike, r, q, iv, t float64, kind types.OptionKind) float64 {
	if t <= 0 || iv <= 0 || spot <= 0 || strike <= 0 {
		return 0
	}
	d1 := (math.Log(spot/strike) + (r-q+0.5*iv*iv)*t) / (iv * math.Sqrt(t))
	callDelta := math.Exp(-q*t) * standardNormal.CDF(d1)
	if kind == types.OptionKindCall {
		return callDelta
	}
	return callDelta - math.Exp(-q*t)
}

// yearsToExpiry converts a duration to the Black-Scholes annualization
// convention (calendar-day fraction of a 365-day year), floored above zero
// so an option expiring later today still has a sliver of time value
// rather than a degenerate zero denominator.
func yearsToExpiry(hours float64) float64 {
	t := hours / (24 * 365)
	if t < 1.0/365/24 {
		return 1.0 / 365 / 24
	}
	return t
}
