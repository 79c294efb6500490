package derivation

import (
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/numerics"
)

const (
	defaultRevenueGrowth = 0.05
	revenueCAGRMin       = -0.20
	revenueCAGRMax       = 0.25
	maxCAGRWindowYears   = 5
)

// deriveGrowth computes the revenue CAGR artifact: geometric mean of consecutive growth factors over the last <=5
// years, minus 1, clamped to [-0.2, 0.25]. Fewer than 2 revenue periods
// falls back to the default and marks UsingDefaultRevenueGrowth.
func deriveGrowth(revenue []float64) domain.GrowthArtifact {
	if len(revenue) < 2 {
		return domain.GrowthArtifact{CAGR: defaultRevenueGrowth, UsingDefaultRevenueGrowth: true}
	}

	window := revenue
	if len(window) > maxCAGRWindowYears+1 {
		window = window[len(window)-(maxCAGRWindowYears+1):]
	}

	growthFactors := make([]float64, 0, len(window)-1)
	periodGrowthRates := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prev, next := window[i-1], window[i]
		if !numerics.IsPositive(prev) || !numerics.IsPositive(next) {
			continue
		}
		factor := next / prev
		growthFactors = append(growthFactors, factor)
		periodGrowthRates = append(periodGrowthRates, factor-1)
	}
	if len(growthFactors) == 0 {
		return domain.GrowthArtifact{CAGR: defaultRevenueGrowth, UsingDefaultRevenueGrowth: true}
	}

	cagr := numerics.GeometricMean(growthFactors) - 1
	cagr = numerics.Clamp(cagr, revenueCAGRMin, revenueCAGRMax)

	return domain.GrowthArtifact{
		CAGR:              cagr,
		PeriodGrowthRates: periodGrowthRates,
		Volatility:        numerics.StandardDeviation(periodGrowthRates),
	}
}
