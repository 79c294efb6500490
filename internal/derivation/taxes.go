package derivation

import (
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/numerics"
)

const (
	defaultTaxRate = 0.25
	taxRateMin     = 0.15
	taxRateMax     = 0.35
	taxRatioHi     = 0.60
)

// deriveTaxes computes the effective tax rate artifact: per-period tax/pre-tax-income kept in (0, 0.6],
// trimmed mean (20%) clamped to [0.15, 0.35]. An empty series defaults to
// 0.25 and marks UsingDefaultTaxRate.
func deriveTaxes(tax, pretaxIncome []float64) domain.TaxesArtifact {
	n := len(tax)
	if len(pretaxIncome) < n {
		n = len(pretaxIncome)
	}
	var ratios []float64
	for i := 0; i < n; i++ {
		if !numerics.IsPositive(pretaxIncome[i]) {
			continue
		}
		ratio := tax[i] / pretaxIncome[i]
		if ratio > 0 && ratio <= taxRatioHi {
			ratios = append(ratios, ratio)
		}
	}
	if len(ratios) == 0 {
		return domain.TaxesArtifact{EffectiveRate: defaultTaxRate, UsingDefaultTaxRate: true}
	}
	rate := numerics.Clamp(numerics.TrimmedMean(ratios, trimFraction), taxRateMin, taxRateMax)
	return domain.TaxesArtifact{EffectiveRate: rate}
}
