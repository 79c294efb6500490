package derivation

import (
	"math"

	"github.com/marketscan/scanner/internal/domain"
)

const dataQualityRejectThreshold = 0.7

// computeControls folds the six boolean default/fallback flags into the
// data-quality score: score = 1 - defaults/6.
func computeControls(defaultRevenueGrowth, defaultMargin, defaultSalesToCapital, defaultTax, fallbackShares, fewerThanThreePeriods bool, reinvestmentFlagged bool) domain.Controls {
	flags := map[string]bool{
		"defaultRevenueGrowth": defaultRevenueGrowth,
		"defaultMargin":        defaultMargin,
		"defaultSalesToCapital": defaultSalesToCapital,
		"defaultTax":           defaultTax,
		"fallbackShares":       fallbackShares,
		"fewerThanThreePeriods": fewerThanThreePeriods,
	}
	var defaults int
	for _, v := range flags {
		if v {
			defaults++
		}
	}
	return domain.Controls{
		DataQualityFlags:      flags,
		DataQualityScore:      1 - float64(defaults)/6,
		ReinvestmentFlagged:   reinvestmentFlagged,
		FewerThanThreePeriods: fewerThanThreePeriods,
	}
}

// rejection evaluates the quality gates in a fixed order; the first gate
// tripped wins. ok=false means the caller
// should return the N/A valuation carried in the second return value.
func rejection(symbol string, artifact domain.DerivationArtifact, revenueTTM, sharesDiluted, price float64, projectedFCF []float64, horizon int, anyReinvestmentExceedsNOPAT bool) (domain.Valuation, bool) {
	na := func(code domain.ReasonCode, inputs map[string]any) (domain.Valuation, bool) {
		return domain.Valuation{
			Symbol:       symbol,
			Quality:      "N/A",
			ReasonCode:   code,
			ReasonInputs: inputs,
		}, false
	}

	if artifact.Controls.DataQualityScore < dataQualityRejectThreshold {
		return na(domain.ReasonMissingData, map[string]any{"dataQualityScore": artifact.Controls.DataQualityScore})
	}
	if revenueTTM <= 0 {
		return na(domain.ReasonMissingData, map[string]any{"revenueTTM": revenueTTM})
	}
	if sharesDiluted <= 0 || price <= 0 {
		return na(domain.ReasonMissingData, map[string]any{"sharesDiluted": sharesDiluted, "price": price})
	}
	if artifact.Controls.ReinvestmentFlagged {
		return na(domain.ReasonNegativeFCF, map[string]any{"reinvestmentDeviation": artifact.Reinvestment.Deviation})
	}

	negativeYears := 0
	for _, fcf := range projectedFCF {
		if fcf <= 0 {
			negativeYears++
		}
	}
	if negativeYears >= int(math.Ceil(float64(horizon)/2)) {
		return na(domain.ReasonNegativeFCF, map[string]any{"negativeYears": negativeYears, "horizon": horizon})
	}
	operatingMargin := 0.0
	if artifact.Margins.OperatingMargin != nil {
		operatingMargin = *artifact.Margins.OperatingMargin
	}
	if operatingMargin < 0.07 || artifact.Reinvestment.SalesToCapital < 0.5 {
		return na(domain.ReasonNegativeFCF, map[string]any{
			"operatingMargin": operatingMargin,
			"salesToCapital":  artifact.Reinvestment.SalesToCapital,
		})
	}
	if anyReinvestmentExceedsNOPAT {
		return na(domain.ReasonNegativeFCF, map[string]any{"reinvestmentExceedsNOPAT": true})
	}

	for i, fcf := range projectedFCF {
		if i > 0 {
			prev := projectedFCF[i-1]
			if math.Abs(prev) > 1e-6 {
				ratio := fcf / prev
				if ratio < 0.5 || ratio > 2.0 {
					return na(domain.ReasonVolatileGrowth, map[string]any{
						"yearIndex": i, "ratio": ratio,
					})
				}
			}
		}
	}

	return domain.Valuation{}, true
}

// reinvestmentExceedsNOPAT is a small helper named for readability at call
// sites in dcf.go.
func reinvestmentExceedsNOPAT(reinvestment, nopat float64) bool {
	return reinvestment > nopat
}
