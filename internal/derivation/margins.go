package derivation

import (
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/numerics"
)

const (
	trimFraction = 0.20

	operatingMarginMin = 0.05
	operatingMarginMax = 0.30
	ebitdaMarginMin    = 0.05
	ebitdaMarginMax    = 0.45
)

// deriveMargins computes operating and EBITDA margins: trimmed mean (20%) of
// per-period ratios in (0,1), clamped per-series, volatility = stddev of
// the kept ratios. An empty ratio series yields a null margin and marks
// UsingDefaultMargin.
func deriveMargins(revenue, ebit, ebitda []float64) domain.MarginsArtifact {
	operatingRatios := marginRatios(revenue, ebit)
	ebitdaRatios := marginRatios(revenue, ebitda)

	art := domain.MarginsArtifact{Series: operatingRatios}

	if len(operatingRatios) == 0 {
		art.UsingDefaultMargin = true
	} else {
		m := numerics.Clamp(numerics.TrimmedMean(operatingRatios, trimFraction), operatingMarginMin, operatingMarginMax)
		art.OperatingMargin = &m
		art.OperatingVolatility = numerics.StandardDeviation(operatingRatios)
	}

	if len(ebitdaRatios) == 0 {
		art.UsingDefaultMargin = true
	} else {
		m := numerics.Clamp(numerics.TrimmedMean(ebitdaRatios, trimFraction), ebitdaMarginMin, ebitdaMarginMax)
		art.EBITDAMargin = &m
		art.EBITDAVolatility = numerics.StandardDeviation(ebitdaRatios)
	}

	return art
}

// marginRatios computes num/revenue per period, keeping only ratios that
// land in the open interval (0,1).
func marginRatios(revenue, num []float64) []float64 {
	n := len(revenue)
	if len(num) < n {
		n = len(num)
	}
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if !numerics.IsPositive(revenue[i]) {
			continue
		}
		ratio := num[i] / revenue[i]
		if ratio > 0 && ratio < 1 {
			out = append(out, ratio)
		}
	}
	return out
}
