package derivation

import (
	"math"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/numerics"
)

const (
	defaultSalesToCapital = 2.5
	salesToCapitalMin     = 1.0
	salesToCapitalMax     = 8.0
	salesToCapitalRatioLo = 0.0
	salesToCapitalRatioHi = 20.0
	reinvestmentDeviationFlagThreshold = 0.25
)

// deriveReinvestment computes the sales-to-capital artifact. revenue/capex/daAbs/workingCapital/investedCapital
// are parallel per-period series, oldest first; capex must already be
// sign-normalized to a positive outflow (see inferCapexSign).
func deriveReinvestment(revenue, capex, daAbs, workingCapital, investedCapital []float64) domain.ReinvestmentArtifact {
	n := len(revenue)
	var ratios []float64
	type observation struct {
		deltaRevenue    float64
		reinvestment    float64
		investedCapital float64
	}
	var observations []observation

	for i := 1; i < n; i++ {
		deltaRevenue := revenue[i] - revenue[i-1]
		if deltaRevenue <= 0 {
			continue
		}
		deltaWorkingCapital := workingCapital[i] - workingCapital[i-1]
		reinvestment := math.Max(0, capex[i]-daAbs[i]+math.Max(0, deltaWorkingCapital))
		if reinvestment <= 0 {
			continue
		}
		ratio := deltaRevenue / reinvestment
		if ratio > salesToCapitalRatioLo && ratio < salesToCapitalRatioHi {
			ratios = append(ratios, ratio)
		}
		observations = append(observations, observation{deltaRevenue, reinvestment, investedCapital[i]})
	}

	if len(ratios) == 0 {
		return domain.ReinvestmentArtifact{
			SalesToCapital:             defaultSalesToCapital,
			UsingDefaultSalesToCapital: true,
			Flagged:                    true,
		}
	}

	salesToCapital := numerics.Clamp(numerics.Mean(ratios), salesToCapitalMin, salesToCapitalMax)

	// Deviation compares each period's actual reinvestment against what the
	// fitted salesToCapital ratio implies it should have been, scaled by
	// invested capital so the metric is comparable across companies.
	var deviations []float64
	for _, obs := range observations {
		if obs.investedCapital <= 0 {
			continue
		}
		impliedReinvestment := obs.deltaRevenue / salesToCapital
		deviations = append(deviations, math.Abs(obs.reinvestment-impliedReinvestment)/obs.investedCapital)
	}
	meanDeviation := numerics.Mean(deviations)

	return domain.ReinvestmentArtifact{
		SalesToCapital: salesToCapital,
		Deviation:      meanDeviation,
		Flagged:        meanDeviation > reinvestmentDeviationFlagThreshold,
	}
}
