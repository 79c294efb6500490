package derivation

import (
	"math"

	"github.com/marketscan/scanner/internal/numerics"
)

const (
	defaultHorizon        = 5
	startingGrowthMin     = -0.2
	startingGrowthMax     = 0.3 * 0.8 // 0.24
	reinvestmentFCFClamp  = 0.9

	fairValueMin = 0
	fairValueMax = 50000
	upsideMin    = -1
	upsideMax    = 5
)

// yearProjection is one year of the DCF projection.
type yearProjection struct {
	Revenue             float64
	EBIT                float64
	NOPAT               float64
	Reinvestment        float64
	FCF                 float64
	ReinvestmentClamped bool
}

// dcfInputs bundles everything the projection needs beyond the derivation
// artifact itself.
type dcfInputs struct {
	StartingRevenue float64
	RevenueCAGR     float64
	OperatingMargin float64
	TaxRate         float64
	SalesToCapital  float64
	TerminalGrowth  float64
	WACC            float64
	Horizon         int

	NetDebt                 float64
	MinorityInterest        float64
	PreferredEquity         float64
	InvestmentsInAssociates float64
	SharesDiluted           float64
}

// projectYears runs the per-year projection: starting growth glides
// linearly to terminal growth over the horizon.
func projectYears(in dcfInputs) []yearProjection {
	horizon := in.Horizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	startingGrowth := numerics.Clamp(in.RevenueCAGR*0.8, startingGrowthMin, startingGrowthMax)

	years := make([]yearProjection, horizon)
	revenue := in.StartingRevenue
	for t := 0; t < horizon; t++ {
		frac := float64(t) / float64(maxInt(horizon-1, 1))
		g := startingGrowth + (in.TerminalGrowth-startingGrowth)*frac

		prevRevenue := revenue
		revenue = revenue * (1 + g)
		ebit := revenue * in.OperatingMargin
		nopat := ebit * (1 - in.TaxRate)
		reinvestment := math.Max(0, (revenue-prevRevenue)/in.SalesToCapital)

		fcf := nopat - reinvestment
		clamped := reinvestmentExceedsNOPAT(reinvestment, nopat)
		if clamped {
			fcf = reinvestmentFCFClamp * nopat
		}

		years[t] = yearProjection{
			Revenue:             revenue,
			EBIT:                ebit,
			NOPAT:               nopat,
			Reinvestment:        reinvestment,
			FCF:                 fcf,
			ReinvestmentClamped: clamped,
		}
	}
	return years
}

// dcfResult is the present-value bundle of one DCF run.
type dcfResult struct {
	EnterpriseValue float64
	EquityValue     float64
	PerShare        float64
}

// discountAndValue applies iterative discount factors, sums PV(FCF) and
// PV(TV), then bridges enterprise value to equity per share.
func discountAndValue(years []yearProjection, wacc, terminalGrowth, netDebt, minorityInterest, preferredEquity, investmentsInAssociates, sharesDiluted float64) dcfResult {
	var pvFCF float64
	factor := 1.0
	for _, y := range years {
		factor = factor / (1 + wacc)
		pvFCF += y.FCF * factor
	}

	last := years[len(years)-1]
	var terminalValue float64
	if wacc > terminalGrowth {
		terminalValue = last.FCF * (1 + terminalGrowth) / (wacc - terminalGrowth)
	}
	pvTerminal := terminalValue * factor

	enterpriseValue := pvFCF + pvTerminal
	equityValue := enterpriseValue - netDebt - minorityInterest - preferredEquity + investmentsInAssociates
	perShare := equityValue / math.Max(sharesDiluted, 1)

	return dcfResult{
		EnterpriseValue: enterpriseValue,
		EquityValue:     equityValue,
		PerShare:        perShare,
	}
}

func clampFairValue(v float64) float64 {
	return numerics.Clamp(v, fairValueMin, fairValueMax)
}

func clampUpside(v float64) float64 {
	return numerics.Clamp(v, upsideMin, upsideMax)
}

// sensitivityGrid runs a 3x3 grid over wacc and terminal growth offsets,
// skipping cells where wacc <= terminalGrowth, and reports the min/max
// clamped per-share values observed.
func sensitivityGrid(in dcfInputs, baseWACC, baseTerminalGrowth float64) (low, high float64, any bool) {
	waccOffsets := []float64{-0.01, 0, 0.01}
	growthOffsets := []float64{-0.005, 0, 0.005}

	for _, dw := range waccOffsets {
		for _, dg := range growthOffsets {
			wacc := baseWACC + dw
			terminalGrowth := baseTerminalGrowth + dg
			if wacc <= terminalGrowth {
				continue
			}
			cellIn := in
			cellIn.TerminalGrowth = terminalGrowth
			years := projectYears(cellIn)
			result := discountAndValue(years, wacc, terminalGrowth, in.NetDebt, in.MinorityInterest, in.PreferredEquity, in.InvestmentsInAssociates, in.SharesDiluted)
			perShare := clampFairValue(result.PerShare)

			if !any {
				low, high = perShare, perShare
				any = true
				continue
			}
			if perShare < low {
				low = perShare
			}
			if perShare > high {
				high = perShare
			}
		}
	}
	return low, high, any
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
