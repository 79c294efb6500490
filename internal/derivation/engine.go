package derivation

import (
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/numerics"
)

// Inputs is everything the engine needs to derive and value one symbol:
// the ordered period snapshots plus the market price and currency/country
// hints.
type Inputs struct {
	Symbol string
	// Periods must be ordered oldest-first.
	Periods []FundamentalsPeriod

	Price     float64
	Currency  string
	Country   string
	Beta      float64
	MarketCap float64
	Cash      float64

	Horizon int // 0 uses defaultHorizon
}

// Derive computes the DerivationArtifact and, unless a quality gate rejects
// the symbol, a Valuation.
func Derive(in Inputs) (domain.DerivationArtifact, domain.Valuation) {
	periods := in.Periods
	horizon := in.Horizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}

	revenue := extractSeries(periods, revenueAliases)
	ebit := extractSeries(periods, ebitAliases)
	ebitda := extractSeries(periods, ebitdaAliases)
	capexRaw := extractSeries(periods, capexAliases)
	da := extractSeries(periods, depreciationAmortizationAliases)
	tax := extractSeries(periods, taxAliases)
	pretaxIncome := extractSeries(periods, pretaxIncomeAliases)

	capex, mixedCapexSign := inferCapexSign(capexRaw)
	daAbs := make([]float64, len(da.values))
	for i, v := range da.values {
		daAbs[i] = absFloat(v)
	}

	structureArt, workingCapital, investedCapital := deriveStructure(periods)

	growthArt := deriveGrowth(revenue.foundValues())
	marginsArt := deriveMargins(revenue.values, ebit.values, ebitda.values)
	reinvestmentArt := deriveReinvestment(revenue.values, capex.values, daAbs, workingCapital, investedCapital)
	taxesArt := deriveTaxes(tax.values, pretaxIncome.values)

	ebitTTMSeries := make([]numerics.DatedValue, len(periods))
	revenueTTMSeries := make([]numerics.DatedValue, len(periods))
	for i, p := range periods {
		ebitTTMSeries[i] = numerics.DatedValue{Date: p.Date, Value: ebit.values[i], Valid: ebit.found[i]}
		revenueTTMSeries[i] = numerics.DatedValue{Date: p.Date, Value: revenue.values[i], Valid: revenue.found[i]}
	}
	ebitTTM, _ := numerics.TTM(ebitTTMSeries)
	revenueTTM, _ := numerics.TTM(revenueTTMSeries)

	profitabilityArt := deriveProfitability(ebitTTM, taxesArt.EffectiveRate, structureArt.InvestedCapital)

	volatility := growthArt.Volatility

	fewerThanThreePeriods := len(periods) < 3
	controls := computeControls(
		growthArt.UsingDefaultRevenueGrowth,
		marginsArt.UsingDefaultMargin,
		reinvestmentArt.UsingDefaultSalesToCapital,
		taxesArt.UsingDefaultTaxRate,
		structureArt.UsingFallbackShares,
		fewerThanThreePeriods,
		reinvestmentArt.Flagged,
	)

	artifact := domain.DerivationArtifact{
		Symbol:        in.Symbol,
		Growth:        growthArt,
		Margins:       marginsArt,
		Reinvestment:  reinvestmentArt,
		Taxes:         taxesArt,
		Structure:     structureArt,
		Profitability: profitabilityArt,
		Volatility:    volatility,
		Controls:      controls,
	}
	_ = mixedCapexSign // recorded ambiguity only; see inferCapexSign doc comment

	operatingMargin := 0.0
	if marginsArt.OperatingMargin != nil {
		operatingMargin = *marginsArt.OperatingMargin
	}

	terminalGrowth := resolveTerminalGrowth(in.Currency)
	cashYield := numerics.SafeDivide(in.Cash, in.MarketCap, 0)
	wacc := computeWACC(waccInputs{
		Currency:  in.Currency,
		Country:   in.Country,
		Beta:      in.Beta,
		MarketCap: in.MarketCap,
		Cash:      in.Cash,
		CashYield: cashYield,
	})
	taxRate := applyTaxFloor(taxesArt.EffectiveRate, resolveTaxFloor(in.Country, in.Currency))

	dcfIn := dcfInputs{
		StartingRevenue: revenueTTM,
		RevenueCAGR:     growthArt.CAGR,
		OperatingMargin: operatingMargin,
		TaxRate:         taxRate,
		SalesToCapital:  reinvestmentArt.SalesToCapital,
		TerminalGrowth:  terminalGrowth,
		WACC:            wacc,
		Horizon:         horizon,

		NetDebt:                 structureArt.NetDebt,
		MinorityInterest:        structureArt.MinorityInterest,
		PreferredEquity:         structureArt.PreferredEquity,
		InvestmentsInAssociates: structureArt.InvestmentsInAssociates,
		SharesDiluted:           structureArt.SharesDiluted,
	}

	years := projectYears(dcfIn)
	projectedFCF := make([]float64, len(years))
	anyReinvestmentExceedsNOPAT := false
	for i, y := range years {
		projectedFCF[i] = y.FCF
		if y.ReinvestmentClamped {
			anyReinvestmentExceedsNOPAT = true
		}
	}

	if valuation, ok := rejection(in.Symbol, artifact, revenueTTM, structureArt.SharesDiluted, in.Price, projectedFCF, horizon, anyReinvestmentExceedsNOPAT); !ok {
		return artifact, valuation
	}

	result := discountAndValue(years, wacc, terminalGrowth, structureArt.NetDebt, structureArt.MinorityInterest, structureArt.PreferredEquity, structureArt.InvestmentsInAssociates, structureArt.SharesDiluted)
	fairValue := clampFairValue(result.PerShare)
	upside := clampUpside(numerics.SafeDivide(fairValue-in.Price, in.Price, 0))

	low, high, any := sensitivityGrid(dcfIn, wacc, terminalGrowth)

	valuation := domain.Valuation{
		Symbol:            in.Symbol,
		Quality:           "ok",
		FairValuePerShare: &fairValue,
		Upside:            &upside,
		WACC:              wacc,
	}
	if any {
		valuation.SensitivityLow = &low
		valuation.SensitivityHigh = &high
	}

	return artifact, valuation
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
