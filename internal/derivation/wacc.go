package derivation

import "github.com/marketscan/scanner/internal/numerics"

const (
	defaultRiskFreeRate    = 0.045
	defaultTerminalGrowth  = 0.02
	emergingTerminalGrowth = 0.025
	equityRiskPremiumBase  = 0.055
	defaultTaxFloor        = 0.20

	betaMin = 0.2
	betaMax = 3.0

	sizePremiumSmallCap    = 0.02
	sizePremiumSmallCapCap = 1_000_000_000.0
	sizePremiumMidCap      = 0.01
	sizePremiumMidCapCap   = 5_000_000_000.0

	cashYieldMax = 0.02

	waccMin = 0.05
	waccMax = 0.18
)

// riskFreeByCurrency and terminalGrowthByCurrency are deliberately small;
// unlisted currencies use the fallback.
var riskFreeByCurrency = map[string]float64{
	"USD": 0.042, "EUR": 0.030, "GBP": 0.040, "JPY": 0.010, "CHF": 0.008,
}

var terminalGrowthByCurrency = map[string]float64{
	"USD": 0.02, "EUR": 0.018, "GBP": 0.018, "JPY": 0.01, "CHF": 0.01,
}

var emergingMarketCurrencies = map[string]bool{
	"BRL": true, "INR": true, "ZAR": true, "MXN": true, "IDR": true, "TRY": true,
}

var countryRiskPremium = map[string]float64{
	"US": 0, "DE": 0.002, "GB": 0.004, "JP": 0.003, "CH": 0,
	"BR": 0.030, "IN": 0.022, "ZA": 0.032, "MX": 0.020, "ID": 0.025, "TR": 0.045,
}

var taxFloorByCountry = map[string]float64{
	"US": 0.21, "DE": 0.30, "GB": 0.25, "JP": 0.30, "CH": 0.14,
	"BR": 0.34, "IN": 0.25, "ZA": 0.27, "MX": 0.30, "ID": 0.22, "TR": 0.23,
}

// resolveTerminalGrowth resolves terminal growth from the currency map:
// fallback 0.02, emerging markets 0.025.
func resolveTerminalGrowth(currency string) float64 {
	if emergingMarketCurrencies[currency] {
		return emergingTerminalGrowth
	}
	if g, ok := terminalGrowthByCurrency[currency]; ok {
		return g
	}
	return defaultTerminalGrowth
}

// waccInputs bundles the market observables the WACC formula needs.
type waccInputs struct {
	Currency   string
	Country    string
	Beta       float64
	MarketCap  float64
	Cash       float64
	CashYield  float64 // precomputed cash / marketCap, or 0 if unknown
}

// computeWACC combines risk-free rate, beta-scaled equity risk premium,
// size premium and cash yield, clamped to [0.05, 0.18].
func computeWACC(in waccInputs) float64 {
	riskFree := defaultRiskFreeRate
	if rf, ok := riskFreeByCurrency[in.Currency]; ok {
		riskFree = rf
	}

	erp := equityRiskPremiumBase + countryRiskPremium[in.Country]

	beta := numerics.Clamp(in.Beta, betaMin, betaMax)

	var sizePremium float64
	switch {
	case in.MarketCap > 0 && in.MarketCap < sizePremiumSmallCapCap:
		sizePremium = sizePremiumSmallCap
	case in.MarketCap > 0 && in.MarketCap < sizePremiumMidCapCap:
		sizePremium = sizePremiumMidCap
	}

	cashYield := numerics.Clamp(in.CashYield, 0, cashYieldMax)

	wacc := riskFree + beta*erp + sizePremium - cashYield
	return numerics.Clamp(wacc, waccMin, waccMax)
}

// resolveTaxFloor looks up the tax floor by country, then by currency,
// falling back to 0.20.
func resolveTaxFloor(country, currency string) float64 {
	if floor, ok := taxFloorByCountry[country]; ok {
		return floor
	}
	if floor, ok := taxFloorByCurrency(currency); ok {
		return floor
	}
	return defaultTaxFloor
}

func taxFloorByCurrency(currency string) (float64, bool) {
	// Currency-keyed fallback: USD, GBP, JPY and CHF carry the same floor as
	// their single-country entry; EUR carries its own euro-area value, which
	// is not taken from any one country in the country table.
	byCurrency := map[string]float64{
		"USD": 0.21, "EUR": 0.27, "GBP": 0.25, "JPY": 0.30, "CHF": 0.14,
	}
	v, ok := byCurrency[currency]
	return v, ok
}

func applyTaxFloor(effective, floor float64) float64 {
	if effective < floor {
		effective = floor
	}
	return numerics.Clamp(effective, 0.05, 0.40)
}
