package derivation

import "github.com/marketscan/scanner/internal/domain"

// deriveStructure computes the balance-sheet-derived quantities from the
// most recent period's extracted values, plus
// the per-period working-capital and invested-capital series the
// reinvestment derivation needs.
func deriveStructure(periods []FundamentalsPeriod) (domain.StructureArtifact, []float64, []float64) {
	n := len(periods)
	workingCapital := make([]float64, n)
	investedCapital := make([]float64, n)

	currentAssets := extractSeries(periods, currentAssetsAliases)
	currentLiabilities := extractSeries(periods, currentLiabilitiesAliases)
	totalDebt := extractSeries(periods, totalDebtAliases)
	cash := extractSeries(periods, cashAliases)
	totalEquity := extractSeries(periods, totalEquityAliases)

	for i := 0; i < n; i++ {
		workingCapital[i] = currentAssets.values[i] - currentLiabilities.values[i]
		investedCapital[i] = (totalDebt.values[i] - cash.values[i]) + totalEquity.values[i]
	}

	var art domain.StructureArtifact
	if n > 0 {
		last := n - 1
		art.NetDebt = totalDebt.values[last] - cash.values[last]
		art.WorkingCapital = workingCapital[last]
		art.InvestedCapital = investedCapital[last]

		ppe := extractSeries(periods, ppeAliases)
		art.PPE = ppe.values[last]

		minority := extractSeries(periods, minorityInterestAliases)
		art.MinorityInterest = minority.values[last]

		preferred := extractSeries(periods, preferredEquityAliases)
		art.PreferredEquity = preferred.values[last]

		associates := extractSeries(periods, investmentsInAssociatesAliases)
		art.InvestmentsInAssociates = associates.values[last]

		diluted := extractSeries(periods, sharesDilutedAliases)
		basic := extractSeries(periods, sharesBasicAliases)
		if diluted.found[last] {
			art.SharesDiluted = diluted.values[last]
			art.SharesProvenance = domain.SharesFromDiluted
		} else if basic.found[last] {
			art.SharesDiluted = basic.values[last]
			art.SharesProvenance = domain.SharesFromBasic
			art.UsingFallbackShares = true
		}
		art.SharesBasic = basic.values[last]
	}

	return art, workingCapital, investedCapital
}
