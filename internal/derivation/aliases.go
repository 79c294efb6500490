package derivation

// Ranked alias lists for each semantic field the engine extracts from a raw
// vendor period. The lists cover the field-naming conventions of the common
// fundamentals vendors.
var (
	revenueAliases = []string{"revenue", "totalRevenue", "salesRevenueNet", "netSales"}
	ebitAliases    = []string{"ebit", "operatingIncome", "incomeFromOperations"}
	ebitdaAliases  = []string{"ebitda", "operatingIncomeBeforeDA"}

	capexAliases = []string{
		"capitalExpenditure", "capex", "purchasesOfPropertyPlantAndEquipment",
		"investmentsInPropertyPlantAndEquipment",
	}
	depreciationAmortizationAliases = []string{
		"depreciationAndAmortization", "da", "depreciationDepletionAndAmortization",
		"depreciationAmortizationDepletion",
	}

	currentAssetsAliases      = []string{"totalCurrentAssets", "currentAssets"}
	currentLiabilitiesAliases = []string{"totalCurrentLiabilities", "currentLiabilities"}
	ppeAliases                = []string{"propertyPlantAndEquipmentNet", "ppe", "netPPE", "propertyPlantEquipmentNet"}

	totalDebtAliases = []string{"totalDebt", "shortLongTermDebtTotal", "longTermDebtAndCapitalLeaseObligation"}
	cashAliases      = []string{"cashAndCashEquivalents", "cashAndShortTermInvestments", "cashAndEquivalents"}

	sharesDilutedAliases = []string{
		"weightedAverageDilutedSharesOutstanding", "dilutedSharesOutstanding", "dilutedAverageShares", "weightedAverageShsOutDil",
	}
	sharesBasicAliases = []string{
		"weightedAverageBasicSharesOutstanding", "basicSharesOutstanding", "commonSharesOutstanding", "weightedAverageShsOut",
	}

	taxAliases          = []string{"incomeTaxExpense", "provisionForIncomeTaxes", "taxProvision"}
	pretaxIncomeAliases = []string{"incomeBeforeTax", "pretaxIncome", "incomeBeforeIncomeTaxes"}

	minorityInterestAliases        = []string{"minorityInterest", "nonControllingInterest", "minorityInterestInConsolidatedEntities"}
	preferredEquityAliases         = []string{"preferredStockValue", "preferredEquity", "preferredStockRedeemable"}
	investmentsInAssociatesAliases = []string{"investmentsInAssociates", "equityMethodInvestments", "investmentInAffiliates"}
	totalEquityAliases             = []string{"totalStockholdersEquity", "totalEquity", "totalShareholderEquity"}
)

// firstMatch picks the first alias present in fields with a finite,
// non-zero value.
func firstMatch(fields map[string]float64, aliases []string) (float64, bool) {
	for _, alias := range aliases {
		if v, ok := fields[alias]; ok && isFiniteNonZero(v) {
			return v, true
		}
	}
	return 0, false
}

func isFiniteNonZero(v float64) bool {
	return v == v && v != 0 && v < 1e18 && v > -1e18 // NaN check via v==v
}
