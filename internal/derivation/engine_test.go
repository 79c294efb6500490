package derivation

import (
	"testing"
	"time"
)

func syntheticPeriods(n int, startRevenue, growth float64) []FundamentalsPeriod {
	periods := make([]FundamentalsPeriod, n)
	revenue := startRevenue
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if i > 0 {
			revenue *= 1 + growth
		}
		ebit := revenue * 0.18
		ebitda := revenue * 0.25
		capex := revenue * 0.06
		da := revenue * 0.05
		tax := ebit * 0.25
		pretax := ebit
		periods[i] = FundamentalsPeriod{
			Date: base.AddDate(i, 0, 0),
			Fields: map[string]float64{
				"totalRevenue":         revenue,
				"ebit":                 ebit,
				"ebitda":               ebitda,
				"capitalExpenditure":   -capex, // reported as a cash outflow
				"depreciationAndAmortization": da,
				"totalCurrentAssets":   revenue * 0.4,
				"totalCurrentLiabilities": revenue * 0.2,
				"totalDebt":            revenue * 0.3,
				"cashAndCashEquivalents": revenue * 0.15,
				"totalStockholdersEquity": revenue * 0.5,
				"dilutedAverageShares": 100.0,
				"incomeTaxExpense":     tax,
				"incomeBeforeTax":      pretax,
			},
		}
	}
	return periods
}

func TestDerive_HealthyCompanyProducesOKValuation(t *testing.T) {
	in := Inputs{
		Symbol:    "ACME",
		Periods:   syntheticPeriods(6, 1000, 0.12),
		Price:     40,
		Currency:  "USD",
		Country:   "US",
		Beta:      1.1,
		MarketCap: 8_000_000_000,
		Cash:      150_000_000,
	}
	artifact, valuation := Derive(in)

	if artifact.Controls.DataQualityScore <= 0 {
		t.Errorf("expected a positive data quality score, got %v", artifact.Controls.DataQualityScore)
	}
	if valuation.Quality != "ok" {
		t.Fatalf("expected ok valuation, got quality=%v reasonCode=%v reasonInputs=%v", valuation.Quality, valuation.ReasonCode, valuation.ReasonInputs)
	}
	if valuation.FairValuePerShare == nil {
		t.Fatal("expected a non-nil fair value per share")
	}
	if *valuation.FairValuePerShare < 0 {
		t.Errorf("fair value per share should not be negative, got %v", *valuation.FairValuePerShare)
	}
}

func TestDerive_SinglePeriodRejectsAsMissingData(t *testing.T) {
	in := Inputs{
		Symbol:  "THIN",
		Periods: syntheticPeriods(1, 1000, 0),
		Price:   10,
	}
	_, valuation := Derive(in)
	if valuation.Quality != "N/A" {
		t.Fatalf("expected N/A valuation for a single period, got quality=%v", valuation.Quality)
	}
}

func TestDerive_ZeroPriceRejectsAsMissingData(t *testing.T) {
	in := Inputs{
		Symbol:    "ACME",
		Periods:   syntheticPeriods(6, 1000, 0.10),
		Price:     0,
		Currency:  "USD",
		Country:   "US",
		Beta:      1.0,
		MarketCap: 5_000_000_000,
	}
	_, valuation := Derive(in)
	if valuation.Quality != "N/A" {
		t.Fatalf("expected N/A valuation for zero price, got quality=%v", valuation.Quality)
	}
}

func TestDerive_HigherWACCDoesNotIncreaseFairValue(t *testing.T) {
	low := Inputs{
		Symbol: "ACME", Periods: syntheticPeriods(6, 1000, 0.10), Price: 40,
		Currency: "USD", Country: "US", Beta: 0.8, MarketCap: 8_000_000_000,
	}
	high := low
	high.Beta = 2.5 // raises WACC, all else equal

	_, lowVal := Derive(low)
	_, highVal := Derive(high)

	if lowVal.FairValuePerShare == nil || highVal.FairValuePerShare == nil {
		t.Fatal("expected both valuations to produce a fair value")
	}
	if *highVal.FairValuePerShare > *lowVal.FairValuePerShare {
		t.Errorf("higher beta/WACC should not increase fair value: low=%v high=%v", *lowVal.FairValuePerShare, *highVal.FairValuePerShare)
	}
}
