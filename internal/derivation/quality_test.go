package derivation

import (
	"testing"

	"github.com/marketscan/scanner/internal/domain"
)

func TestComputeControls_ScoreCountsDefaults(t *testing.T) {
	tests := []struct {
		name  string
		flags [6]bool
		want  float64
	}{
		{"no defaults", [6]bool{}, 1.0},
		{"all defaults", [6]bool{true, true, true, true, true, true}, 0.0},
		{"one default", [6]bool{true, false, false, false, false, false}, 1 - 1.0/6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := computeControls(tt.flags[0], tt.flags[1], tt.flags[2], tt.flags[3], tt.flags[4], tt.flags[5], false)
			if c.DataQualityScore != tt.want {
				t.Errorf("DataQualityScore = %v, want %v", c.DataQualityScore, tt.want)
			}
		})
	}
}

func TestRejection_LowQualityScoreIsMissingData(t *testing.T) {
	artifact := domain.DerivationArtifact{
		Controls: domain.Controls{DataQualityScore: 0.5},
	}
	valuation, ok := rejection("ACME", artifact, 1000, 100, 50, nil, 5, false)
	if ok {
		t.Fatal("expected rejection")
	}
	if valuation.Quality != "N/A" || valuation.ReasonCode != domain.ReasonMissingData {
		t.Errorf("got quality=%v reasonCode=%v, want N/A MISSING_DATA", valuation.Quality, valuation.ReasonCode)
	}
}

func TestRejection_NonPositiveRevenueTTMIsMissingData(t *testing.T) {
	artifact := domain.DerivationArtifact{Controls: domain.Controls{DataQualityScore: 1.0}}
	valuation, ok := rejection("ACME", artifact, 0, 100, 50, nil, 5, false)
	if ok || valuation.ReasonCode != domain.ReasonMissingData {
		t.Errorf("got ok=%v reasonCode=%v, want rejected MISSING_DATA", ok, valuation.ReasonCode)
	}
}

func TestRejection_ReinvestmentFlaggedIsNegativeFCF(t *testing.T) {
	artifact := domain.DerivationArtifact{
		Controls: domain.Controls{DataQualityScore: 1.0, ReinvestmentFlagged: true},
	}
	valuation, ok := rejection("ACME", artifact, 1000, 100, 50, nil, 5, false)
	if ok || valuation.ReasonCode != domain.ReasonNegativeFCF {
		t.Errorf("got ok=%v reasonCode=%v, want rejected NEG_FCF", ok, valuation.ReasonCode)
	}
}

func TestRejection_MajorityNegativeProjectedYearsIsNegativeFCF(t *testing.T) {
	margin := 0.20
	artifact := domain.DerivationArtifact{
		Controls: domain.Controls{DataQualityScore: 1.0},
		Margins:  domain.MarginsArtifact{OperatingMargin: &margin},
		Reinvestment: domain.ReinvestmentArtifact{SalesToCapital: 2.5},
	}
	projectedFCF := []float64{-1, -2, -3, 1, 1}
	valuation, ok := rejection("ACME", artifact, 1000, 100, 50, projectedFCF, 5, false)
	if ok || valuation.ReasonCode != domain.ReasonNegativeFCF {
		t.Errorf("got ok=%v reasonCode=%v, want rejected NEG_FCF", ok, valuation.ReasonCode)
	}
}

func TestRejection_VolatileProjectedFCFIsVolatileGrowth(t *testing.T) {
	margin := 0.20
	artifact := domain.DerivationArtifact{
		Controls: domain.Controls{DataQualityScore: 1.0},
		Margins:  domain.MarginsArtifact{OperatingMargin: &margin},
		Reinvestment: domain.ReinvestmentArtifact{SalesToCapital: 2.5},
	}
	projectedFCF := []float64{10, 100, 101, 102, 103} // 10x jump in year two
	valuation, ok := rejection("ACME", artifact, 1000, 100, 50, projectedFCF, 5, false)
	if ok || valuation.ReasonCode != domain.ReasonVolatileGrowth {
		t.Errorf("got ok=%v reasonCode=%v, want rejected VOLATILE_GROWTH", ok, valuation.ReasonCode)
	}
}

func TestRejection_CleanInputsPass(t *testing.T) {
	margin := 0.20
	artifact := domain.DerivationArtifact{
		Controls: domain.Controls{DataQualityScore: 1.0},
		Margins:  domain.MarginsArtifact{OperatingMargin: &margin},
		Reinvestment: domain.ReinvestmentArtifact{SalesToCapital: 2.5},
	}
	projectedFCF := []float64{100, 110, 115, 120, 125}
	_, ok := rejection("ACME", artifact, 1000, 100, 50, projectedFCF, 5, false)
	if !ok {
		t.Fatal("expected clean inputs to pass all gates")
	}
}
